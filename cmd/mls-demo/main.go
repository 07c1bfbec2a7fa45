package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	mls "github.com/Tubbz-alt/mlspp"
)

var (
	groupIDHex string
	members    int
)

type member struct {
	name         string
	identityPriv mls.SignaturePrivateKey
	initSecret   []byte
	session      *mls.Session
}

func newMember(name string, scheme mls.SignatureScheme) (*member, error) {
	identityPriv, err := scheme.Generate()
	if err != nil {
		return nil, fmt.Errorf("can't generate identity key for %q: %v", name, err)
	}

	initSecret := make([]byte, 32)
	copy(initSecret, []byte(name))

	return &member{
		name:         name,
		identityPriv: identityPriv,
		initSecret:   initSecret,
	}, nil
}

func printEpoch(label string, m *member) {
	state := m.session.Current()
	fmt.Printf("[%s] %-8s epoch=%d master_secret=%x\n",
		label, m.name, state.Epoch, state.MessageMasterSecret)
}

func runDemo(cmd *cobra.Command, args []string) error {
	if members < 2 {
		return fmt.Errorf("a group needs at least 2 members")
	}

	groupID, err := hex.DecodeString(groupIDHex)
	if err != nil {
		return fmt.Errorf("bad group id %q: %v", groupIDHex, err)
	}

	suite := mls.X25519_SHA256_AES128GCM
	scheme := mls.Ed25519

	group := make([]*member, members)
	for i := range group {
		group[i], err = newMember(fmt.Sprintf("member%d", i), scheme)
		if err != nil {
			return err
		}
	}

	// The first member founds the group, then pulls the others in one at a
	// time.  Every handshake is applied from its wire form by every member
	// that already has a session.
	founder := group[0]
	founder.session, err = mls.NewSession(groupID, suite, founder.identityPriv)
	if err != nil {
		return err
	}

	for i := 1; i < members; i++ {
		joiner := group[i]
		uik, err := mls.NewUserInitKey(joiner.initSecret, []mls.CipherSuite{suite}, scheme, &joiner.identityPriv)
		if err != nil {
			return err
		}

		welcomeData, addData, err := founder.session.Add(*uik)
		if err != nil {
			return fmt.Errorf("add of %s failed: %v", joiner.name, err)
		}

		for j := 0; j < i; j++ {
			if err := group[j].session.Handle(addData); err != nil {
				return fmt.Errorf("%s failed to apply add of %s: %v", group[j].name, joiner.name, err)
			}
		}

		joiner.session, err = mls.JoinSession(joiner.identityPriv, joiner.initSecret, welcomeData, addData)
		if err != nil {
			return fmt.Errorf("%s failed to join: %v", joiner.name, err)
		}

		printEpoch("add", joiner)
	}

	// Each member rotates its leaf key once
	for i, m := range group {
		leafSecret := make([]byte, 32)
		leafSecret[0] = byte(i + 1)

		updateData, err := m.session.Update(leafSecret)
		if err != nil {
			return fmt.Errorf("update by %s failed: %v", m.name, err)
		}

		for _, peer := range group {
			if err := peer.session.Handle(updateData); err != nil {
				return fmt.Errorf("%s failed to apply update by %s: %v", peer.name, m.name, err)
			}
		}

		printEpoch("update", m)
	}

	// The founder evicts the last member
	removed := uint32(members - 1)
	removeData, err := founder.session.Remove(removed)
	if err != nil {
		return fmt.Errorf("remove failed: %v", err)
	}

	for _, m := range group[:members-1] {
		if err := m.session.Handle(removeData); err != nil {
			return fmt.Errorf("%s failed to apply remove: %v", m.name, err)
		}
	}

	printEpoch("remove", founder)

	fmt.Println("all members agree on the group secret at every epoch")
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "mls-demo",
		Short: "Drive an in-process MLS group through add, update and remove",
	}

	demo := &cobra.Command{
		Use:   "demo",
		Short: "Run the grow/update/remove scenario and print per-epoch secrets",
		RunE:  runDemo,
	}
	demo.Flags().IntVarP(&members, "members", "n", 3, "number of group members")
	demo.Flags().StringVar(&groupIDHex, "group-id", "00010203", "group id (hex)")

	root.AddCommand(demo)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

package mls

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	stateGroupID = []byte{0x00}
	stateSuite   = X25519_SHA256_AES128GCM
	stateScheme  = Ed25519
)

type testMember struct {
	identityPriv SignaturePrivateKey
	initSecret   []byte
	uik          *UserInitKey
	state        *State
}

func newTestMember(t *testing.T, i int) *testMember {
	identityPriv, err := stateScheme.Derive([]byte{0xA0, byte(i)})
	require.Nil(t, err)

	initSecret := bytes.Repeat([]byte{byte(i + 1)}, 32)
	uik, err := NewUserInitKey(initSecret, []CipherSuite{stateSuite}, stateScheme, &identityPriv)
	require.Nil(t, err)

	return &testMember{
		identityPriv: identityPriv,
		initSecret:   initSecret,
		uik:          uik,
	}
}

// setupGroup grows a group to the given size one Add at a time, with every
// member applying every handshake.
func setupGroup(t *testing.T, size int) []*testMember {
	members := make([]*testMember, size)
	for i := range members {
		members[i] = newTestMember(t, i)
	}

	var err error
	members[0].state, err = NewEmptyState(stateGroupID, stateSuite, members[0].identityPriv)
	require.Nil(t, err)

	for i := 1; i < size; i++ {
		welcome, add, err := members[0].state.Add(*members[i].uik)
		require.Nil(t, err)

		for j := 0; j < i; j++ {
			members[j].state, err = members[j].state.Handle(add)
			require.Nil(t, err)
		}

		members[i].state, err = NewJoinedState(members[i].identityPriv, members[i].initSecret, *welcome, *add)
		require.Nil(t, err)

		for j := 0; j < i; j++ {
			require.True(t, members[j].state.Equals(*members[i].state))
		}
	}

	return members
}

func TestStateTwoPersonAdd(t *testing.T) {
	a := newTestMember(t, 0)
	b := newTestMember(t, 1)

	var err error
	a.state, err = NewEmptyState(stateGroupID, stateSuite, a.identityPriv)
	require.Nil(t, err)
	require.Equal(t, Epoch(0), a.state.Epoch)
	require.Equal(t, 1, a.state.Roster.Size())

	welcome, add, err := a.state.Add(*b.uik)
	require.Nil(t, err)

	a.state, err = a.state.Handle(add)
	require.Nil(t, err)

	b.state, err = NewJoinedState(b.identityPriv, b.initSecret, *welcome, *add)
	require.Nil(t, err)

	require.Equal(t, Epoch(1), a.state.Epoch)
	require.Equal(t, Epoch(1), b.state.Epoch)
	require.True(t, a.state.Equals(*b.state))

	aRoot, err := a.state.Tree.RootSecret()
	require.Nil(t, err)
	bRoot, err := b.state.Tree.RootSecret()
	require.Nil(t, err)
	require.Equal(t, aRoot, bRoot)

	require.Equal(t, a.state.MessageMasterSecret, b.state.MessageMasterSecret)
	require.Equal(t, a.state.InitSecret, b.state.InitSecret)
	require.Equal(t, 2, a.state.Roster.Size())
	require.Equal(t, uint32(2), a.state.Tree.LeafSpan())
}

func TestStateSelfAndPeerUpdate(t *testing.T) {
	members := setupGroup(t, 2)
	a, b := members[0], members[1]

	prevMaster := dup(a.state.MessageMasterSecret)

	// A rotates its leaf
	updateA, err := a.state.Update(bytes.Repeat([]byte{0x01}, 32))
	require.Nil(t, err)

	a.state, err = a.state.Handle(updateA)
	require.Nil(t, err)
	b.state, err = b.state.Handle(updateA)
	require.Nil(t, err)

	require.Equal(t, Epoch(2), a.state.Epoch)
	require.True(t, a.state.Equals(*b.state))
	require.NotEqual(t, prevMaster, a.state.MessageMasterSecret)

	// The cached leaf secret is consumed by the apply
	require.Empty(t, a.state.CachedLeafSecret)

	// B rotates its leaf
	updateB, err := b.state.Update(bytes.Repeat([]byte{0x02}, 32))
	require.Nil(t, err)

	a.state, err = a.state.Handle(updateB)
	require.Nil(t, err)
	b.state, err = b.state.Handle(updateB)
	require.Nil(t, err)

	require.Equal(t, Epoch(3), a.state.Epoch)
	require.True(t, a.state.Equals(*b.state))
}

func TestStateSelfUpdateWithoutCache(t *testing.T) {
	members := setupGroup(t, 2)
	a := members[0]

	update, err := a.state.Update(bytes.Repeat([]byte{0x03}, 32))
	require.Nil(t, err)

	// Forgetting the cached secret makes our own update unappliable
	a.state.CachedLeafSecret = nil
	snapshot := a.state.clone()

	_, err = a.state.Handle(update)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidParameter))
	require.True(t, a.state.Equals(*snapshot))
}

func TestStateRemove(t *testing.T) {
	members := setupGroup(t, 3)
	a, b, c := members[0], members[1], members[2]

	// A evicts B (the middle leaf)
	remove, err := a.state.Remove(1)
	require.Nil(t, err)

	bBefore := b.state.clone()

	var aNext, cNext *State
	aNext, err = a.state.Handle(remove)
	require.Nil(t, err)
	cNext, err = c.state.Handle(remove)
	require.Nil(t, err)

	require.True(t, aNext.Equals(*cNext))
	require.Equal(t, Epoch(3), aNext.Epoch)

	// The removed leaf is blanked; its roster entry now carries the
	// remover's credential
	require.False(t, aNext.Tree.occupied(1))
	removedCred, err := aNext.Roster.Get(1)
	require.Nil(t, err)
	removerCred, err := aNext.Roster.Get(0)
	require.Nil(t, err)
	require.True(t, removedCred.Equals(removerCred))

	// The roster still tracks the leaf span
	require.Equal(t, 3, aNext.Roster.Size())
	require.Equal(t, uint32(3), aNext.Tree.LeafSpan())

	// The removed member cannot recover the new epoch secret
	_, err = b.state.Handle(remove)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCrypto))
	require.True(t, b.state.Equals(*bBefore))
}

func TestStateOutOfOrderRejection(t *testing.T) {
	a := newTestMember(t, 0)
	b := newTestMember(t, 1)

	var err error
	a.state, err = NewEmptyState(stateGroupID, stateSuite, a.identityPriv)
	require.Nil(t, err)

	_, add, err := a.state.Add(*b.uik)
	require.Nil(t, err)

	a.state, err = a.state.Handle(add)
	require.Nil(t, err)

	update, err := a.state.Update(bytes.Repeat([]byte{0x01}, 32))
	require.Nil(t, err)
	a.state, err = a.state.Handle(update)
	require.Nil(t, err)

	// Replaying the Add from epoch 0 against epoch 2 is rejected and the
	// state is untouched
	snapshot := a.state.clone()
	_, err = a.state.Handle(add)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidParameter))
	require.True(t, a.state.Equals(*snapshot))
	require.Equal(t, snapshot.InitSecret, a.state.InitSecret)
}

func TestStateTamperedSignature(t *testing.T) {
	members := setupGroup(t, 2)
	a, b := members[0], members[1]

	update, err := a.state.Update(bytes.Repeat([]byte{0x04}, 32))
	require.Nil(t, err)

	mangled := *update
	mangled.Signature = dup(update.Signature)
	mangled.Signature[0] ^= 0x01

	snapshot := b.state.clone()
	_, err = b.state.Handle(&mangled)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCrypto))
	require.True(t, b.state.Equals(*snapshot))

	// The untampered original still applies
	_, err = b.state.Handle(update)
	require.Nil(t, err)
}

func TestStateAddChecks(t *testing.T) {
	members := setupGroup(t, 2)
	a := members[0]

	// An init key that does not offer the group's suite is rejected
	c := newTestMember(t, 7)
	mismatched, err := NewUserInitKey(c.initSecret, []CipherSuite{P256_SHA256_AES128GCM}, stateScheme, &c.identityPriv)
	require.Nil(t, err)

	_, _, err = a.state.Add(*mismatched)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocol))

	// A tampered init key signature is rejected
	broken := *c.uik
	broken.Signature = dup(c.uik.Signature)
	broken.Signature[0] ^= 0xFF
	_, _, err = a.state.Add(broken)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestStateEpochMonotonicity(t *testing.T) {
	members := setupGroup(t, 3)

	for epoch := Epoch(2); epoch < 6; epoch++ {
		sender := members[int(epoch)%3]
		require.Equal(t, epoch, sender.state.Epoch)

		update, err := sender.state.Update(bytes.Repeat([]byte{byte(epoch)}, 32))
		require.Nil(t, err)

		for _, m := range members {
			next, err := m.state.Handle(update)
			require.Nil(t, err)
			require.Equal(t, m.state.Epoch+1, next.Epoch)
			m.state = next
		}

		for _, m := range members[1:] {
			require.True(t, members[0].state.Equals(*m.state))
		}
	}
}

func TestStateCreateGroup(t *testing.T) {
	a := newTestMember(t, 0)
	b := newTestMember(t, 1)

	ours := []CipherSuite{P256_SHA256_AES128GCM, X25519_SHA256_AES128GCM}
	state, welcome, add, err := CreateGroup(stateGroupID, ours, a.identityPriv, *b.uik)
	require.Nil(t, err)
	require.Equal(t, stateSuite, state.CipherSuite)

	joined, err := NewJoinedState(b.identityPriv, b.initSecret, *welcome, *add)
	require.Nil(t, err)
	require.True(t, state.Equals(*joined))

	// No suite in common: negotiation fails
	p256Only := []CipherSuite{P256_SHA256_AES128GCM}
	_, _, _, err = CreateGroup(stateGroupID, p256Only, a.identityPriv, *b.uik)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocol))
}

func TestStateJoinChecks(t *testing.T) {
	a := newTestMember(t, 0)
	b := newTestMember(t, 1)
	c := newTestMember(t, 2)

	var err error
	a.state, err = NewEmptyState(stateGroupID, stateSuite, a.identityPriv)
	require.Nil(t, err)

	welcome, add, err := a.state.Add(*b.uik)
	require.Nil(t, err)

	// The Add is addressed to B, not C
	_, err = NewJoinedState(c.identityPriv, c.initSecret, *welcome, *add)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidParameter))

	// B presenting the wrong init secret is caught against the published
	// init key
	_, err = NewJoinedState(b.identityPriv, c.initSecret, *welcome, *add)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocol))
}

func BenchmarkUpdate(b *testing.B) {
	identityPriv, err := stateScheme.Derive([]byte{0xB0})
	if err != nil {
		b.Fatal(err)
	}

	memberPriv, err := stateScheme.Derive([]byte{0xB1})
	if err != nil {
		b.Fatal(err)
	}

	initSecret := bytes.Repeat([]byte{0xB1}, 32)
	uik, err := NewUserInitKey(initSecret, []CipherSuite{stateSuite}, stateScheme, &memberPriv)
	if err != nil {
		b.Fatal(err)
	}

	state, err := NewEmptyState(stateGroupID, stateSuite, identityPriv)
	if err != nil {
		b.Fatal(err)
	}

	_, add, err := state.Add(*uik)
	if err != nil {
		b.Fatal(err)
	}
	state, err = state.Handle(add)
	if err != nil {
		b.Fatal(err)
	}

	leafSecret := bytes.Repeat([]byte{0x55}, 32)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		update, err := state.Update(leafSecret)
		if err != nil {
			b.Fatal(err)
		}

		state, err = state.Handle(update)
		if err != nil {
			b.Fatal(err)
		}
	}
}

package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type Epoch uint32

//	struct {
//	  opaque group_id<0..255>;
//	  uint32 epoch;
//	  Credential roster<1..2^24-1>;
//	  optional<RatchetTreeNode> tree<1..2^24-1>;
//	  GroupOperation transcript<0..2^24-1>;
//	} GroupState;
//
// The signed and transcripted view of the group.  Handshake signatures are
// computed over this encoding of the successor state.
type groupState struct {
	GroupID    []byte `tls:"head=1"`
	Epoch      Epoch
	Roster     Roster
	Tree       RatchetTree
	Transcript []GroupOperation `tls:"head=3"`
}

///
/// State
///

type State struct {
	// Shared state
	CipherSuite CipherSuite
	GroupID     []byte
	Epoch       Epoch
	Roster      Roster
	Tree        RatchetTree
	Transcript  []GroupOperation

	// Per-participant state
	Index        leafIndex
	IdentityPriv SignaturePrivateKey

	// Secret state
	InitSecret          []byte
	MessageMasterSecret []byte
	CachedLeafSecret    []byte
}

// NewEmptyState creates a group with the caller as its only member, at
// leaf 0 and epoch 0.
func NewEmptyState(groupID []byte, suite CipherSuite, identityPriv SignaturePrivateKey) (*State, error) {
	leafSecret, err := getRandomBytes(32)
	if err != nil {
		return nil, err
	}

	cred := newRawCredential(suite.scheme(), identityPriv.PublicKey)
	tree, err := newRatchetTreeFromSecret(suite, leafSecret, cred)
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:  suite,
		GroupID:      dup(groupID),
		Epoch:        0,
		Tree:         *tree,
		Transcript:   []GroupOperation{},
		Index:        0,
		IdentityPriv: identityPriv,
		InitSecret:   make([]byte, 32),
	}
	s.Roster.Add(cred)
	return s, nil
}

// NewJoinedState is the receiver-of-Add constructor: it builds the state a
// Welcome and its accompanying Add handshake describe, with the caller at
// the newly created leaf.
func NewJoinedState(identityPriv SignaturePrivateKey, initSecret []byte, welcome Welcome, handshake Handshake) (*State, error) {
	if handshake.Operation.Type() != GroupOperationTypeAdd {
		return nil, fmt.Errorf("mls.state: incorrect handshake type: %w", ErrInvalidParameter)
	}

	add := handshake.Operation.Add
	if !add.InitKey.IdentityKey.Equals(identityPriv.PublicKey) {
		return nil, fmt.Errorf("mls.state: group add not targeted for this node: %w", ErrInvalidParameter)
	}

	suite := welcome.CipherSuite

	// Make sure the init key for the chosen ciphersuite is the one we sent
	initPub, found := add.InitKey.findInitKey(suite)
	if !found {
		return nil, fmt.Errorf("mls.state: selected cipher suite not supported: %w", ErrProtocol)
	}

	initPriv, err := suite.hpke().Derive(initSecret)
	if err != nil {
		return nil, err
	}
	if !initPriv.PublicKey.equals(initPub) {
		return nil, fmt.Errorf("mls.state: incorrect init key: %w", ErrProtocol)
	}

	s := &State{
		CipherSuite:  suite,
		GroupID:      dup(welcome.GroupID),
		Epoch:        welcome.Epoch + 1,
		Roster:       welcome.Roster.clone(),
		Tree:         *welcome.Tree.clone(),
		Transcript:   append([]GroupOperation{}, welcome.Transcript...),
		Index:        leafIndex(welcome.Tree.size()),
		IdentityPriv: identityPriv,
		InitSecret:   dup(welcome.InitSecret),
	}
	s.Tree.CipherSuite = suite

	cred := newRawCredential(add.InitKey.Scheme, add.InitKey.IdentityKey)
	s.Roster.Add(cred)

	leafPriv, err := suite.hpke().Derive(welcome.LeafSecret)
	if err != nil {
		return nil, err
	}
	if err = s.Tree.AddLeaf(s.Index, leafPriv.PublicKey, &cred); err != nil {
		return nil, err
	}
	if err = s.Tree.SetPath(s.Index, welcome.LeafSecret); err != nil {
		return nil, err
	}

	s.Transcript = append(s.Transcript, handshake.Operation)

	updateSecret, err := s.Tree.RootSecret()
	if err != nil {
		return nil, err
	}
	if err = s.deriveEpochKeys(updateSecret); err != nil {
		return nil, err
	}

	if err = s.verify(leafIndex(handshake.SignerIndex), handshake.Signature); err != nil {
		return nil, err
	}

	return s, nil
}

// CreateGroup negotiates a suite with a prospective member and founds a
// two-member group, returning the founder's post-add state together with the
// Welcome and Handshake for the new member.
func CreateGroup(groupID []byte, suites []CipherSuite, identityPriv SignaturePrivateKey, uik UserInitKey) (*State, *Welcome, *Handshake, error) {
	var suite CipherSuite
	selected := false
	for _, mine := range suites {
		for _, theirs := range uik.CipherSuites {
			if mine == theirs {
				selected = true
				suite = mine
				break
			}
		}
		if selected {
			break
		}
	}

	if !selected {
		return nil, nil, nil, fmt.Errorf("mls.state: negotiation failure: %w", ErrProtocol)
	}

	s, err := NewEmptyState(groupID, suite, identityPriv)
	if err != nil {
		return nil, nil, nil, err
	}

	welcome, add, err := s.Add(uik)
	if err != nil {
		return nil, nil, nil, err
	}

	next, err := s.Handle(add)
	if err != nil {
		return nil, nil, nil, err
	}

	return next, welcome, add, nil
}

///
/// Message factories
///

// Add verifies the prospective member's UserInitKey and produces the Welcome
// for them plus the signed Add handshake for the group.
func (s State) Add(uik UserInitKey) (*Welcome, *Handshake, error) {
	ok, err := uik.verify()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("mls.state: bad signature on user init key: %w", ErrInvalidParameter)
	}

	if _, found := uik.findInitKey(s.CipherSuite); !found {
		return nil, nil, fmt.Errorf("mls.state: new member does not support the group's ciphersuite: %w", ErrProtocol)
	}

	leafSecret, err := getRandomBytes(32)
	if err != nil {
		return nil, nil, err
	}

	ctx, err := s.hpkeContext()
	if err != nil {
		return nil, nil, err
	}

	path, err := s.Tree.Encrypt(leafIndex(s.Tree.size()), ctx, leafSecret)
	if err != nil {
		return nil, nil, err
	}

	welcome := &Welcome{
		GroupID:     dup(s.GroupID),
		Epoch:       s.Epoch,
		CipherSuite: s.CipherSuite,
		Roster:      s.Roster.clone(),
		Tree:        *s.Tree.publicClone(),
		Transcript:  append([]GroupOperation{}, s.Transcript...),
		InitSecret:  dup(s.InitSecret),
		LeafSecret:  leafSecret,
	}

	handshake, err := s.sign(GroupOperation{Add: &Add{Path: *path, InitKey: uik}})
	if err != nil {
		return nil, nil, err
	}

	return welcome, handshake, nil
}

// Update rotates the caller's leaf secret.  The secret is cached so that the
// caller's own Handle of the resulting handshake can re-derive its path.
func (s *State) Update(leafSecret []byte) (*Handshake, error) {
	ctx, err := s.hpkeContext()
	if err != nil {
		return nil, err
	}

	path, err := s.Tree.Encrypt(s.Index, ctx, leafSecret)
	if err != nil {
		return nil, err
	}

	s.CachedLeafSecret = dup(leafSecret)

	return s.sign(GroupOperation{Update: &Update{Path: *path}})
}

// Remove evicts the member at the given leaf, injecting a fresh evict secret
// along the path toward the removed leaf.  The removed leaf is blanked before
// the path is computed, so the remaining members (and only they) can recover
// the secret.
func (s State) Remove(removed uint32) (*Handshake, error) {
	target := leafIndex(removed)
	if target == s.Index {
		return nil, fmt.Errorf("mls.state: cannot remove self: %w", ErrInvalidParameter)
	}
	if !s.Tree.occupied(target) {
		return nil, fmt.Errorf("mls.state: remove of blank leaf %d: %w", removed, ErrInvalidParameter)
	}

	evictSecret, err := getRandomBytes(32)
	if err != nil {
		return nil, err
	}

	ctx, err := s.hpkeContext()
	if err != nil {
		return nil, err
	}

	tmp := s.Tree.clone()
	tmp.BlankPath(target)
	path, err := tmp.Encrypt(target, ctx, evictSecret)
	if err != nil {
		return nil, err
	}

	return s.sign(GroupOperation{Remove: &Remove{Removed: removed, Path: *path}})
}

///
/// Message handlers
///

// Handle applies a handshake and returns the successor state.  The receiver
// is never mutated: on any failure the successor is discarded and the caller
// keeps its current state.
func (s State) Handle(handshake *Handshake) (*State, error) {
	if handshake.PriorEpoch != s.Epoch {
		return nil, fmt.Errorf("mls.state: epoch mismatch, have %d, got %d: %w",
			s.Epoch, handshake.PriorEpoch, ErrInvalidParameter)
	}

	next, err := s.handleOperation(leafIndex(handshake.SignerIndex), handshake.Operation)
	if err != nil {
		return nil, err
	}

	if err = next.verify(leafIndex(handshake.SignerIndex), handshake.Signature); err != nil {
		return nil, err
	}

	return next, nil
}

func (s State) handleOperation(signer leafIndex, op GroupOperation) (*State, error) {
	if leafCount(signer) >= s.Tree.size() {
		return nil, fmt.Errorf("mls.state: signer index %d out of range: %w", signer, ErrInvalidParameter)
	}

	next := s.clone()
	next.Epoch = s.Epoch + 1

	ctx, err := s.hpkeContext()
	if err != nil {
		return nil, err
	}

	switch op.Type() {
	case GroupOperationTypeAdd:
		err = next.handleAdd(ctx, op.Add)
	case GroupOperationTypeUpdate:
		err = next.handleUpdate(ctx, signer, op.Update)
	case GroupOperationTypeRemove:
		err = next.handleRemove(ctx, signer, op.Remove)
	default:
		err = fmt.Errorf("mls.state: invalid group operation: %w", ErrInvalidParameter)
	}
	if err != nil {
		return nil, err
	}

	next.Transcript = append(next.Transcript, op)

	updateSecret, err := next.Tree.RootSecret()
	if err != nil {
		return nil, err
	}
	if err = next.deriveEpochKeys(updateSecret); err != nil {
		return nil, err
	}

	return next, nil
}

func (s *State) handleAdd(ctx []byte, add *Add) error {
	ok, err := add.InitKey.verify()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mls.state: invalid signature on init key in group add: %w", ErrProtocol)
	}

	if _, found := add.InitKey.findInitKey(s.CipherSuite); !found {
		return fmt.Errorf("mls.state: init key does not offer the group's ciphersuite: %w", ErrProtocol)
	}

	if len(add.Path.Nodes) == 0 {
		return fmt.Errorf("mls.state: empty direct path in group add: %w", ErrProtocol)
	}

	target := leafIndex(s.Tree.size())
	cred := newRawCredential(add.InitKey.Scheme, add.InitKey.IdentityKey)
	if err := s.Tree.AddLeaf(target, add.Path.Nodes[0].PublicKey, &cred); err != nil {
		return err
	}
	s.Roster.Add(cred)

	info, err := s.Tree.Decrypt(target, ctx, add.Path)
	if err != nil {
		return err
	}
	return s.Tree.MergePath(target, info)
}

func (s *State) handleUpdate(ctx []byte, signer leafIndex, update *Update) error {
	if signer == s.Index {
		if len(s.CachedLeafSecret) == 0 {
			return fmt.Errorf("mls.state: got self-update without generating one: %w", ErrInvalidParameter)
		}

		leafSecret := s.CachedLeafSecret
		s.CachedLeafSecret = nil
		return s.Tree.SetPath(s.Index, leafSecret)
	}

	info, err := s.Tree.Decrypt(signer, ctx, update.Path)
	if err != nil {
		return err
	}
	return s.Tree.MergePath(signer, info)
}

func (s *State) handleRemove(ctx []byte, signer leafIndex, remove *Remove) error {
	removed := leafIndex(remove.Removed)
	if !s.Tree.occupied(removed) {
		return fmt.Errorf("mls.state: remove of blank leaf %d: %w", remove.Removed, ErrInvalidParameter)
	}

	// Blank first so the resolutions the path secrets are decrypted against
	// exclude the evicted leaf.
	s.Tree.BlankPath(removed)

	info, err := s.Tree.Decrypt(removed, ctx, remove.Path)
	if err != nil {
		return err
	}
	if err = s.Tree.MergePath(removed, info); err != nil {
		return err
	}
	s.Tree.blankLeaf(removed)

	return s.Roster.Copy(removed, signer)
}

///
/// Inner logic and convenience functions
///

func (s State) toBeSigned() ([]byte, error) {
	enc, err := syntax.Marshal(groupState{
		GroupID:    s.GroupID,
		Epoch:      s.Epoch,
		Roster:     s.Roster,
		Tree:       s.Tree,
		Transcript: s.Transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("mls.state: group state marshal failure %v", err)
	}
	return enc, nil
}

// AAD base for path secret encryption: the group and the epoch the path was
// computed in.  The tree appends the level index.
func (s State) hpkeContext() ([]byte, error) {
	return syntax.Marshal(struct {
		GroupID []byte `tls:"head=1"`
		Epoch   Epoch
	}{s.GroupID, s.Epoch})
}

func (s State) sign(op GroupOperation) (*Handshake, error) {
	next, err := s.handleOperation(s.Index, op)
	if err != nil {
		return nil, err
	}

	tbs, err := next.toBeSigned()
	if err != nil {
		return nil, err
	}

	scheme := s.CipherSuite.scheme()
	sig, err := scheme.Sign(&s.IdentityPriv, tbs)
	if err != nil {
		return nil, err
	}

	return &Handshake{
		PriorEpoch:  s.Epoch,
		Operation:   op,
		SignerIndex: uint32(s.Index),
		Signature:   sig,
	}, nil
}

func (s State) verify(signer leafIndex, signature []byte) error {
	cred, err := s.Roster.Get(signer)
	if err != nil {
		return err
	}

	tbs, err := s.toBeSigned()
	if err != nil {
		return err
	}

	if !cred.Scheme().Verify(cred.PublicKey(), tbs, signature) {
		return fmt.Errorf("mls.state: invalid handshake message signature: %w", ErrCrypto)
	}
	return nil
}

// epoch_secret = HKDF-Extract(init_secret, update_secret)
// message_master_secret = Derive-Secret(epoch_secret, "msg", state)
// init_secret' = Derive-Secret(epoch_secret, "init", state)
func (s *State) deriveEpochKeys(updateSecret []byte) error {
	epochSecret := s.CipherSuite.hkdfExtract(s.InitSecret, updateSecret)

	tbs, err := s.toBeSigned()
	if err != nil {
		return err
	}
	stateHash := s.CipherSuite.digest(tbs)

	s.MessageMasterSecret = s.CipherSuite.deriveSecret(epochSecret, "msg", stateHash)
	s.InitSecret = s.CipherSuite.deriveSecret(epochSecret, "init", stateHash)
	return nil
}

func (s State) clone() *State {
	return &State{
		CipherSuite:         s.CipherSuite,
		GroupID:             dup(s.GroupID),
		Epoch:               s.Epoch,
		Roster:              s.Roster.clone(),
		Tree:                *s.Tree.clone(),
		Transcript:          append([]GroupOperation{}, s.Transcript...),
		Index:               s.Index,
		IdentityPriv:        s.IdentityPriv,
		InitSecret:          dup(s.InitSecret),
		MessageMasterSecret: dup(s.MessageMasterSecret),
		CachedLeafSecret:    dup(s.CachedLeafSecret),
	}
}

// Compare the shared aspects of two states
func (s State) Equals(o State) bool {
	suite := s.CipherSuite == o.CipherSuite
	groupID := bytes.Equal(s.GroupID, o.GroupID)
	epoch := s.Epoch == o.Epoch
	roster := s.Roster.Equals(o.Roster)
	tree := s.Tree.Equals(o.Tree)
	mms := bytes.Equal(s.MessageMasterSecret, o.MessageMasterSecret)
	initSecret := bytes.Equal(s.InitSecret, o.InitSecret)

	return suite && groupID && epoch && roster && tree && mms && initSecret
}

package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

///
/// UserInitKey
///

//	struct {
//	  CipherSuite cipher_suites<1..255>;
//	  HPKEPublicKey init_keys<1..2^16-1>;
//	  SignaturePublicKey identity_key;
//	  SignatureScheme algorithm;
//	  opaque signature<0..2^16-1>;
//	} UserInitKey;
//
// A pre-keying envelope a prospective member publishes: one init key per
// offered cipher suite, signed under the member's identity key.
type UserInitKey struct {
	CipherSuites []CipherSuite   `tls:"head=1,min=1"`
	InitKeys     []HPKEPublicKey `tls:"head=2,min=1"`
	IdentityKey  SignaturePublicKey
	Scheme       SignatureScheme
	Signature    []byte `tls:"head=2"`
}

// NewUserInitKey derives one init key per offered suite from initSecret and
// signs the bundle with the identity key.
func NewUserInitKey(initSecret []byte, suites []CipherSuite, scheme SignatureScheme, identityPriv *SignaturePrivateKey) (*UserInitKey, error) {
	if len(suites) == 0 {
		return nil, fmt.Errorf("mls.uik: no cipher suites offered: %w", ErrInvalidParameter)
	}

	uik := &UserInitKey{
		CipherSuites: suites,
		InitKeys:     make([]HPKEPublicKey, len(suites)),
		IdentityKey:  identityPriv.PublicKey,
		Scheme:       scheme,
	}

	for i, suite := range suites {
		initPriv, err := suite.hpke().Derive(initSecret)
		if err != nil {
			return nil, err
		}
		uik.InitKeys[i] = initPriv.PublicKey
	}

	tbs, err := uik.toBeSigned()
	if err != nil {
		return nil, err
	}

	uik.Signature, err = scheme.Sign(identityPriv, tbs)
	if err != nil {
		return nil, err
	}
	return uik, nil
}

func (uik UserInitKey) toBeSigned() ([]byte, error) {
	return syntax.Marshal(struct {
		CipherSuites []CipherSuite   `tls:"head=1,min=1"`
		InitKeys     []HPKEPublicKey `tls:"head=2,min=1"`
		IdentityKey  SignaturePublicKey
		Scheme       SignatureScheme
	}{
		CipherSuites: uik.CipherSuites,
		InitKeys:     uik.InitKeys,
		IdentityKey:  uik.IdentityKey,
		Scheme:       uik.Scheme,
	})
}

func (uik UserInitKey) verify() (bool, error) {
	if len(uik.CipherSuites) == 0 || len(uik.CipherSuites) != len(uik.InitKeys) {
		return false, fmt.Errorf("mls.uik: cipher suites and init keys misaligned: %w", ErrProtocol)
	}

	tbs, err := uik.toBeSigned()
	if err != nil {
		return false, err
	}

	return uik.Scheme.Verify(&uik.IdentityKey, tbs, uik.Signature), nil
}

// findInitKey selects the init key offered for the given suite.  There is no
// silent fallback: a bundle that does not offer the group's suite cannot be
// added.
func (uik UserInitKey) findInitKey(suite CipherSuite) (HPKEPublicKey, bool) {
	for i, s := range uik.CipherSuites {
		if s == suite {
			return uik.InitKeys[i], true
		}
	}
	return HPKEPublicKey{}, false
}

///
/// DirectPath
///

//	struct {
//	  HPKEPublicKey public_key;
//	  HPKECiphertext encrypted_path_secrets<0..2^16-1>;
//	} DirectPathNode;
//
// One entry per node on the sender's extended direct path (leaf first).  The
// leaf entry carries no ciphertexts; each higher entry carries one ciphertext
// per public key in the resolution of the copath node at that level.
type DirectPathNode struct {
	PublicKey            HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext `tls:"head=2"`
}

// DirectPathNode nodes<0..2^16-1>;
type DirectPath struct {
	Nodes []DirectPathNode `tls:"head=2"`
}

///
/// GroupOperation
///

type GroupOperationType uint8

const (
	GroupOperationTypeAdd    GroupOperationType = 0
	GroupOperationTypeUpdate GroupOperationType = 1
	GroupOperationTypeRemove GroupOperationType = 2
)

func (t GroupOperationType) ValidForTLS() error {
	return validateEnum(t, GroupOperationTypeAdd, GroupOperationTypeUpdate, GroupOperationTypeRemove)
}

type Add struct {
	Path    DirectPath
	InitKey UserInitKey
}

type Update struct {
	Path DirectPath
}

type Remove struct {
	Removed uint32
	Path    DirectPath
}

//	struct {
//	  GroupOperationType msg_type;
//	  select (GroupOperation.msg_type) {
//	    case add:    Add;
//	    case update: Update;
//	    case remove: Remove;
//	  };
//	} GroupOperation;
type GroupOperation struct {
	Add    *Add
	Update *Update
	Remove *Remove
}

func (op GroupOperation) Type() GroupOperationType {
	switch {
	case op.Add != nil:
		return GroupOperationTypeAdd
	case op.Update != nil:
		return GroupOperationTypeUpdate
	case op.Remove != nil:
		return GroupOperationTypeRemove
	default:
		panic("Malformed group operation")
	}
}

func (op GroupOperation) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	opType := op.Type()
	err := s.Write(opType)
	if err != nil {
		return nil, err
	}

	switch opType {
	case GroupOperationTypeAdd:
		err = s.Write(op.Add)
	case GroupOperationTypeUpdate:
		err = s.Write(op.Update)
	case GroupOperationTypeRemove:
		err = s.Write(op.Remove)
	default:
		err = fmt.Errorf("mls.messages: GroupOperationType type not allowed")
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (op *GroupOperation) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var opType GroupOperationType
	_, err := s.Read(&opType)
	if err != nil {
		return 0, err
	}

	switch opType {
	case GroupOperationTypeAdd:
		op.Add = new(Add)
		_, err = s.Read(op.Add)
	case GroupOperationTypeUpdate:
		op.Update = new(Update)
		_, err = s.Read(op.Update)
	case GroupOperationTypeRemove:
		op.Remove = new(Remove)
		_, err = s.Read(op.Remove)
	default:
		err = fmt.Errorf("mls.messages: GroupOperationType type not allowed %v", err)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// Handshake
///

//	struct {
//	  uint32 prior_epoch;
//	  GroupOperation operation;
//	  uint32 signer_index;
//	  opaque signature<0..2^16-1>;
//	} Handshake;
type Handshake struct {
	PriorEpoch  Epoch
	Operation   GroupOperation
	SignerIndex uint32
	Signature   []byte `tls:"head=2"`
}

///
/// Welcome
///

//	struct {
//	  opaque group_id<0..255>;
//	  uint32 epoch;
//	  CipherSuite cipher_suite;
//	  Credential roster<1..2^24-1>;
//	  optional<RatchetTreeNode> tree<1..2^24-1>;
//	  GroupOperation transcript<0..2^24-1>;
//	  opaque init_secret<0..255>;
//	  opaque leaf_secret<0..255>;
//	} Welcome;
//
// Everything the receiver of an Add needs to assume its place in the group.
// The tree is exported public-only; the leaf secret gives the joiner its
// leaf key pair.
type Welcome struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       Epoch
	CipherSuite CipherSuite
	Roster      Roster
	Tree        RatchetTree
	Transcript  []GroupOperation `tls:"head=3"`
	InitSecret  []byte           `tls:"head=1"`
	LeafSecret  []byte           `tls:"head=1"`
}

// The tree's cipher suite is not its own wire field; thread it in from the
// welcome and rebuild the hashes once the nodes are decoded.
func (w *Welcome) UnmarshalTLS(data []byte) (int, error) {
	type welcomeContent Welcome
	var c welcomeContent
	read, err := syntax.Unmarshal(data, &c)
	if err != nil {
		return 0, fmt.Errorf("mls.welcome: Unmarshal failed: %v", err)
	}

	*w = Welcome(c)
	w.Tree.CipherSuite = w.CipherSuite
	if len(w.Tree.Nodes) > 0 {
		w.Tree.setHashAll(w.Tree.rootIndex())
	}
	return read, nil
}

package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeInvalid CredentialType = 255
	CredentialTypeBasic   CredentialType = 0
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

//	struct {
//	    opaque identity<0..2^16-1>;
//	    SignatureScheme algorithm;
//	    SignaturePublicKey public_key;
//	} BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

//	struct {
//	    CredentialType credential_type;
//	    select (Credential.credential_type) {
//	        case basic:
//	            BasicCredential;
//	    };
//	} Credential;
type Credential struct {
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, pub SignaturePublicKey) Credential {
	basicCredential := &BasicCredential{
		Identity:        identity,
		SignatureScheme: scheme,
		PublicKey:       pub,
	}
	return Credential{Basic: basicCredential}
}

// newRawCredential wraps a bare signing key, for members known only by their
// identity key (e.g. the remote end of an Add).
func newRawCredential(scheme SignatureScheme, pub SignaturePublicKey) Credential {
	return NewBasicCredential(nil, scheme, pub)
}

// compare the public aspects
func (c Credential) Equals(o Credential) bool {
	switch c.Type() {
	case CredentialTypeBasic:
		if o.Basic == nil {
			return false
		}
		return bytes.Equal(c.Basic.Identity, o.Basic.Identity) &&
			c.Basic.SignatureScheme == o.Basic.SignatureScheme &&
			c.Basic.PublicKey.Equals(o.Basic.PublicKey)
	default:
		panic("Malformed credential")
	}
}

func (c Credential) Type() CredentialType {
	switch {
	case c.Basic != nil:
		return CredentialTypeBasic
	default:
		panic("Malformed credential")
	}
}

func (c Credential) Identity() []byte {
	switch c.Type() {
	case CredentialTypeBasic:
		return c.Basic.Identity
	default:
		panic("mls.credential: Can't retrieve Identity")
	}
}

func (c Credential) Scheme() SignatureScheme {
	switch c.Type() {
	case CredentialTypeBasic:
		return c.Basic.SignatureScheme
	default:
		panic("mls.credential: Can't retrieve SignatureScheme")
	}
}

func (c Credential) PublicKey() *SignaturePublicKey {
	switch c.Type() {
	case CredentialTypeBasic:
		return &c.Basic.PublicKey
	default:
		panic("mls.credential: Can't retrieve PublicKey")
	}
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credentialType := c.Type()
	err := s.Write(credentialType)
	if err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		err = s.Write(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed")
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	_, err := s.Read(&credentialType)
	if err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed %v", err)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

package mls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/cisco/go-hpke"
	syntax "github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

///
/// CipherSuite
///

type CipherSuite uint16

const (
	X25519_SHA256_AES128GCM CipherSuite = 0x0000
	P256_SHA256_AES128GCM   CipherSuite = 0x0001
)

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs, X25519_SHA256_AES128GCM, P256_SHA256_AES128GCM)
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_SHA256_AES128GCM:
		return "X25519_SHA256_AES128GCM"
	case P256_SHA256_AES128GCM:
		return "P256_SHA256_AES128GCM"
	}
	return "UnknownCipherSuite"
}

type cipherConstants struct {
	SecretSize int
	KeySize    int
	NonceSize  int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
}

func (cs CipherSuite) constants() cipherConstants {
	switch cs {
	case X25519_SHA256_AES128GCM:
		return cipherConstants{
			SecretSize: 32,
			KeySize:    16,
			NonceSize:  12,
			HPKEKEM:    hpke.DHKEM_X25519,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_AESGCM128,
		}
	case P256_SHA256_AES128GCM:
		return cipherConstants{
			SecretSize: 32,
			KeySize:    16,
			NonceSize:  12,
			HPKEKEM:    hpke.DHKEM_P256,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_AESGCM128,
		}
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) scheme() SignatureScheme {
	switch cs {
	case X25519_SHA256_AES128GCM:
		return Ed25519
	case P256_SHA256_AES128GCM:
		return ECDSA_SECP256R1_SHA256
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) newDigest() hash.Hash {
	switch cs {
	case X25519_SHA256_AES128GCM, P256_SHA256_AES128GCM:
		return sha256.New()
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newDigest, key)
}

///
/// HKDF
///

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	switch cs {
	case X25519_SHA256_AES128GCM, P256_SHA256_AES128GCM:
		return hkdf.Extract(sha256.New, ikm, salt)
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	r := hkdf.Expand(sha256.New, secret, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf expand failed: %v", err))
	}
	return out
}

//	struct {
//	  uint16 length;
//	  opaque label<7..255> = "mls10 " + Label;
//	  opaque context<0..2^32-1>;
//	} HkdfLabel;
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("mls10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf label marshal failed: %v", err))
	}
	return cs.hkdfExpand(secret, labelData, length)
}

// The exact labels fed through hkdfExpandLabel ("node" and "path" by the
// ratchet tree, "msg" and "init" through here) are wire-visible via the
// derived keys and must not change.
func (cs CipherSuite) deriveSecret(secret []byte, label string, stateHash []byte) []byte {
	return cs.hkdfExpandLabel(secret, label, stateHash, cs.constants().SecretSize)
}

///
/// HPKE
///

// opaque HPKEPublicKey<1..2^16-1>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

//	struct {
//	  opaque kem_output<0..2^16-1>;
//	  opaque ciphertext<0..2^32-1>;
//	} HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	ID        CipherSuite
	BaseSuite hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic(fmt.Errorf("mls.crypto: HPKE suite assembly failed: %v", err))
	}
	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	ikm := make([]byte, h.BaseSuite.KEM.PrivateKeySize())
	if _, err := rand.Reader.Read(ikm); err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls.crypto: HPKE generate: %w", ErrCrypto)
	}

	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls.crypto: HPKE generate: %w", ErrCrypto)
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(h.ID.digest(seed))
	if err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls.crypto: HPKE derive: %w", ErrCrypto)
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.BaseSuite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls.crypto: bad HPKE public key: %w", ErrCrypto)
	}

	enc, ctx, err := hpke.SetupBaseS(h.BaseSuite, rand.Reader, pkR, nil)
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls.crypto: HPKE setup: %w", ErrCrypto)
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.BaseSuite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: bad HPKE private key: %w", ErrCrypto)
	}

	ctx, err := hpke.SetupBaseR(h.BaseSuite, skR, ct.KEMOutput, nil)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: HPKE setup: %w", ErrCrypto)
	}

	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: HPKE open: %w", ErrCrypto)
	}
	return pt, nil
}

///
/// Signing
///

// opaque SignaturePublicKey<1..2^16-1>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(pub.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	Ed25519                SignatureScheme = 0x0807
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, ECDSA_SECP256R1_SHA256, Ed25519)
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		seed, err := getRandomBytes(32)
		if err != nil {
			return SignaturePrivateKey{}, err
		}
		return ss.Derive(seed)

	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}

		key := SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}
		return key, nil
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Derive(preSeed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		curve := elliptic.P256()
		h := sha256.Sum256(preSeed)
		d := new(big.Int).SetBytes(h[:])
		d.Mod(d, curve.Params().N)
		if d.Sign() == 0 {
			return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: degenerate ECDSA seed: %w", ErrCrypto)
		}

		x, y := curve.ScalarBaseMult(d.Bytes())
		key := SignaturePrivateKey{
			Data:      d.Bytes(),
			PublicKey: SignaturePublicKey{elliptic.Marshal(curve, x, y)},
		}
		return key, nil

	case Ed25519:
		h := sha256.Sum256(preSeed)
		priv := ed25519.NewKeyFromSeed(h[:])
		pub := priv.Public().(ed25519.PublicKey)

		key := SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}
		return key, nil
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		curve := elliptic.P256()
		ecPriv := &ecdsa.PrivateKey{
			D: new(big.Int).SetBytes(priv.Data),
			PublicKey: ecdsa.PublicKey{
				Curve: curve,
			},
		}
		ecPriv.X, ecPriv.Y = curve.ScalarBaseMult(priv.Data)

		h := sha256.Sum256(message)
		return ecdsa.SignASN1(rand.Reader, ecPriv, h[:])

	case Ed25519:
		priv25519 := ed25519.PrivateKey(priv.Data)
		return ed25519.Sign(priv25519, message), nil
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		curve := elliptic.P256()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}

		ecPub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		h := sha256.Sum256(message)
		return ecdsa.VerifyASN1(ecPub, h[:], signature)

	case Ed25519:
		pub25519 := ed25519.PublicKey(pub.Data)
		return ed25519.Verify(pub25519, message, signature)
	}
	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

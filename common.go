package mls

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Error kinds.  Errors raised by the protocol checks wrap exactly one of
// these sentinels, so callers can classify them with errors.Is without
// matching on message text.  Errors from the wire codec, from signing-key
// generation and from signing itself are returned without a kind.
var (
	// ErrInvalidParameter: a caller-supplied argument violated a stated
	// precondition (wrong epoch, self-update without a cached secret, an
	// Add not addressed to us).
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrProtocol: a peer's message is well-formed but contradicts the
	// protocol (unsupported suite, mismatched re-derived public key).
	ErrProtocol = errors.New("protocol error")

	// ErrCrypto: a primitive rejected an input (HPKE open failure, bad
	// signature).
	ErrCrypto = errors.New("crypto error")

	// ErrInvariant: a condition that is unreachable if the implementation
	// is correct (missing root secret, broken tree shape).
	ErrInvariant = errors.New("invariant violation")
)

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func getRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}

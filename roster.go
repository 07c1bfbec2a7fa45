package mls

import (
	"fmt"
)

// Credential roster<1..2^24-1>;
//
// The roster maps each leaf index to the credential of the member occupying
// that leaf.  Its size tracks the leaf span of the ratchet tree.  Entries are
// appended by Add; Remove overwrites the evicted member's entry with the
// remover's credential so the roster records who expelled whom.
type Roster struct {
	Credentials []Credential `tls:"head=3"`
}

func (r *Roster) Add(cred Credential) {
	r.Credentials = append(r.Credentials, cred)
}

func (r Roster) Get(index leafIndex) (Credential, error) {
	if int(index) >= len(r.Credentials) {
		return Credential{}, fmt.Errorf("mls.roster: no credential at index %d: %w", index, ErrInvalidParameter)
	}
	return r.Credentials[index], nil
}

func (r *Roster) Copy(dst, src leafIndex) error {
	size := len(r.Credentials)
	if int(dst) >= size || int(src) >= size {
		return fmt.Errorf("mls.roster: copy %d <- %d out of range: %w", dst, src, ErrInvalidParameter)
	}

	r.Credentials[dst] = r.Credentials[src]
	return nil
}

func (r Roster) Size() int {
	return len(r.Credentials)
}

func (r *Roster) Truncate(size int) {
	if size < len(r.Credentials) {
		r.Credentials = r.Credentials[:size]
	}
}

func (r Roster) Equals(o Roster) bool {
	if len(r.Credentials) != len(o.Credentials) {
		return false
	}

	for i := range r.Credentials {
		if !r.Credentials[i].Equals(o.Credentials[i]) {
			return false
		}
	}
	return true
}

func (r Roster) clone() Roster {
	creds := make([]Credential, len(r.Credentials))
	copy(creds, r.Credentials)
	return Roster{Credentials: creds}
}

package mls

import (
	"bytes"
	"fmt"
)

// Session is a convenience layer over State for callers that move handshakes
// as opaque bytes.  It keeps one state per epoch, and caches the successor
// state for each outbound handshake so that echoing our own message back
// through Handle lands on the exact state we signed.
type Session struct {
	CurrentEpoch Epoch

	states        map[Epoch]*State
	outboundData  []byte
	outboundState *State
}

// NewSession founds a one-member group.
func NewSession(groupID []byte, suite CipherSuite, identityPriv SignaturePrivateKey) (*Session, error) {
	state, err := NewEmptyState(groupID, suite, identityPriv)
	if err != nil {
		return nil, err
	}

	sess := &Session{states: map[Epoch]*State{}}
	sess.addState(state)
	return sess, nil
}

// JoinSession builds a session from serialized Welcome and Handshake
// messages addressed to this member.
func JoinSession(identityPriv SignaturePrivateKey, initSecret, welcomeData, handshakeData []byte) (*Session, error) {
	var welcome Welcome
	var handshake Handshake
	r := NewReadStream(welcomeData)
	if _, err := r.Read(&welcome); err != nil {
		return nil, fmt.Errorf("mls.session: welcome unmarshal failure %v", err)
	}
	r = NewReadStream(handshakeData)
	if _, err := r.Read(&handshake); err != nil {
		return nil, fmt.Errorf("mls.session: handshake unmarshal failure %v", err)
	}

	state, err := NewJoinedState(identityPriv, initSecret, welcome, handshake)
	if err != nil {
		return nil, err
	}

	sess := &Session{states: map[Epoch]*State{}}
	sess.addState(state)
	return sess, nil
}

// Add produces the serialized Welcome for the new member and the serialized
// Add handshake for the group.  The handshake still has to travel through
// Handle, on this session like any other.
func (s *Session) Add(uik UserInitKey) ([]byte, []byte, error) {
	welcome, handshake, err := s.Current().Add(uik)
	if err != nil {
		return nil, nil, err
	}

	w := NewWriteStream()
	if err = w.Write(welcome); err != nil {
		return nil, nil, err
	}
	welcomeData := w.Data()

	handshakeData, err := s.cacheOutbound(handshake)
	if err != nil {
		return nil, nil, err
	}

	return welcomeData, handshakeData, nil
}

func (s *Session) Update(leafSecret []byte) ([]byte, error) {
	handshake, err := s.Current().Update(leafSecret)
	if err != nil {
		return nil, err
	}
	return s.cacheOutbound(handshake)
}

func (s *Session) Remove(removed uint32) ([]byte, error) {
	handshake, err := s.Current().Remove(removed)
	if err != nil {
		return nil, err
	}
	return s.cacheOutbound(handshake)
}

// Handle applies a serialized handshake.  Our own messages must come back
// byte-identical to the copy we sent.
func (s *Session) Handle(handshakeData []byte) error {
	var handshake Handshake
	r := NewReadStream(handshakeData)
	if _, err := r.Read(&handshake); err != nil {
		return fmt.Errorf("mls.session: handshake unmarshal failure %v", err)
	}

	state := s.Current()
	if leafIndex(handshake.SignerIndex) == state.Index {
		if s.outboundData == nil {
			return fmt.Errorf("mls.session: received own message without sending one: %w", ErrInvalidParameter)
		}
		if !bytes.Equal(s.outboundData, handshakeData) {
			return fmt.Errorf("mls.session: received a different own message: %w", ErrInvalidParameter)
		}

		s.addState(s.outboundState)
		s.outboundData = nil
		s.outboundState = nil
		return nil
	}

	next, err := state.Handle(&handshake)
	if err != nil {
		return err
	}

	s.addState(next)
	return nil
}

func (s *Session) Current() *State {
	return s.states[s.CurrentEpoch]
}

func (s *Session) cacheOutbound(handshake *Handshake) ([]byte, error) {
	w := NewWriteStream()
	if err := w.Write(handshake); err != nil {
		return nil, err
	}
	data := w.Data()

	next, err := s.Current().Handle(handshake)
	if err != nil {
		return nil, err
	}

	s.outboundData = data
	s.outboundState = next
	return data, nil
}

func (s *Session) addState(state *State) {
	s.states[state.Epoch] = state
	if state.Epoch >= s.CurrentEpoch || len(s.states) == 1 {
		s.CurrentEpoch = state.Epoch
	}
}

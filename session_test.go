package mls

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	alice := newTestMember(t, 0)
	bob := newTestMember(t, 1)

	aliceSession, err := NewSession(stateGroupID, stateSuite, alice.identityPriv)
	require.Nil(t, err)
	require.Equal(t, Epoch(0), aliceSession.CurrentEpoch)

	// Add travels as bytes
	welcomeData, addData, err := aliceSession.Add(*bob.uik)
	require.Nil(t, err)

	require.Nil(t, aliceSession.Handle(addData))
	require.Equal(t, Epoch(1), aliceSession.CurrentEpoch)

	bobSession, err := JoinSession(bob.identityPriv, bob.initSecret, welcomeData, addData)
	require.Nil(t, err)
	require.Equal(t, Epoch(1), bobSession.CurrentEpoch)

	require.True(t, aliceSession.Current().Equals(*bobSession.Current()))

	// Updates from both sides
	updateData, err := aliceSession.Update(bytes.Repeat([]byte{0x01}, 32))
	require.Nil(t, err)
	require.Nil(t, aliceSession.Handle(updateData))
	require.Nil(t, bobSession.Handle(updateData))

	updateData, err = bobSession.Update(bytes.Repeat([]byte{0x02}, 32))
	require.Nil(t, err)
	require.Nil(t, bobSession.Handle(updateData))
	require.Nil(t, aliceSession.Handle(updateData))

	require.Equal(t, Epoch(3), aliceSession.CurrentEpoch)
	require.True(t, aliceSession.Current().Equals(*bobSession.Current()))
}

func TestSessionOwnMessageEcho(t *testing.T) {
	alice := newTestMember(t, 0)
	bob := newTestMember(t, 1)

	aliceSession, err := NewSession(stateGroupID, stateSuite, alice.identityPriv)
	require.Nil(t, err)

	_, addData, err := aliceSession.Add(*bob.uik)
	require.Nil(t, err)

	// A self-echo with different bytes is rejected
	mangled := dup(addData)
	mangled[len(mangled)-1] ^= 0xFF
	require.Error(t, aliceSession.Handle(mangled))

	// The faithful echo lands on the cached state
	require.Nil(t, aliceSession.Handle(addData))
	require.Equal(t, Epoch(1), aliceSession.CurrentEpoch)

	// A second echo has nothing cached to land on
	require.Error(t, aliceSession.Handle(addData))
}

func TestSessionRemove(t *testing.T) {
	members := make([]*testMember, 3)
	sessions := make([]*Session, 3)
	for i := range members {
		members[i] = newTestMember(t, i)
	}

	var err error
	sessions[0], err = NewSession(stateGroupID, stateSuite, members[0].identityPriv)
	require.Nil(t, err)

	for i := 1; i < 3; i++ {
		welcomeData, addData, err := sessions[0].Add(*members[i].uik)
		require.Nil(t, err)

		for j := 0; j < i; j++ {
			require.Nil(t, sessions[j].Handle(addData))
		}

		sessions[i], err = JoinSession(members[i].identityPriv, members[i].initSecret, welcomeData, addData)
		require.Nil(t, err)
	}

	removeData, err := sessions[0].Remove(2)
	require.Nil(t, err)
	require.Nil(t, sessions[0].Handle(removeData))
	require.Nil(t, sessions[1].Handle(removeData))

	require.True(t, sessions[0].Current().Equals(*sessions[1].Current()))
	require.False(t, sessions[0].Current().Tree.occupied(2))

	// The evicted member cannot follow
	require.Error(t, sessions[2].Handle(removeData))
}

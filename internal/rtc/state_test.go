package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerNegotiationPath(t *testing.T) {
	m := newMachine()
	require.Equal(t, StateIdle, m.current())

	for _, next := range []State{StateOfferSent, StateAnswerReceived, StateConnected} {
		_, err := m.transition(next)
		require.NoError(t, err, "transition to %s", next)
	}
	assert.Equal(t, StateConnected, m.current())
}

func TestCalleeNegotiationPath(t *testing.T) {
	m := newMachine()

	for _, next := range []State{StateOfferReceived, StateAnswerSent, StateConnected} {
		_, err := m.transition(next)
		require.NoError(t, err, "transition to %s", next)
	}
	assert.Equal(t, StateConnected, m.current())
}

func TestSecondOfferWhileAwaitingAnswerIsRejected(t *testing.T) {
	m := newMachine()
	_, err := m.transition(StateOfferSent)
	require.NoError(t, err)

	// At most one outstanding offer: the machine refuses another until an
	// answer arrives.
	_, err = m.transition(StateOfferSent)
	assert.Error(t, err)
	assert.Equal(t, StateOfferSent, m.current())
}

func TestGlareIsRejectedByTheMachine(t *testing.T) {
	m := newMachine()
	_, err := m.transition(StateOfferSent)
	require.NoError(t, err)

	_, err = m.transition(StateOfferReceived)
	assert.Error(t, err, "incoming offer during our own offer is glare")
}

func TestConnectedCanOnlyFail(t *testing.T) {
	m := newMachine()
	for _, next := range []State{StateOfferSent, StateAnswerReceived, StateConnected} {
		_, err := m.transition(next)
		require.NoError(t, err)
	}

	_, err := m.transition(StateOfferSent)
	assert.Error(t, err)

	prev, err := m.transition(StateFailed)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, prev)
}

func TestClosedIsReachableFromAnywhereAndTerminal(t *testing.T) {
	m := newMachine()
	_, err := m.transition(StateOfferSent)
	require.NoError(t, err)

	prev, err := m.transition(StateClosed)
	require.NoError(t, err)
	assert.Equal(t, StateOfferSent, prev)

	_, err = m.transition(StateOfferSent)
	assert.Error(t, err, "nothing leaves closed")
	assert.Equal(t, StateClosed, m.current())
}

func TestFailedIsTerminalExceptForClose(t *testing.T) {
	m := newMachine()
	_, err := m.transition(StateOfferSent)
	require.NoError(t, err)
	_, err = m.transition(StateFailed)
	require.NoError(t, err)

	_, err = m.transition(StateConnected)
	assert.Error(t, err)

	_, err = m.transition(StateClosed)
	assert.NoError(t, err)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "offer-sent", StateOfferSent.String())
	assert.Equal(t, "answer-received", StateAnswerReceived.String())
	assert.Equal(t, "connected", StateConnected.String())
}

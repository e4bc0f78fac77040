package rtc

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

func candidate(n int) signal.Candidate {
	mid := "0"
	frag := "ufrag"
	return signal.Candidate{
		Candidate:        fmt.Sprintf("candidate:%d 1 udp 2122260223 192.0.2.%d 54400 typ host", n, n),
		SDPMid:           &mid,
		UsernameFragment: &frag,
	}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	var applied []string
	box := newCandidateBox(func(init webrtc.ICECandidateInit) error {
		applied = append(applied, init.Candidate)
		return nil
	}, zap.NewNop())

	box.Add(candidate(1))
	box.Add(candidate(2))
	assert.Empty(t, applied, "nothing applies before the remote description")
	assert.Equal(t, 2, box.Pending())

	box.RemoteDescriptionSet()
	require.Len(t, applied, 2)
	assert.Contains(t, applied[0], "192.0.2.1")
	assert.Contains(t, applied[1], "192.0.2.2")
	assert.Equal(t, 0, box.Pending())
}

func TestCandidatesApplyImmediatelyOnceReady(t *testing.T) {
	var applied int
	box := newCandidateBox(func(webrtc.ICECandidateInit) error {
		applied++
		return nil
	}, zap.NewNop())

	box.RemoteDescriptionSet()
	box.Add(candidate(1))

	assert.Equal(t, 1, applied)
	assert.Equal(t, 0, box.Pending())
}

func TestFailedCandidateRetriesSimplifiedVariant(t *testing.T) {
	var attempts []webrtc.ICECandidateInit
	box := newCandidateBox(func(init webrtc.ICECandidateInit) error {
		attempts = append(attempts, init)
		if len(attempts) == 1 {
			return fmt.Errorf("malformed extension")
		}
		return nil
	}, zap.NewNop())

	box.RemoteDescriptionSet()
	box.Add(candidate(1))

	require.Len(t, attempts, 2)
	assert.NotNil(t, attempts[0].UsernameFragment)
	assert.Nil(t, attempts[1].UsernameFragment, "retry must use the simplified variant")
	assert.Equal(t, attempts[0].Candidate, attempts[1].Candidate)
}

func TestCandidateDroppedAfterBothAttemptsFail(t *testing.T) {
	var attempts int
	box := newCandidateBox(func(webrtc.ICECandidateInit) error {
		attempts++
		return fmt.Errorf("no agent")
	}, zap.NewNop())

	box.RemoteDescriptionSet()
	box.Add(candidate(1))
	assert.Equal(t, 2, attempts, "full then simplified, then give up")

	// The box keeps working for later candidates.
	box.Add(candidate(2))
	assert.Equal(t, 4, attempts)
}

func TestCandidateConversionRoundTrip(t *testing.T) {
	c := candidate(7)
	init := toInit(c)
	back := fromInit(init)
	assert.Equal(t, c, back)
}

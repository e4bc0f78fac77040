package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

// applyFunc applies one ICE candidate to the transport.
type applyFunc func(webrtc.ICECandidateInit) error

// candidateBox buffers remote ICE candidates that arrive before the remote
// description is set and flushes them once it is. Application failures are
// retried once with the simplified candidate variant, then the candidate is
// dropped: losing one path degrades quality but is never fatal.
type candidateBox struct {
	mu          sync.Mutex
	pending     []signal.Candidate
	remoteReady bool

	apply  applyFunc
	logger *zap.Logger
}

func newCandidateBox(apply applyFunc, logger *zap.Logger) *candidateBox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &candidateBox{apply: apply, logger: logger}
}

// Add applies the candidate immediately when a remote description exists,
// otherwise buffers it for the flush.
func (b *candidateBox) Add(c signal.Candidate) {
	b.mu.Lock()
	ready := b.remoteReady
	if !ready {
		b.pending = append(b.pending, c)
	}
	b.mu.Unlock()

	if ready {
		b.applyWithFallback(c)
	}
}

// RemoteDescriptionSet marks the transport ready and drains the buffer in
// arrival order.
func (b *candidateBox) RemoteDescriptionSet() {
	b.mu.Lock()
	b.remoteReady = true
	drained := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, c := range drained {
		b.applyWithFallback(c)
	}
}

// Pending reports how many candidates await the remote description.
func (b *candidateBox) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *candidateBox) applyWithFallback(c signal.Candidate) {
	if err := b.apply(toInit(c)); err == nil {
		return
	} else {
		b.logger.Warn("candidate apply failed, retrying simplified",
			zap.String("candidate", c.Candidate), zap.Error(err))
	}

	if err := b.apply(toInit(c.Simplified())); err != nil {
		b.logger.Warn("simplified candidate apply failed, dropping",
			zap.String("candidate", c.Candidate), zap.Error(err))
	}
}

func toInit(c signal.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(init webrtc.ICECandidateInit) signal.Candidate {
	return signal.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

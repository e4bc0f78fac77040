package media

import (
	"sync"
	"sync/atomic"
)

const (
	// localGain boosts the local (doctor) side relative to the remote
	// (patient) side to compensate for typically distant microphone
	// placement in the exam room. Deliberate asymmetry, not a bug.
	localGain  = 1.5
	remoteGain = 1.0

	// maxPendingRemote caps the remote jitter queue at ~1s of 20ms frames.
	maxPendingRemote = 50
)

// Mixer combines the local and remote audio sources through independent
// gain stages into one mono stream suitable for single-file recording.
// Cadence is driven by the local source: each local frame is mixed against
// the oldest queued remote frame, or silence when the queue is empty.
type Mixer struct {
	frameSize int
	sink      func([]int16)

	mu     sync.Mutex
	remote [][]int16

	localFrames  atomic.Uint64
	remoteFrames atomic.Uint64
}

// BuildMixedGraph wires a mixer between the shared local source and the
// remote stream. Mixing requires an active remote stream: if remote is
// nil the graph is not built and recording must not start.
func BuildMixedGraph(local *LocalSource, remote *RemoteSource, frameSize int, sink func([]int16)) (*Mixer, func(), error) {
	if remote == nil {
		return nil, nil, ErrNoRemoteStream
	}

	m := &Mixer{frameSize: frameSize, sink: sink}
	removeLocal := local.AddSink(m.PushLocal)
	remote.attach(m)

	detach := func() {
		removeLocal()
		remote.detach()
	}
	return m, detach, nil
}

// PushLocal mixes one local frame against the remote queue and emits the
// result.
func (m *Mixer) PushLocal(pcm []int16) {
	m.localFrames.Add(1)

	m.mu.Lock()
	var remote []int16
	if len(m.remote) > 0 {
		remote = m.remote[0]
		m.remote = m.remote[1:]
	}
	m.mu.Unlock()

	m.sink(MixFrames(pcm, remote, localGain, remoteGain))
}

// PushRemote queues one remote frame, dropping the oldest when the jitter
// queue is full.
func (m *Mixer) PushRemote(pcm []int16) {
	m.remoteFrames.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.remote) >= maxPendingRemote {
		m.remote = m.remote[1:]
	}
	m.remote = append(m.remote, pcm)
}

// MixFrames sums two frames with per-source gain and clipping. remote may
// be nil or short; missing samples count as silence.
func MixFrames(local, remote []int16, lg, rg float64) []int16 {
	out := make([]int16, len(local))
	for i := range local {
		sum := int32(float64(local[i]) * lg)
		if i < len(remote) {
			sum += int32(float64(remote[i]) * rg)
		}
		out[i] = clampInt32(sum)
	}
	return out
}

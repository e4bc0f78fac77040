package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/audio"
	"go.uber.org/zap"
)

// LocalSource is the single source of truth for local microphone audio.
// Both the outgoing peer track and the recording mixer consume its frames,
// so muting here silences the peer and the recording at the same instant.
type LocalSource struct {
	reader    audio.Reader
	frameSize int
	muted     atomic.Bool
	logger    *zap.Logger

	mu     sync.Mutex
	sinks  map[int]func([]int16)
	nextID int

	pending []int16
}

func newLocalSource(reader audio.Reader, frameSize int, logger *zap.Logger) *LocalSource {
	return &LocalSource{
		reader:    reader,
		frameSize: frameSize,
		logger:    logger,
		sinks:     make(map[int]func([]int16)),
	}
}

// AddSink registers a frame consumer and returns its removal function.
func (ls *LocalSource) AddSink(fn func([]int16)) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	id := ls.nextID
	ls.nextID++
	ls.sinks[id] = fn
	return func() {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		delete(ls.sinks, id)
	}
}

// SetMuted silences the source. Frames keep flowing at cadence as zeroed
// samples so downstream timing is unaffected.
func (ls *LocalSource) SetMuted(muted bool) { ls.muted.Store(muted) }

// Muted reports the gate state.
func (ls *LocalSource) Muted() bool { return ls.muted.Load() }

// run pumps microphone chunks, re-frames them to the fixed frame size and
// fans complete frames out to all sinks.
func (ls *LocalSource) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, release, err := ls.reader.Read()
		if err != nil {
			ls.logger.Warn("microphone read failed, stopping local source", zap.Error(err))
			return
		}
		pcm := toMonoInt16(chunk)
		if release != nil {
			release()
		}

		if ls.muted.Load() {
			for i := range pcm {
				pcm[i] = 0
			}
		}

		ls.pending = append(ls.pending, pcm...)
		for len(ls.pending) >= ls.frameSize {
			frame := make([]int16, ls.frameSize)
			copy(frame, ls.pending[:ls.frameSize])
			ls.pending = ls.pending[ls.frameSize:]
			ls.fanOut(frame)
		}
	}
}

func (ls *LocalSource) fanOut(frame []int16) {
	ls.mu.Lock()
	sinks := make([]func([]int16), 0, len(ls.sinks))
	for _, fn := range ls.sinks {
		sinks = append(sinks, fn)
	}
	ls.mu.Unlock()

	for _, fn := range sinks {
		fn(frame)
	}
}

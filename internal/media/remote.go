package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrameSamples covers the longest opus frame (120ms at 48kHz).
const maxOpusFrameSamples = 5760

// RemoteSource decodes the remote peer's opus audio back to PCM and feeds
// it into the recording mixer while attached.
type RemoteSource struct {
	dec    *opus.Decoder
	logger *zap.Logger

	mu    sync.Mutex
	mixer *Mixer
}

// NewRemoteSource creates a decoder for the remote audio track.
func NewRemoteSource(sampleRate, channels int, logger *zap.Logger) (*RemoteSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &RemoteSource{dec: dec, logger: logger.Named("remote-audio")}, nil
}

func (r *RemoteSource) attach(m *Mixer) {
	r.mu.Lock()
	r.mixer = m
	r.mu.Unlock()
}

func (r *RemoteSource) detach() {
	r.mu.Lock()
	r.mixer = nil
	r.mu.Unlock()
}

// Consume reads the remote track until it ends or ctx is cancelled.
// Decoded frames only reach the mixer while a recording graph is attached;
// otherwise they are discarded (live playout is the transport's job).
func (r *RemoteSource) Consume(ctx context.Context, track *webrtc.TrackRemote) error {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return fmt.Errorf("remote source requires an audio track, got %s", track.Kind())
	}
	if !strings.Contains(strings.ToLower(track.Codec().MimeType), "opus") {
		return fmt.Errorf("unsupported remote audio codec %s", track.Codec().MimeType)
	}

	pcm := make([]int16, maxOpusFrameSamples)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("remote track read failed: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := r.dec.Decode(pkt.Payload, pcm)
		if err != nil {
			r.logger.Warn("opus decode failed, skipping packet", zap.Error(err))
			continue
		}

		r.mu.Lock()
		mixer := r.mixer
		r.mu.Unlock()
		if mixer == nil {
			continue
		}

		frame := make([]int16, n)
		copy(frame, pcm[:n])
		mixer.PushRemote(frame)
	}
}

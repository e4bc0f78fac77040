package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	mdopus "github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"

	"github.com/caredesk/telemed/internal/config"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

const frameDuration = 20 * time.Millisecond

// Capture owns the local microphone and camera for the lifetime of a call.
//
// Video goes out pre-encoded by mediadevices. Audio takes a different route:
// the raw PCM is pulled off the microphone track into a LocalSource, which
// gates it for mute and fans it out to both the opus sender pump and the
// recording mixer. One gate, so the peer and the recording always hear the
// same thing.
type Capture struct {
	cfg       config.RecordingConfig
	logger    *zap.Logger
	selector  *mediadevices.CodecSelector
	stream    mediadevices.MediaStream
	local     *LocalSource
	frameSize int

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack mediadevices.Track

	enc    *opus.Encoder
	encBuf []byte

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	removeSink func()
}

// AcquireLocalMedia opens the default microphone and camera. Failures come
// back wrapped in *MediaAccessError so callers can tell a device problem
// apart from everything downstream.
func AcquireLocalMedia(cfg config.RecordingConfig, logger *zap.Logger) (*Capture, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("capture")

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 100_000
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := mdopus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create opus params: %w", err)
	}
	opusParams.BitRate = cfg.OpusBitrate
	opusParams.Latency = mdopus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(cfg.SampleRate)
			c.ChannelCount = prop.Int(cfg.ChannelCount)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(time.Millisecond * 50)
		},
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(15)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, &MediaAccessError{Err: fmt.Errorf("failed to get user media: %w", err)}
	}

	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		closeStream(stream)
		return nil, &MediaAccessError{Err: fmt.Errorf("no audio track available")}
	}
	micTrack, ok := audioTracks[0].(*mediadevices.AudioTrack)
	if !ok {
		closeStream(stream)
		return nil, &MediaAccessError{Err: fmt.Errorf("unexpected audio track type %T", audioTracks[0])}
	}

	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		closeStream(stream)
		return nil, &MediaAccessError{Err: fmt.Errorf("no video track available")}
	}

	// 20ms frames keep the opus encoder and the mixer on the same cadence.
	frameSize := cfg.SampleRate * int(frameDuration/time.Millisecond) / 1000

	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.ChannelCount, opus.AppVoIP)
	if err != nil {
		closeStream(stream)
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.OpusBitrate); err != nil {
		closeStream(stream)
		return nil, fmt.Errorf("failed to set opus bitrate: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: uint32(cfg.SampleRate),
		Channels:  uint16(cfg.ChannelCount),
	}, "audio", "caredesk-local")
	if err != nil {
		closeStream(stream)
		return nil, fmt.Errorf("failed to create local audio track: %w", err)
	}

	c := &Capture{
		cfg:        cfg,
		logger:     logger,
		selector:   selector,
		stream:     stream,
		local:      newLocalSource(micTrack.NewReader(false), frameSize, logger),
		frameSize:  frameSize,
		audioTrack: audioTrack,
		videoTrack: videoTracks[0],
		enc:        enc,
		encBuf:     make([]byte, 4096),
	}
	logger.Info("local media acquired",
		zap.Int("sampleRate", cfg.SampleRate),
		zap.Int("channels", cfg.ChannelCount),
		zap.Int("frameSize", frameSize))
	return c, nil
}

// PopulateMediaEngine registers the selector's negotiated codecs so the
// peer connection offers what the camera actually produces.
func (c *Capture) PopulateMediaEngine(engine *webrtc.MediaEngine) {
	c.selector.Populate(engine)
}

// Start begins pumping microphone PCM into the outgoing opus track. It must
// be called once; the pump stops when ctx is cancelled.
func (c *Capture) Start(ctx context.Context) {
	c.mu.Lock()
	if c.removeSink == nil {
		c.removeSink = c.local.AddSink(c.encodeAndSend)
	}
	c.mu.Unlock()
	go c.local.run(ctx)
}

func (c *Capture) encodeAndSend(pcm []int16) {
	n, err := c.enc.Encode(pcm, c.encBuf)
	if err != nil {
		c.logger.Warn("opus encode failed, dropping frame", zap.Error(err))
		return
	}
	data := make([]byte, n)
	copy(data, c.encBuf[:n])
	if err := c.audioTrack.WriteSample(pionmedia.Sample{Data: data, Duration: frameDuration}); err != nil {
		c.logger.Warn("failed to write audio sample", zap.Error(err))
	}
}

// AttachAudio adds the outgoing opus track to pc as sendrecv.
func (c *Capture) AttachAudio(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	transceiver, err := pc.AddTransceiverFromTrack(c.audioTrack, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}
	return transceiver.Sender(), nil
}

// AttachVideo adds the camera track to pc as sendrecv.
func (c *Capture) AttachVideo(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	transceiver, err := pc.AddTransceiverFromTrack(c.videoTrack, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}
	return transceiver.Sender(), nil
}

// BindSenders remembers the RTP senders so video mute can swap tracks later.
func (c *Capture) BindSenders(audio, video *webrtc.RTPSender) {
	c.mu.Lock()
	c.audioSender = audio
	c.videoSender = video
	c.mu.Unlock()
}

// SetAudioMuted gates the PCM source. The encoder keeps running on silence,
// so no renegotiation and no track swap is needed.
func (c *Capture) SetAudioMuted(muted bool) {
	c.local.SetMuted(muted)
}

// SetVideoMuted swaps the outgoing video track for nil and back. ReplaceTrack
// on the same codec never renegotiates.
func (c *Capture) SetVideoMuted(muted bool) error {
	c.mu.Lock()
	sender := c.videoSender
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("video sender not bound")
	}
	if muted {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(c.videoTrack)
}

// LocalSource exposes the gated PCM source for the recording mixer.
func (c *Capture) LocalSource() *LocalSource { return c.local }

// FrameSize is the number of samples per 20ms mixing frame.
func (c *Capture) FrameSize() int { return c.frameSize }

// Close releases the camera and microphone.
func (c *Capture) Close() {
	c.mu.Lock()
	if c.removeSink != nil {
		c.removeSink()
		c.removeSink = nil
	}
	c.mu.Unlock()
	closeStream(c.stream)
}

func closeStream(stream mediadevices.MediaStream) {
	for _, track := range stream.GetTracks() {
		track.Close()
	}
}

package recording

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"github.com/caredesk/telemed/internal/config"
)

// FrameWriter consumes fixed-cadence mono PCM frames and serializes them
// into some container format. Close finalizes the container; no frames may
// be written afterwards.
type FrameWriter interface {
	WriteFrame(pcm []int16, pts time.Duration) error
	Close() error
}

// Encoding is one candidate recording format. Formats are probed in
// preference order and the first one that can actually construct a writer
// wins, so a missing codec downgrades the recording instead of failing it.
type Encoding struct {
	MimeType  string
	NewWriter func(w io.Writer, cfg config.RecordingConfig) (FrameWriter, error)
}

// Encodings lists the supported formats, most preferred first.
func Encodings() []Encoding {
	return []Encoding{
		{MimeType: "audio/webm;codecs=opus", NewWriter: newWebmWriter},
		{MimeType: "audio/ogg;codecs=opus", NewWriter: newOggWriter},
		{MimeType: "audio/wav", NewWriter: newWavWriter},
	}
}

// ProbeEncoding returns the first encoding whose writer can be constructed
// with the given settings.
func ProbeEncoding(cfg config.RecordingConfig) (Encoding, error) {
	for _, enc := range Encodings() {
		fw, err := enc.NewWriter(io.Discard, cfg)
		if err != nil {
			continue
		}
		fw.Close()
		return enc, nil
	}
	return Encoding{}, fmt.Errorf("no usable recording encoding")
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// webmWriter packs opus frames into a single-track WebM stream.
type webmWriter struct {
	enc    *opus.Encoder
	block  webm.BlockWriteCloser
	encBuf []byte
}

func newWebmWriter(w io.Writer, cfg config.RecordingConfig) (FrameWriter, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.ChannelCount, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.OpusBitrate); err != nil {
		return nil, fmt.Errorf("failed to set opus bitrate: %w", err)
	}

	blocks, err := webm.NewSimpleBlockWriter(nopWriteCloser{w},
		[]webm.TrackEntry{
			{
				Name:        "Audio",
				TrackNumber: 1,
				TrackUID:    67890,
				CodecID:     "A_OPUS",
				TrackType:   2,
				Audio: &webm.Audio{
					SamplingFrequency: float64(cfg.SampleRate),
					Channels:          uint64(cfg.ChannelCount),
				},
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebM writer: %w", err)
	}

	return &webmWriter{enc: enc, block: blocks[0], encBuf: make([]byte, 4096)}, nil
}

func (w *webmWriter) WriteFrame(pcm []int16, pts time.Duration) error {
	n, err := w.enc.Encode(pcm, w.encBuf)
	if err != nil {
		return fmt.Errorf("opus encode failed: %w", err)
	}
	if _, err := w.block.Write(true, int64(pts/time.Millisecond), w.encBuf[:n]); err != nil {
		return fmt.Errorf("failed to write WebM block: %w", err)
	}
	return nil
}

func (w *webmWriter) Close() error {
	return w.block.Close()
}

// oggWriter wraps opus frames in Ogg pages via pion's oggwriter, which
// expects RTP-shaped input.
type oggWriter struct {
	enc        *opus.Encoder
	ogg        *oggwriter.OggWriter
	encBuf     []byte
	sampleRate int
	seq        uint16
}

func newOggWriter(w io.Writer, cfg config.RecordingConfig) (FrameWriter, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.ChannelCount, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.OpusBitrate); err != nil {
		return nil, fmt.Errorf("failed to set opus bitrate: %w", err)
	}

	ogg, err := oggwriter.NewWith(w, uint32(cfg.SampleRate), uint16(cfg.ChannelCount))
	if err != nil {
		return nil, fmt.Errorf("failed to create Ogg writer: %w", err)
	}

	return &oggWriter{enc: enc, ogg: ogg, encBuf: make([]byte, 4096), sampleRate: cfg.SampleRate}, nil
}

func (w *oggWriter) WriteFrame(pcm []int16, pts time.Duration) error {
	n, err := w.enc.Encode(pcm, w.encBuf)
	if err != nil {
		return fmt.Errorf("opus encode failed: %w", err)
	}

	payload := make([]byte, n)
	copy(payload, w.encBuf[:n])
	w.seq++
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: w.seq,
			Timestamp:      uint32(pts.Seconds() * float64(w.sampleRate)),
		},
		Payload: payload,
	}
	if err := w.ogg.WriteRTP(pkt); err != nil {
		return fmt.Errorf("failed to write Ogg page: %w", err)
	}
	return nil
}

func (w *oggWriter) Close() error {
	return w.ogg.Close()
}

// wavWriter streams raw PCM behind a WAV header with unknown length, the
// usual trick for non-seekable outputs. Last-resort format: no compression.
type wavWriter struct {
	w          io.Writer
	sampleRate int
	channels   int
	started    bool
}

func newWavWriter(w io.Writer, cfg config.RecordingConfig) (FrameWriter, error) {
	return &wavWriter{w: w, sampleRate: cfg.SampleRate, channels: cfg.ChannelCount}, nil
}

func (w *wavWriter) WriteFrame(pcm []int16, _ time.Duration) error {
	if !w.started {
		if err := w.writeHeader(); err != nil {
			return err
		}
		w.started = true
	}
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write PCM: %w", err)
	}
	return nil
}

func (w *wavWriter) writeHeader() error {
	byteRate := w.sampleRate * w.channels * 2
	header := make([]byte, 44)
	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], 0xFFFFFFFF)
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], uint16(w.channels))
	binary.LittleEndian.PutUint32(header[24:], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:], uint16(w.channels*2))
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], 0xFFFFFFFF)
	if _, err := w.w.Write(header); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

func (w *wavWriter) Close() error { return nil }

package recording

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/config"
)

// rawWriter serializes PCM as little-endian samples with no container
// framing, which keeps byte counts predictable in tests.
type rawWriter struct {
	w      io.Writer
	closed bool
}

func (r *rawWriter) WriteFrame(pcm []int16, _ time.Duration) error {
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	_, err := r.w.Write(buf)
	return err
}

func (r *rawWriter) Close() error {
	r.closed = true
	return nil
}

func rawEncoding(fw **rawWriter) Encoding {
	return Encoding{
		MimeType: "audio/raw",
		NewWriter: func(w io.Writer, _ config.RecordingConfig) (FrameWriter, error) {
			rw := &rawWriter{w: w}
			if fw != nil {
				*fw = rw
			}
			return rw, nil
		},
	}
}

func testRecordingConfig() config.RecordingConfig {
	return config.RecordingConfig{
		ChunkInterval: time.Second,
		FlushInterval: 5 * time.Second,
		SampleRate:    48000,
		ChannelCount:  1,
		OpusBitrate:   32_000,
	}
}

func newTestController(t *testing.T, fw **rawWriter) *Controller {
	t.Helper()
	c, err := newControllerWith(rawEncoding(fw), testRecordingConfig(), "room-1", zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestStopIncludesFramesPushedAtTheEnd(t *testing.T) {
	var fw *rawWriter
	c := newTestController(t, &fw)
	c.Start(context.Background())

	frame := make([]int16, 960)
	for i := 0; i < 10; i++ {
		c.PushFrame(frame)
	}

	// Stop without any chunk tick having fired: everything written so far
	// only exists in the unsealed buffer and must survive the final flush.
	blob, err := c.Stop(context.Background())
	require.NoError(t, err)

	assert.True(t, fw.closed, "container must be finalized before concatenation")
	assert.Len(t, blob.Data, 10*960*2)
	assert.Equal(t, "audio/raw", blob.MimeType)
	assert.Equal(t, "room-1", blob.RoomID)
	assert.Equal(t, StatusStopped, c.Status())
}

func TestElapsedTracksSamplesNotWallClock(t *testing.T) {
	c := newTestController(t, nil)
	c.Start(context.Background())

	// 50 frames of 20ms = 1s of audio, pushed as fast as the queue allows.
	frame := make([]int16, 960)
	for i := 0; i < 50; i++ {
		c.PushFrame(frame)
	}

	_, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.Elapsed())
}

func TestFlushSealsBufferedBytesIntoAChunk(t *testing.T) {
	c := newTestController(t, nil)
	c.Start(context.Background())

	c.PushFrame(make([]int16, 960))

	// Give the loop a moment to drain the frame queue before flushing.
	require.Eventually(t, func() bool { return c.BytesBuffered() > 0 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 1, c.ChunkCount())

	_, err := c.Stop(context.Background())
	require.NoError(t, err)
}

func TestChunksConcatenateInOrder(t *testing.T) {
	var fw *rawWriter
	c := newTestController(t, &fw)
	c.Start(context.Background())

	for i := 0; i < 3; i++ {
		frame := make([]int16, 4)
		for j := range frame {
			frame[j] = int16(i + 1)
		}
		c.PushFrame(frame)
		require.Eventually(t, func() bool { return c.BytesBuffered() > 0 },
			time.Second, 5*time.Millisecond)
		require.NoError(t, c.Flush(context.Background()))
		require.Eventually(t, func() bool { return c.ChunkCount() == i+1 },
			time.Second, 5*time.Millisecond)
	}

	blob, err := c.Stop(context.Background())
	require.NoError(t, err)

	require.Len(t, blob.Data, 3*4*2)
	for i := 0; i < 3; i++ {
		sample := int16(binary.LittleEndian.Uint16(blob.Data[i*8:]))
		assert.Equal(t, int16(i+1), sample, "chunk %d out of order", i)
	}
}

func TestPushFrameAfterStopIsDropped(t *testing.T) {
	c := newTestController(t, nil)
	c.Start(context.Background())

	_, err := c.Stop(context.Background())
	require.NoError(t, err)

	before := c.BytesBuffered()
	c.PushFrame(make([]int16, 960))
	assert.Equal(t, before, c.BytesBuffered())
}

func TestStopIsIdempotent(t *testing.T) {
	c := newTestController(t, nil)
	c.Start(context.Background())
	c.PushFrame(make([]int16, 960))

	first, err := c.Stop(context.Background())
	require.NoError(t, err)
	second, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}

func TestStatusAdvancesThroughPipeline(t *testing.T) {
	c := newTestController(t, nil)
	assert.Equal(t, StatusRecording, c.Status())

	c.Start(context.Background())
	_, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, c.Status())

	c.SetStatus(StatusUploading)
	assert.Equal(t, StatusUploading, c.Status())
	c.SetStatus(StatusNoted)
	assert.Equal(t, StatusNoted, c.Status())
}

func TestWavWriterEmitsHeaderOnce(t *testing.T) {
	cw := &chunkWriter{}
	fw, err := newWavWriter(cw, testRecordingConfig())
	require.NoError(t, err)

	require.NoError(t, fw.WriteFrame(make([]int16, 4), 0))
	require.NoError(t, fw.WriteFrame(make([]int16, 4), 0))
	require.NoError(t, fw.Close())
	cw.seal()

	data := cw.concat()
	require.Len(t, data, 44+16)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}

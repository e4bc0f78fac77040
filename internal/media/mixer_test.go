package media

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMixFramesBoostsLocalSide(t *testing.T) {
	local := []int16{1000, 1000, 1000}
	remote := []int16{1000, 1000, 1000}

	out := MixFrames(local, remote, localGain, remoteGain)

	require.Len(t, out, 3)
	for _, s := range out {
		assert.Equal(t, int16(2500), s, "local should carry 1.5x weight against remote 1.0x")
	}
}

func TestMixFramesTreatsMissingRemoteAsSilence(t *testing.T) {
	local := []int16{800, -800, 0}

	out := MixFrames(local, nil, localGain, remoteGain)

	assert.Equal(t, []int16{1200, -1200, 0}, out)

	// A short remote frame only contributes where it has samples.
	out = MixFrames(local, []int16{100}, localGain, remoteGain)
	assert.Equal(t, []int16{1300, -1200, 0}, out)
}

func TestMixFramesClampsInsteadOfWrapping(t *testing.T) {
	out := MixFrames([]int16{30000, -30000}, []int16{30000, -30000}, localGain, remoteGain)

	assert.Equal(t, int16(32767), out[0])
	assert.Equal(t, int16(-32768), out[1])
}

func TestBuildMixedGraphRequiresRemoteStream(t *testing.T) {
	local := newLocalSource(nil, 960, testLogger())

	_, _, err := BuildMixedGraph(local, nil, 960, func([]int16) {})

	assert.ErrorIs(t, err, ErrNoRemoteStream)
}

func TestMixerPairsLocalAgainstQueuedRemote(t *testing.T) {
	local := newLocalSource(nil, 4, testLogger())
	remote, err := NewRemoteSource(48000, 1, testLogger())
	require.NoError(t, err)

	var mixed [][]int16
	m, detach, err := BuildMixedGraph(local, remote, 4, func(frame []int16) {
		mixed = append(mixed, frame)
	})
	require.NoError(t, err)
	defer detach()

	m.PushRemote([]int16{200, 200, 200, 200})
	m.PushLocal([]int16{100, 100, 100, 100})
	// Queue now drained: the next local frame mixes against silence.
	m.PushLocal([]int16{100, 100, 100, 100})

	require.Len(t, mixed, 2)
	assert.Equal(t, []int16{350, 350, 350, 350}, mixed[0])
	assert.Equal(t, []int16{150, 150, 150, 150}, mixed[1])
}

func TestMixerDropsOldestWhenRemoteQueueFull(t *testing.T) {
	m := &Mixer{frameSize: 1, sink: func([]int16) {}}

	for i := 0; i < maxPendingRemote+3; i++ {
		m.PushRemote([]int16{int16(i)})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.remote, maxPendingRemote)
	assert.Equal(t, int16(3), m.remote[0][0], "oldest frames should have been dropped")
}

func TestLocalSourceMuteZeroesEverySink(t *testing.T) {
	chunks := []wave.Audio{
		&wave.Int16Interleaved{
			Size: wave.ChunkInfo{Len: 4, Channels: 1, SamplingRate: 48000},
			Data: []int16{500, 500, 500, 500},
		},
	}
	i := 0
	reader := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		if i >= len(chunks) {
			return nil, nil, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil, nil
	})

	ls := newLocalSource(reader, 4, testLogger())
	ls.SetMuted(true)

	var frames [][]int16
	ls.AddSink(func(frame []int16) { frames = append(frames, frame) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ls.run(ctx)

	require.Len(t, frames, 1)
	assert.Equal(t, []int16{0, 0, 0, 0}, frames[0])
}

func TestLocalSourceReframesToFixedSize(t *testing.T) {
	chunks := [][]int16{
		{1, 2, 3, 4, 5, 6},
		{7, 8},
	}
	i := 0
	reader := audio.ReaderFunc(func() (wave.Audio, func(), error) {
		if i >= len(chunks) {
			return nil, nil, io.EOF
		}
		data := chunks[i]
		i++
		return &wave.Int16Interleaved{
			Size: wave.ChunkInfo{Len: len(data), Channels: 1, SamplingRate: 48000},
			Data: data,
		}, nil, nil
	})

	ls := newLocalSource(reader, 4, testLogger())
	var frames [][]int16
	ls.AddSink(func(frame []int16) { frames = append(frames, frame) })

	ls.run(context.Background())

	require.Len(t, frames, 2)
	assert.Equal(t, []int16{1, 2, 3, 4}, frames[0])
	assert.Equal(t, []int16{5, 6, 7, 8}, frames[1])
}

func TestRemovedSinkStopsReceivingFrames(t *testing.T) {
	ls := newLocalSource(nil, 2, testLogger())

	var got int
	remove := ls.AddSink(func([]int16) { got++ })

	ls.fanOut([]int16{1, 2})
	remove()
	ls.fanOut([]int16{3, 4})

	assert.Equal(t, 1, got)
}

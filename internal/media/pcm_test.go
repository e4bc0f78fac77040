package media

import (
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/assert"

	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func TestToMonoInt16DownmixesStereo(t *testing.T) {
	chunk := &wave.Int16Interleaved{
		Size: wave.ChunkInfo{Len: 2, Channels: 2, SamplingRate: 48000},
		Data: []int16{100, 300, -200, -400},
	}

	assert.Equal(t, []int16{200, -300}, toMonoInt16(chunk))
}

func TestToMonoInt16ConvertsFloat(t *testing.T) {
	chunk := &wave.Float32Interleaved{
		Size: wave.ChunkInfo{Len: 2, Channels: 1, SamplingRate: 48000},
		Data: []float32{0.5, -1.5},
	}

	out := toMonoInt16(chunk)
	assert.Equal(t, int16(16383), out[0])
	assert.Equal(t, int16(-32768), out[1], "out of range floats clamp")
}

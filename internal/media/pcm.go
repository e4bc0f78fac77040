package media

import (
	"github.com/pion/mediadevices/pkg/wave"
)

// toMonoInt16 flattens a captured audio chunk to mono 16-bit PCM. Stereo
// input is downmixed by channel averaging.
func toMonoInt16(chunk wave.Audio) []int16 {
	info := chunk.ChunkInfo()
	out := make([]int16, info.Len)

	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		if info.Channels == 1 {
			copy(out, a.Data)
			return out
		}
		for i := 0; i < info.Len; i++ {
			var sum int32
			for ch := 0; ch < info.Channels; ch++ {
				sum += int32(a.Data[i*info.Channels+ch])
			}
			out[i] = int16(sum / int32(info.Channels))
		}

	case *wave.Int16NonInterleaved:
		for i := 0; i < info.Len; i++ {
			var sum int32
			for ch := 0; ch < info.Channels; ch++ {
				sum += int32(a.Data[ch][i])
			}
			out[i] = int16(sum / int32(info.Channels))
		}

	case *wave.Float32Interleaved:
		for i := 0; i < info.Len; i++ {
			var sum float32
			for ch := 0; ch < info.Channels; ch++ {
				sum += a.Data[i*info.Channels+ch]
			}
			out[i] = clampFloat(sum / float32(info.Channels))
		}

	default:
		// Unknown sample format: emit silence rather than garbage.
	}
	return out
}

func clampFloat(v float32) int16 {
	scaled := v * 32767
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(scaled)
}

func clampInt32(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

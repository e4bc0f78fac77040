package recording

import (
	"bytes"
	"sync"
)

// chunkWriter accumulates container bytes and lets the controller seal the
// accumulated run into a chunk. Chunks are contiguous byte ranges of one
// container stream, so only their in-order concatenation is a valid file.
type chunkWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	chunks [][]byte
	total  int64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total += int64(len(p))
	return w.buf.Write(p)
}

// seal cuts everything buffered since the last seal into a new chunk.
// Empty intervals produce no chunk.
func (w *chunkWriter) seal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	chunk := make([]byte, w.buf.Len())
	copy(chunk, w.buf.Bytes())
	w.buf.Reset()
	w.chunks = append(w.chunks, chunk)
}

// concat joins all sealed chunks in arrival order. Callers must seal first;
// any bytes still buffered are not included.
func (w *chunkWriter) concat() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []byte
	for _, c := range w.chunks {
		out = append(out, c...)
	}
	return out
}

func (w *chunkWriter) chunkCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks)
}

func (w *chunkWriter) bytesTotal() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

func (w *chunkWriter) bytesBuffered() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.buf.Len())
}

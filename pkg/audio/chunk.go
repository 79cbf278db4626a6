package audio

import "time"

// Chunker slices an incoming sample stream into fixed-duration chunks for
// the VAD. Incoming frame sizes are arbitrary; the chunker buffers the
// remainder between pushes. Not safe for concurrent use.
type Chunker struct {
	chunkSamples int
	buf          []float32
}

// NewChunker returns a chunker emitting chunks of the given duration at the
// given sample rate. A 100 ms chunk at 16 kHz is 1600 samples.
func NewChunker(sampleRate int, chunk time.Duration) *Chunker {
	n := SampleCount(chunk, sampleRate)
	if n < 1 {
		n = 1
	}
	return &Chunker{chunkSamples: n}
}

// ChunkSamples returns the emitted chunk length in samples.
func (c *Chunker) ChunkSamples() int {
	return c.chunkSamples
}

// Push appends samples and returns every complete chunk now available. Each
// returned chunk is exactly ChunkSamples long and independently allocated.
func (c *Chunker) Push(samples []float32) [][]float32 {
	c.buf = append(c.buf, samples...)

	var chunks [][]float32
	for len(c.buf) >= c.chunkSamples {
		chunk := make([]float32, c.chunkSamples)
		copy(chunk, c.buf[:c.chunkSamples])
		chunks = append(chunks, chunk)
		c.buf = c.buf[c.chunkSamples:]
	}
	return chunks
}

// Flush returns any buffered remainder (shorter than one chunk) and resets
// the buffer. Returns nil when nothing is buffered.
func (c *Chunker) Flush() []float32 {
	if len(c.buf) == 0 {
		return nil
	}
	out := make([]float32, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}

// Buffered returns the number of samples waiting for the next chunk
// boundary.
func (c *Chunker) Buffered() int {
	return len(c.buf)
}

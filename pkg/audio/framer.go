package audio

// Framer slices a stream of samples into fixed-size frames.
type Framer struct {
	size int
	buf  []float32
}

// NewFramer creates a framer emitting frames of size samples.
func NewFramer(size int) *Framer {
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

// Push appends samples and returns every frame completed by them.
func (f *Framer) Push(samples []float32) [][]float32 {
	var frames [][]float32
	for len(samples) > 0 {
		n := f.size - len(f.buf)
		if n > len(samples) {
			n = len(samples)
		}
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]

		if len(f.buf) == f.size {
			frames = append(frames, f.buf)
			f.buf = make([]float32, 0, f.size)
		}
	}
	return frames
}

// Flush returns the partial frame, if any, and empties the framer.
func (f *Framer) Flush() []float32 {
	if len(f.buf) == 0 {
		return nil
	}
	out := f.buf
	f.buf = make([]float32, 0, f.size)
	return out
}

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }

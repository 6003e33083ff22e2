// Package audio holds the sample-level helpers of the transcription pipeline.
package audio

import "math"

// Resampler converts a continuous mono stream between two sample rates using
// linear interpolation. It carries the fractional read position and the last
// input sample across calls, so splitting the stream into buffers of any size
// yields the same output as processing it in one piece.
type Resampler struct {
	inRate  int
	outRate int
	step    float64

	pos     float64 // read position relative to the start of the next buffer
	prev    float32 // last sample of the previous buffer, index -1
	hasPrev bool
}

// NewResampler creates a resampler from inRate to outRate (both in Hz).
func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    float64(inRate) / float64(outRate),
	}
}

// InRate returns the input sample rate.
func (r *Resampler) InRate() int { return r.inRate }

// OutRate returns the output sample rate.
func (r *Resampler) OutRate() int { return r.outRate }

// Process resamples in and returns the output produced so far.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	at := func(i int) float32 {
		if i < 0 {
			return r.prev
		}
		return in[i]
	}

	pos := r.pos
	if !r.hasPrev && pos < 0 {
		pos = 0
	}

	n := len(in)
	out := make([]float32, 0, int(float64(n)/r.step)+1)
	// a sample is emitted once its right neighbour is known; the final
	// position of a buffer is produced from the carried sample next time
	for {
		i := int(math.Floor(pos))
		if i+1 > n-1 {
			break
		}
		a, b := at(i), at(i+1)
		out = append(out, a+(b-a)*float32(pos-float64(i)))
		pos += r.step
	}

	r.pos = pos - float64(len(in))
	r.prev = in[len(in)-1]
	r.hasPrev = true
	return out
}

// Reset drops the carried state.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.hasPrev = false
}

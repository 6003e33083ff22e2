package audio

import "encoding/binary"

// FloatToPCM16 encodes samples in [-1, 1] as signed 16-bit little-endian PCM.
// Out-of-range samples are clipped.
func FloatToPCM16(samples []float32) []byte {
	return EncodePCM16(make([]byte, len(samples)*2), samples)
}

// EncodePCM16 is FloatToPCM16 writing into buf, which must hold
// 2*len(samples) bytes. It returns the filled prefix of buf.
func EncodePCM16(buf []byte, samples []float32) []byte {
	buf = buf[:len(samples)*2]
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// PCM16ToFloat decodes signed 16-bit little-endian PCM into [-1, 1) samples.
// A trailing odd byte is ignored.
func PCM16ToFloat(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Downmix averages interleaved frames of the given channel count into mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[f*channels+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}

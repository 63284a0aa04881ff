package audio

import "math"

// Stats summarizes a PCM16LE chunk, used to diagnose silent client captures.
type Stats struct {
	Samples int
	MaxAbs  int
	RMS     float64
	RMSDb   float64 // dB relative to full scale (32767)
}

// ComputeStats decodes LINEAR16 little-endian samples and reports amplitude
// statistics. Chunks shorter than one sample yield the silent baseline.
func ComputeStats(pcm []byte) Stats {
	numSamples := len(pcm) / BytesPerSample
	if numSamples == 0 {
		return Stats{RMSDb: -100.0}
	}

	maxAbs := 0
	sumSq := 0.0
	for i := 0; i < numSamples; i++ {
		s := int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		if s < 0 {
			s = -s
		}
		if s > maxAbs {
			maxAbs = s
		}
		sumSq += float64(s) * float64(s)
	}

	rms := math.Sqrt(sumSq / float64(numSamples))
	rmsDb := -100.0
	if rms > 0 {
		rmsDb = 20 * math.Log10(rms/32767.0)
	}

	return Stats{
		Samples: numSamples,
		MaxAbs:  maxAbs,
		RMS:     rms,
		RMSDb:   rmsDb,
	}
}

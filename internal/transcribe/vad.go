package transcribe

// DefaultVADThreshold is the mean-square energy floor, on normalized
// samples, above which a window counts as speech. Roughly -40 dBFS.
const DefaultVADThreshold = 1e-4

// EnergyVAD classifies fixed-size sample windows as speech or silence by
// mean-square energy. It carries no state between windows.
type EnergyVAD struct {
	Threshold float64
}

// IsSpeech reports whether the window's normalized energy exceeds the
// threshold. Empty windows are silence.
func (v EnergyVAD) IsSpeech(samples []int16) bool {
	if len(samples) == 0 {
		return false
	}
	threshold := v.Threshold
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return sum/float64(len(samples)) > threshold
}

package recording

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/eleven-am/callstream/internal/media"
)

// Recorder accumulates a call's decoded audio and renders one WAV file
// with one track per negotiated channel. It is independent of
// transcription: a dead engine never loses the recording.
type Recorder struct {
	spec media.Spec

	mu     sync.Mutex
	tracks map[media.Channel][]int16
}

func NewRecorder(spec media.Spec) *Recorder {
	tracks := make(map[media.Channel][]int16, len(spec.Channels))
	for _, ch := range spec.Channels {
		tracks[ch] = nil
	}
	return &Recorder{spec: spec, tracks: tracks}
}

// Write appends one frame to its channel's track. Frames for channels
// outside the negotiated set are dropped.
func (r *Recorder) Write(f media.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracks[f.Channel]; !ok {
		return
	}
	r.tracks[f.Channel] = append(r.tracks[f.Channel], f.Samples...)
}

// Duration is the length of the longest track.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.longestLocked()) * time.Second / time.Duration(r.spec.Rate)
}

func (r *Recorder) longestLocked() int {
	max := 0
	for _, track := range r.tracks {
		if len(track) > max {
			max = len(track)
		}
	}
	return max
}

// WAV renders the accumulated audio as a 16-bit PCM RIFF file. Shorter
// tracks are padded with silence so channels stay aligned.
func (r *Recorder) WAV() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := r.spec.Channels
	length := r.longestLocked()
	dataLen := length * len(channels) * 2

	var w bytes.Buffer
	w.Grow(44 + dataLen)
	w.WriteString("RIFF")
	binary.Write(&w, binary.LittleEndian, uint32(36+dataLen))
	w.WriteString("WAVE")
	w.WriteString("fmt ")
	binary.Write(&w, binary.LittleEndian, uint32(16))
	binary.Write(&w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&w, binary.LittleEndian, uint16(len(channels)))
	binary.Write(&w, binary.LittleEndian, uint32(r.spec.Rate))
	binary.Write(&w, binary.LittleEndian, uint32(r.spec.Rate*len(channels)*2))
	binary.Write(&w, binary.LittleEndian, uint16(len(channels)*2))
	binary.Write(&w, binary.LittleEndian, uint16(16))
	w.WriteString("data")
	binary.Write(&w, binary.LittleEndian, uint32(dataLen))

	for i := 0; i < length; i++ {
		for _, ch := range channels {
			var s int16
			if track := r.tracks[ch]; i < len(track) {
				s = track[i]
			}
			binary.Write(&w, binary.LittleEndian, uint16(s))
		}
	}
	return w.Bytes()
}

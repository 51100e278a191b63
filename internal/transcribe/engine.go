package transcribe

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/eleven-am/callstream/internal/media"
)

// Role of a channel's speaker within the call.
const (
	RoleCaller = "CALLER"
	RoleAgent  = "AGENT"
)

// Result is one normalized transcription output unit. Engines produce
// results with engine-relative channel tags and stream-relative times;
// the dispatcher maps channels to roles and re-bases timestamps onto the
// call timeline.
type Result struct {
	Channel   media.Channel
	Role      string
	SegmentID string
	IsPartial bool
	Start     time.Duration
	End       time.Duration
	Text      string
	Sentiment string
	Category  string
}

// Config carries everything an engine needs before the first audio frame.
type Config struct {
	CallID       string
	Spec         media.Spec
	Language     string
	ChannelRoles map[media.Channel]string
	// ArtifactURI is the optional post-call artifact destination for
	// engines that produce one.
	ArtifactURI string
}

// Engine is one transcription backend bound to a single call. Start is
// called once before the first Feed; Drain flushes buffered audio and
// lets in-flight results surface; Stop releases the backend and closes
// Results.
type Engine interface {
	Start(ctx context.Context, cfg Config) error
	Feed(frame media.Frame) error
	Drain(ctx context.Context) error
	Stop() error
	Results() <-chan Result
}

// interleaver pairs per-channel sample queues back into an interleaved
// little-endian PCM stream for duplex engine transports. It holds at most
// the ragged tail between channels.
type interleaver struct {
	channels []media.Channel
	pending  [][]int16
}

func newInterleaver(channels []media.Channel) *interleaver {
	return &interleaver{
		channels: channels,
		pending:  make([][]int16, len(channels)),
	}
}

func (iv *interleaver) index(ch media.Channel) int {
	for i, c := range iv.channels {
		if c == ch {
			return i
		}
	}
	return -1
}

// push appends one frame's samples and returns any newly completed
// interleaved bytes.
func (iv *interleaver) push(f media.Frame) []byte {
	idx := iv.index(f.Channel)
	if idx < 0 {
		return nil
	}
	iv.pending[idx] = append(iv.pending[idx], f.Samples...)
	return iv.take(false)
}

// flush pads ragged channel tails with silence and drains everything.
func (iv *interleaver) flush() []byte {
	max := 0
	for _, p := range iv.pending {
		if len(p) > max {
			max = len(p)
		}
	}
	for i, p := range iv.pending {
		for len(p) < max {
			p = append(p, 0)
		}
		iv.pending[i] = p
	}
	return iv.take(true)
}

func (iv *interleaver) take(all bool) []byte {
	n := len(iv.channels)
	if n == 1 {
		out := encodeLE(iv.pending[0])
		iv.pending[0] = nil
		return out
	}

	ready := -1
	for _, p := range iv.pending {
		if ready < 0 || len(p) < ready {
			ready = len(p)
		}
	}
	if ready <= 0 {
		return nil
	}

	out := make([]byte, 0, ready*n*2)
	var sample [2]byte
	for i := 0; i < ready; i++ {
		for c := 0; c < n; c++ {
			binary.LittleEndian.PutUint16(sample[:], uint16(iv.pending[c][i]))
			out = append(out, sample[0], sample[1])
		}
	}
	for c := range iv.pending {
		iv.pending[c] = iv.pending[c][ready:]
	}
	return out
}

func encodeLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

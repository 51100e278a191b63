package media

import (
	"encoding/binary"
	"fmt"
	"time"
)

type Format string

const (
	FormatPCMU Format = "PCMU"
	FormatL16  Format = "L16"
)

type Channel string

const (
	ChannelExternal Channel = "external"
	ChannelInternal Channel = "internal"
)

// Spec is the negotiated audio configuration a byte stream is decoded
// against: sample format, rate, and the channel ordering of interleaved
// payloads.
type Spec struct {
	Format   Format
	Rate     int
	Channels []Channel
}

func (s Spec) BytesPerSample() int {
	if s.Format == FormatL16 {
		return 2
	}
	return 1
}

// Frame is one decoded, channel-tagged audio unit. Samples are linear
// 16-bit PCM regardless of the wire format.
type Frame struct {
	Channel Channel
	Rate    int
	Samples []int16
}

func (f Frame) Duration() time.Duration {
	if f.Rate == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.Rate)
}

// muLawToLinear is the G.711 mu-law expansion table.
var muLawToLinear [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		exponent := (u & 0x70) >> 4
		mantissa := u & 0x0F
		magnitude := (int32(mantissa)<<3 + 0x84) << exponent
		if u&0x80 != 0 {
			muLawToLinear[i] = int16(0x84 - magnitude)
		} else {
			muLawToLinear[i] = int16(magnitude - 0x84)
		}
	}
}

func DecodePCMU(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = muLawToLinear[b]
	}
	return samples
}

// DecodeL16 decodes network byte order 16-bit linear samples.
func DecodeL16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(data[i*2:]))
	}
	return samples
}

// EncodeL16 is the inverse of DecodeL16, used when raw sample bytes have
// to be reconstructed for an engine transport.
func EncodeL16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.BigEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Demux decodes one interleaved payload against the spec and splits it
// into one frame per channel, tagged in the spec's channel order.
func Demux(spec Spec, data []byte) ([]Frame, error) {
	n := len(spec.Channels)
	if n == 0 {
		return nil, fmt.Errorf("media: spec has no channels")
	}
	stride := n * spec.BytesPerSample()
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("media: payload length %d not a multiple of %d", len(data), stride)
	}

	var all []int16
	switch spec.Format {
	case FormatPCMU:
		all = DecodePCMU(data)
	case FormatL16:
		all = DecodeL16(data)
	default:
		return nil, fmt.Errorf("media: unsupported format %q", spec.Format)
	}

	perChannel := len(all) / n
	frames := make([]Frame, n)
	for c, ch := range spec.Channels {
		samples := make([]int16, perChannel)
		for i := 0; i < perChannel; i++ {
			samples[i] = all[i*n+c]
		}
		frames[c] = Frame{Channel: ch, Rate: spec.Rate, Samples: samples}
	}
	return frames, nil
}

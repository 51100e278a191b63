package transcribe

import (
	"bytes"
	"testing"

	"github.com/eleven-am/callstream/internal/media"
)

func TestInterleaverPairsChannels(t *testing.T) {
	iv := newInterleaver([]media.Channel{media.ChannelExternal, media.ChannelInternal})

	// Nothing ready until both channels have samples.
	out := iv.push(media.Frame{Channel: media.ChannelExternal, Samples: []int16{1, 2, 3}})
	if len(out) != 0 {
		t.Fatalf("got %d bytes with one channel pending, want 0", len(out))
	}

	out = iv.push(media.Frame{Channel: media.ChannelInternal, Samples: []int16{-1, -2}})
	want := []byte{
		0x01, 0x00, 0xFF, 0xFF, // 1, -1
		0x02, 0x00, 0xFE, 0xFF, // 2, -2
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("interleaved = %x, want %x", out, want)
	}

	// The ragged tail pads with silence on flush.
	out = iv.flush()
	want = []byte{0x03, 0x00, 0x00, 0x00}
	if !bytes.Equal(out, want) {
		t.Fatalf("flushed = %x, want %x", out, want)
	}
}

func TestInterleaverMono(t *testing.T) {
	iv := newInterleaver([]media.Channel{media.ChannelExternal})
	out := iv.push(media.Frame{Channel: media.ChannelExternal, Samples: []int16{256}})
	if want := []byte{0x00, 0x01}; !bytes.Equal(out, want) {
		t.Fatalf("mono = %x, want %x", out, want)
	}
}

func TestInterleaverDropsUnknownChannel(t *testing.T) {
	iv := newInterleaver([]media.Channel{media.ChannelExternal})
	out := iv.push(media.Frame{Channel: media.ChannelInternal, Samples: []int16{7}})
	if len(out) != 0 {
		t.Fatalf("got %d bytes for unknown channel, want 0", len(out))
	}
}

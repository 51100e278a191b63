package media

import "time"

// InlineAdapter decodes audio delivered inside protocol binary frames.
// The payload is already demultiplexed by the protocol framing; the adapter
// reconciles the bytes against the session's negotiated media parameter and
// hands channel-tagged frames to the consumer.
type InlineAdapter struct {
	spec Spec
	emit func(Frame) error

	received time.Duration
}

func NewInlineAdapter(spec Spec, emit func(Frame) error) *InlineAdapter {
	return &InlineAdapter{spec: spec, emit: emit}
}

func (a *InlineAdapter) Spec() Spec {
	return a.spec
}

// Write decodes one binary payload and forwards its per-channel frames.
// The frames are transient: consumers must not retain the sample slices
// past the emit call unless they copy them.
func (a *InlineAdapter) Write(data []byte) error {
	frames, err := Demux(a.spec, data)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := a.emit(f); err != nil {
			return err
		}
	}
	if len(frames) > 0 {
		a.received += frames[0].Duration()
	}
	return nil
}

// Received is the total audio duration decoded so far, per channel.
func (a *InlineAdapter) Received() time.Duration {
	return a.received
}

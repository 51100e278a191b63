package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidDuration  = errors.New("invalid duration")
	ErrNegativeDuration = errors.New("negative duration")
)

// Position is a point on a session's media timeline, carried on the wire
// as an ISO 8601 duration restricted to the "PT" time designators,
// e.g. "PT12.5S" or "PT1H2M3S".
type Position time.Duration

func PositionFromDuration(d time.Duration) Position {
	return Position(d)
}

func (p Position) Duration() time.Duration {
	return time.Duration(p)
}

func (p Position) Seconds() float64 {
	return time.Duration(p).Seconds()
}

func (p Position) String() string {
	secs := time.Duration(p).Seconds()
	if secs < 0 {
		secs = 0
	}
	return "PT" + strconv.FormatFloat(secs, 'f', -1, 64) + "S"
}

func (p Position) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Position) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParsePosition(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePosition parses an ISO 8601 time duration. Only the PT form with
// hour, minute and second designators is accepted; the value must be
// finite and non-negative.
func ParsePosition(s string) (Position, error) {
	rest, ok := strings.CutPrefix(s, "PT")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}

	var total float64
	units := []struct {
		designator byte
		seconds    float64
	}{
		{'H', 3600},
		{'M', 60},
		{'S', 1},
	}

	for _, unit := range units {
		idx := strings.IndexByte(rest, unit.designator)
		if idx < 0 {
			continue
		}
		value, err := strconv.ParseFloat(rest[:idx], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		total += value * unit.seconds
		rest = rest[idx+1:]
	}
	if rest != "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	if total < 0 {
		return 0, fmt.Errorf("%w: %q", ErrNegativeDuration, s)
	}
	return Position(time.Duration(total * float64(time.Second))), nil
}

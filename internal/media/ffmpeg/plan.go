package ffmpeg

import (
	"fmt"
	"time"

	"clip_relay/internal/domain"
)

// Segment is one planned cut of the source.
type Segment struct {
	Index int
	Start time.Duration
	End   time.Duration
}

func (s Segment) Duration() time.Duration {
	return s.End - s.Start
}

// Plan cuts a source of the given duration into consecutive segments of at
// most rules.MaxPartDuration, producing at most rules.Parts segments. A source
// shorter than one part still yields a single segment. Segments shorter than
// the minimum source duration are dropped. Sources below rules.ExtendBelow are
// planned at their looped length.
func Plan(duration time.Duration, rules domain.SplitRules) ([]Segment, error) {
	if duration < rules.MinSourceDuration || duration <= 0 {
		return nil, fmt.Errorf("%w: source is %s, minimum is %s", domain.ErrInvalidFormat, duration, rules.MinSourceDuration)
	}
	if rules.MaxSourceDuration > 0 && duration > rules.MaxSourceDuration {
		return nil, fmt.Errorf("%w: source is %s, maximum is %s", domain.ErrInvalidFormat, duration, rules.MaxSourceDuration)
	}
	length := Extended(duration, rules)

	parts := rules.Parts
	if parts < 1 {
		parts = 1
	}
	partLen := rules.MaxPartDuration
	if partLen <= 0 {
		partLen = length
	}

	n := int(length / partLen)
	if n > parts {
		n = parts
	}
	if n < 1 {
		n = 1
	}

	segments := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		start := time.Duration(i) * partLen
		if start >= length {
			break
		}
		end := start + partLen
		if end > length {
			end = length
		}
		if end-start < rules.MinSourceDuration {
			continue
		}
		segments = append(segments, Segment{Index: len(segments) + 1, Start: start, End: end})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segment long enough in %s source", domain.ErrInvalidFormat, length)
	}
	return segments, nil
}

// Extended returns the length a source is looped to before it is cut.
// Sources at or above rules.ExtendBelow keep their own duration.
func Extended(duration time.Duration, rules domain.SplitRules) time.Duration {
	if rules.ExtendBelow <= 0 || duration >= rules.ExtendBelow || rules.ExtendTo <= duration {
		return duration
	}
	return rules.ExtendTo
}

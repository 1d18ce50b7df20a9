package series

import (
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/maxiv-kitscontrols/hdbppgw/pkg/hdbtime"
)

var freqRe = regexp.MustCompile(`^(\d+)(ms|s|m)$`)

// ParseFreq parses a resampling interval of the form "500ms", "30s", "5m".
func ParseFreq(freq string) (time.Duration, error) {
	m := freqRe.FindStringSubmatch(freq)
	if m == nil {
		return 0, errors.Errorf("unparseable interval %q", freq)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, errors.Errorf("unparseable interval %q", freq)
	}
	switch m[2] {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	default:
		return time.Duration(n) * time.Minute, nil
	}
}

// Resample buckets the series into fixed windows aligned to the epoch and
// replaces each bucket with the arithmetic mean of its samples, timestamped
// at the bucket boundary. Empty buckets are omitted. Only used for
// rendering, never for cache contents.
func Resample(s *Series, freq time.Duration) *Series {
	if s.Len() == 0 || freq <= 0 {
		return Concat(s)
	}
	width := hdbtime.Micros(freq.Microseconds())

	out := New()
	var (
		bucket hdbtime.Micros
		sum    float64
		count  int
	)
	flush := func() {
		if count == 0 {
			return
		}
		t := bucket * width
		out.Append(t.Sec(), t.Us(), sum/float64(count), "")
		sum, count = 0, 0
	}

	for i := 0; i < s.Len(); i++ {
		// round to the nearest bucket boundary
		b := (s.Micros(i) + width/2) / width
		if count > 0 && b != bucket {
			flush()
		}
		bucket = b
		sum += s.value[i]
		count++
	}
	flush()
	return out
}

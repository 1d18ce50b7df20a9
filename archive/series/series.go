// Package series holds the columnar sample buffer returned by the archive
// read path. A Series carries the samples of one attribute over some time
// window, ordered by (second, microsecond).
//
// Series values stored in the cache are treated as immutable: every
// transformation returns a fresh Series and never aliases the columns of
// its input.
package series

import (
	"github.com/maxiv-kitscontrols/hdbppgw/pkg/hdbtime"
)

// Sample is one archived reading. Value is NaN-free only for readings
// without an error description; readings recorded with an error keep the
// text in ErrorDesc.
type Sample struct {
	Sec       int64
	Us        int32
	Value     float64
	ErrorDesc string
}

// Series is a fixed-schema columnar buffer of samples.
type Series struct {
	sec       []int64
	us        []int32
	value     []float64
	errorDesc []string
}

func New() *Series {
	return &Series{}
}

func NewWithCapacity(n int) *Series {
	return &Series{
		sec:       make([]int64, 0, n),
		us:        make([]int32, 0, n),
		value:     make([]float64, 0, n),
		errorDesc: make([]string, 0, n),
	}
}

// Append adds one sample. Callers are responsible for appending in
// (sec, us) order.
func (s *Series) Append(sec int64, us int32, value float64, errorDesc string) {
	s.sec = append(s.sec, sec)
	s.us = append(s.us, us)
	s.value = append(s.value, value)
	s.errorDesc = append(s.errorDesc, errorDesc)
}

func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sec)
}

func (s *Series) IsEmpty() bool {
	return s.Len() == 0
}

// At returns the i-th sample.
func (s *Series) At(i int) Sample {
	return Sample{
		Sec:       s.sec[i],
		Us:        s.us[i],
		Value:     s.value[i],
		ErrorDesc: s.errorDesc[i],
	}
}

// Micros is the composed microsecond timestamp of the i-th sample.
func (s *Series) Micros(i int) hdbtime.Micros {
	return hdbtime.Compose(s.sec[i], s.us[i])
}

// MaxTime is the largest composed timestamp in the series. Only valid on a
// non-empty series.
func (s *Series) MaxTime() hdbtime.Micros {
	max := s.Micros(0)
	for i := 1; i < s.Len(); i++ {
		if m := s.Micros(i); m > max {
			max = m
		}
	}
	return max
}

// SizeBytes estimates the memory cost of the series, used as the cache
// cost function.
func (s *Series) SizeBytes() int {
	const perSample = 8 + 4 + 8 + 16 // sec + us + value + string header
	size := s.Len() * perSample
	for _, e := range s.errorDesc {
		size += len(e)
	}
	return size
}

// Concat appends the parts in order into a single series. Nil and empty
// parts are skipped.
func Concat(parts ...*Series) *Series {
	n := 0
	for _, p := range parts {
		n += p.Len()
	}
	out := NewWithCapacity(n)
	for _, p := range parts {
		if p.Len() == 0 {
			continue
		}
		out.sec = append(out.sec, p.sec...)
		out.us = append(out.us, p.us...)
		out.value = append(out.value, p.value...)
		out.errorDesc = append(out.errorDesc, p.errorDesc...)
	}
	return out
}

// BeforeSec returns the samples with a whole-second timestamp strictly
// before cutSec. This is the truncation side of the live-day merge: the
// database can only filter at second granularity, so the boundary second
// is dropped here and re-read from the database.
func (s *Series) BeforeSec(cutSec int64) *Series {
	out := New()
	for i := 0; i < s.Len(); i++ {
		if s.sec[i] >= cutSec {
			continue
		}
		out.Append(s.sec[i], s.us[i], s.value[i], s.errorDesc[i])
	}
	return out
}

// Trim keeps the samples with t0 <= composed timestamp <= t1.
func (s *Series) Trim(t0, t1 hdbtime.Micros) *Series {
	out := New()
	for i := 0; i < s.Len(); i++ {
		m := s.Micros(i)
		if m < t0 || m > t1 {
			continue
		}
		out.Append(s.sec[i], s.us[i], s.value[i], s.errorDesc[i])
	}
	return out
}

// Package histogram provides a mergeable frequency distribution over integer
// latency values, built from the untrusted latency_hist field of a worker
// summary. Bins are sorted ascending by value and deduplicated; malformed
// input is dropped rather than reported.
package histogram

import (
	"math"
	"sort"
)

// Bin is one (latency value, occurrence count) entry.
type Bin struct {
	Value int64
	Count int64
}

// Histogram is an immutable frequency table. The zero value is an empty
// histogram and is safe to use.
type Histogram struct {
	bins []Bin
}

// FromBins builds a Histogram from candidate bins. Duplicate values are
// pre-summed and bins with a non-positive count are dropped.
func FromBins(candidates []Bin) Histogram {
	merged := make(map[int64]int64, len(candidates))
	for _, b := range candidates {
		if b.Count < 1 {
			continue
		}
		merged[b.Value] += b.Count
	}
	return fromMap(merged)
}

// FromJSONValue builds a Histogram from a decoded JSON value, expected to be
// a sequence of [value, count] integer pairs. Entries of the wrong shape or
// with non-integer fields are silently skipped; worker output is noisy and a
// partial histogram is more useful than none.
func FromJSONValue(v any) Histogram {
	rows, ok := v.([]any)
	if !ok {
		return Histogram{}
	}

	candidates := make([]Bin, 0, len(rows))
	for _, row := range rows {
		pair, ok := row.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		value, ok := asInt64(pair[0])
		if !ok {
			continue
		}
		count, ok := asInt64(pair[1])
		if !ok {
			continue
		}
		candidates = append(candidates, Bin{Value: value, Count: count})
	}

	return FromBins(candidates)
}

// asInt64 accepts the numeric types encoding/json produces and rejects
// anything with a fractional part.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func fromMap(merged map[int64]int64) Histogram {
	if len(merged) == 0 {
		return Histogram{}
	}
	bins := make([]Bin, 0, len(merged))
	for value, count := range merged {
		bins = append(bins, Bin{Value: value, Count: count})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Value < bins[j].Value })
	return Histogram{bins: bins}
}

// Merge returns a new Histogram whose counts are the pairwise sum of both
// operands. Neither operand is mutated; merging with an empty histogram is
// the identity.
func (h Histogram) Merge(other Histogram) Histogram {
	merged := make(map[int64]int64, len(h.bins)+len(other.bins))
	for _, b := range h.bins {
		merged[b.Value] += b.Count
	}
	for _, b := range other.bins {
		merged[b.Value] += b.Count
	}
	return fromMap(merged)
}

// Bins returns a copy of the underlying bins, sorted ascending by value.
func (h Histogram) Bins() []Bin {
	out := make([]Bin, len(h.bins))
	copy(out, h.bins)
	return out
}

// Total returns the sum of all counts, 0 for an empty histogram.
func (h Histogram) Total() int64 {
	var total int64
	for _, b := range h.bins {
		total += b.Count
	}
	return total
}

// Min returns the smallest recorded value. The second return is false iff
// the histogram is empty.
func (h Histogram) Min() (int64, bool) {
	if len(h.bins) == 0 {
		return 0, false
	}
	return h.bins[0].Value, true
}

// Max returns the largest recorded value. The second return is false iff
// the histogram is empty.
func (h Histogram) Max() (int64, bool) {
	if len(h.bins) == 0 {
		return 0, false
	}
	return h.bins[len(h.bins)-1].Value, true
}

// ValueAtQuantile returns the nearest-rank value for q in [0,1]: the first
// bin whose cumulative count reaches max(1, floor(total*q)). Values of q
// outside [0,1] clamp to the min and max. This walks pre-binned data and
// does not interpolate between bins.
func (h Histogram) ValueAtQuantile(q float64) (int64, bool) {
	if len(h.bins) == 0 {
		return 0, false
	}
	if q <= 0 {
		return h.bins[0].Value, true
	}
	if q >= 1 {
		return h.bins[len(h.bins)-1].Value, true
	}

	target := int64(float64(h.Total()) * q)
	if target < 1 {
		target = 1
	}

	var running int64
	for _, b := range h.bins {
		running += b.Count
		if running >= target {
			return b.Value, true
		}
	}
	return h.bins[len(h.bins)-1].Value, true
}

// Summary is a fixed latency report in microseconds. Every field except
// Count is nil iff the histogram was empty.
type Summary struct {
	Count  int64  `json:"count"`
	MinUs  *int64 `json:"min_us"`
	P50Us  *int64 `json:"p50_us"`
	P90Us  *int64 `json:"p90_us"`
	P95Us  *int64 `json:"p95_us"`
	P99Us  *int64 `json:"p99_us"`
	P999Us *int64 `json:"p999_us"`
	MaxUs  *int64 `json:"max_us"`
}

// Summarize builds the fixed snapshot report from the quantile queries.
func (h Histogram) Summarize() Summary {
	s := Summary{Count: h.Total()}
	s.MinUs = optional(h.Min())
	s.P50Us = optional(h.ValueAtQuantile(0.50))
	s.P90Us = optional(h.ValueAtQuantile(0.90))
	s.P95Us = optional(h.ValueAtQuantile(0.95))
	s.P99Us = optional(h.ValueAtQuantile(0.99))
	s.P999Us = optional(h.ValueAtQuantile(0.999))
	s.MaxUs = optional(h.Max())
	return s
}

func optional(v int64, ok bool) *int64 {
	if !ok {
		return nil
	}
	return &v
}

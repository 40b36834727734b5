package domain

import "math"

// OrderKey is a position on an open numeric scale. Siblings sort ascending by key.
type OrderKey float64

const (
	// DefaultKey is used for the first item of an empty collection.
	DefaultKey OrderKey = 1000
	// Spacing is the gap left between keys for head/tail inserts and renumbering.
	Spacing OrderKey = 1000
)

// Allocate returns a key strictly between before and after. A nil bound is open.
func Allocate(before, after *OrderKey) (OrderKey, error) {
	switch {
	case before == nil && after == nil:
		return DefaultKey, nil
	case before == nil:
		return below(*after)
	case after == nil:
		return above(*before)
	}
	lo, hi := *before, *after
	if !(lo < hi) {
		return 0, ErrInvalidBounds
	}
	mid := lo + (hi-lo)/2
	if !(lo < mid && mid < hi) {
		return 0, ErrPrecisionExhausted
	}
	return mid, nil
}

func above(k OrderKey) (OrderKey, error) {
	next := k + Spacing
	if next > k && !math.IsInf(float64(next), 1) {
		return next, nil
	}
	next = OrderKey(math.Nextafter(float64(k), math.Inf(1)))
	if next > k && !math.IsInf(float64(next), 1) {
		return next, nil
	}
	return 0, ErrPrecisionExhausted
}

func below(k OrderKey) (OrderKey, error) {
	prev := k - Spacing
	if prev < k && !math.IsInf(float64(prev), -1) {
		return prev, nil
	}
	prev = OrderKey(math.Nextafter(float64(k), math.Inf(-1)))
	if prev < k && !math.IsInf(float64(prev), -1) {
		return prev, nil
	}
	return 0, ErrPrecisionExhausted
}

// Renumber returns n evenly spaced ascending keys starting at Spacing.
func Renumber(n int) []OrderKey {
	keys := make([]OrderKey, n)
	for i := range keys {
		keys[i] = Spacing * OrderKey(i+1)
	}
	return keys
}

// KeyPtr is a convenience for building Allocate arguments.
func KeyPtr(k OrderKey) *OrderKey { return &k }

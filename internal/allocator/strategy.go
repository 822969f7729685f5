package allocator

import "math/rand"

// Strategy selects the order in which a range is scanned for a free port.
type Strategy string

const (
	// StrategyAscending scans from Range.Min upward. Default; deterministic.
	StrategyAscending Strategy = "ascending"
	// StrategyRandom scans the range in shuffled order.
	StrategyRandom Strategy = "random"
	// StrategyRoundRobin resumes scanning after the last allocated port,
	// wrapping around the range. Cursor is per-process.
	StrategyRoundRobin Strategy = "roundrobin"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyAscending, StrategyRandom, StrategyRoundRobin, "":
		return true
	}
	return false
}

// candidates returns the ports of rng in scan order. cursor is the last
// port handed out by a round-robin scan, or 0 for none.
func candidates(s Strategy, rng Range, cursor int) []int {
	n := rng.Max - rng.Min + 1
	if n <= 0 {
		return nil
	}
	out := make([]int, 0, n)
	switch s {
	case StrategyRandom:
		for _, off := range rand.Perm(n) {
			out = append(out, rng.Min+off)
		}
	case StrategyRoundRobin:
		start := rng.Min
		if cursor >= rng.Min && cursor < rng.Max {
			start = cursor + 1
		}
		for i := 0; i < n; i++ {
			p := start + i
			if p > rng.Max {
				p = rng.Min + (p - rng.Max - 1)
			}
			out = append(out, p)
		}
	default: // ascending
		for p := rng.Min; p <= rng.Max; p++ {
			out = append(out, p)
		}
	}
	return out
}

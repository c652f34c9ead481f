package scoring

import "fmt"

// Range is a half-open offset range [Start, End) over the ordered wallet list.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len is the number of wallets in the range.
func (r Range) Len() int64 { return r.End - r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// Shard splits total wallets into workers contiguous ranges whose sizes differ
// by at most one. Ranges cover [0, total) exactly once; when total < workers the
// trailing ranges are empty.
func Shard(total int64, workers int) []Range {
	if workers < 1 {
		workers = 1
	}
	if total < 0 {
		total = 0
	}
	n := int64(workers)
	out := make([]Range, workers)
	for i := int64(0); i < n; i++ {
		out[i] = Range{Start: i * total / n, End: (i + 1) * total / n}
	}
	return out
}

package usecase

import (
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/naka-gawa/profile-summary/internal/domain"
)

const topRepos = 10

// rankByCount orders entries by descending count. Equal counts keep their
// original relative order.
func rankByCount(m domain.OrderedMap[int]) domain.OrderedMap[int] {
	ranked := make(domain.OrderedMap[int], len(m))
	copy(ranked, m)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Value > ranked[j].Value
	})
	return ranked
}

// top keeps the first n entries.
func top(m domain.OrderedMap[int], n int) domain.OrderedMap[int] {
	if len(m) <= n {
		return m
	}
	return m[:n]
}

// positive drops entries with a zero count.
func positive(m domain.OrderedMap[int]) domain.OrderedMap[int] {
	out := domain.OrderedMap[int]{}
	for _, e := range m {
		if e.Value > 0 {
			out = append(out, e)
		}
	}
	return out
}

// summarize computes mean, median and max over the quarter series.
func summarize(series domain.OrderedMap[int]) domain.QuarterStats {
	if len(series) == 0 {
		return domain.QuarterStats{}
	}
	data := make(stats.Float64Data, 0, len(series))
	for _, e := range series {
		data = append(data, float64(e.Value))
	}
	var out domain.QuarterStats
	if mean, err := stats.Mean(data); err == nil {
		out.Mean, _ = stats.Round(mean, 2)
	}
	if median, err := stats.Median(data); err == nil {
		out.Median = median
	}
	if highest, err := stats.Max(data); err == nil {
		out.Max = int(highest)
	}
	return out
}

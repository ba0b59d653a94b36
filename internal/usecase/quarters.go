package usecase

import (
	"fmt"
	"time"

	"github.com/naka-gawa/profile-summary/internal/domain"
)

// QuarterLabel formats the calendar quarter of t (UTC) as "2021-Q3".
func QuarterLabel(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}

func quarterStart(t time.Time) time.Time {
	t = t.UTC()
	month := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), month, 1, 0, 0, 0, 0, time.UTC)
}

// BucketByQuarter counts commits per calendar quarter, from the quarter the
// account was created in through the quarter containing now. Every quarter in
// that range is present, zero when it has no commits, in chronological order.
// Commits outside the range are not counted; their number is returned.
func BucketByQuarter(userCreatedAt, now time.Time, perRepoCommits [][]domain.Commit) (domain.OrderedMap[int], int) {
	start := quarterStart(userCreatedAt)
	end := quarterStart(now).AddDate(0, 3, 0)

	series := domain.OrderedMap[int]{}
	index := make(map[string]int)
	for q := start; q.Before(end); q = q.AddDate(0, 3, 0) {
		label := QuarterLabel(q)
		index[label] = len(series)
		series = append(series, domain.Entry[int]{Key: label})
	}

	outOfRange := 0
	for _, commits := range perRepoCommits {
		for _, c := range commits {
			i, ok := index[QuarterLabel(c.CommittedAt)]
			if !ok {
				outOfRange++
				continue
			}
			series[i].Value++
		}
	}
	return series, outOfRange
}

package identity

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// MaxRenewalTerms caps a single renewal.
	MaxRenewalTerms = 3

	termLengthMonths = 4
)

// ValidateTermCount rejects renewal counts below 1.
func ValidateTermCount(name string, n int) error {
	if n < 1 {
		return NewError(KindInvalidTermCount, "renew_user", name,
			fmt.Errorf("number of terms must be at least 1, got %d", n))
	}
	return nil
}

// TermTag returns the academic term containing t: "w" before May, "s" before
// September, "f" otherwise, followed by the year.
func TermTag(t time.Time) string {
	var season string
	switch month := t.Month(); {
	case month < time.May:
		season = "w"
	case month < time.September:
		season = "s"
	default:
		season = "f"
	}
	return season + strconv.Itoa(t.Year())
}

// RenewalTerms returns the tags for n consecutive terms starting at from.
func RenewalTerms(from time.Time, n int) []string {
	terms := make([]string, 0, max(n, 0))
	for i := range n {
		terms = append(terms, TermTag(AddMonths(from, i*termLengthMonths)))
	}
	return terms
}

// AddMonths adds n calendar months to t. Days past the end of the target
// month are clamped to its last day, so Oct 31 + 4 months is Feb 28/29.
func AddMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	first := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}

	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
}

func TestTermTag(t *testing.T) {
	tests := []struct {
		date time.Time
		want string
	}{
		{date(2024, time.February, 15), "w2024"},
		{date(2024, time.June, 1), "s2024"},
		{date(2024, time.October, 10), "f2024"},
		{date(2024, time.January, 1), "w2024"},
		{date(2024, time.April, 30), "w2024"},
		{date(2024, time.May, 1), "s2024"},
		{date(2024, time.August, 31), "s2024"},
		{date(2024, time.September, 1), "f2024"},
		{date(2025, time.December, 31), "f2025"},
	}

	for _, tt := range tests {
		t.Run(tt.date.Format(time.DateOnly), func(t *testing.T) {
			assert.Equal(t, tt.want, TermTag(tt.date))
		})
	}
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		name   string
		from   time.Time
		months int
		want   time.Time
	}{
		{"plain", date(2024, time.February, 15), 4, date(2024, time.June, 15)},
		{"year rollover", date(2024, time.October, 10), 4, date(2025, time.February, 10)},
		{"clamp to leap day", date(2023, time.October, 31), 4, date(2024, time.February, 29)},
		{"clamp to february", date(2024, time.October, 31), 4, date(2025, time.February, 28)},
		{"clamp to thirty", date(2024, time.December, 31), 4, date(2025, time.April, 30)},
		{"zero", date(2024, time.March, 3), 0, date(2024, time.March, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddMonths(tt.from, tt.months))
		})
	}
}

func TestRenewalTerms(t *testing.T) {
	tests := []struct {
		name string
		from time.Time
		n    int
		want []string
	}{
		{"one term", date(2024, time.February, 15), 1, []string{"w2024"}},
		{"three from winter", date(2024, time.February, 15), 3, []string{"w2024", "s2024", "f2024"}},
		{"three from fall", date(2024, time.October, 10), 3, []string{"f2024", "w2025", "s2025"}},
		{"end of december", date(2024, time.December, 31), 3, []string{"f2024", "w2025", "s2025"}},
		{"none", date(2024, time.June, 1), 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenewalTerms(tt.from, tt.n))
		})
	}
}

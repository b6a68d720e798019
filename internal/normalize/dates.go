package normalize

import (
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/lib/textutil"
)

var zonedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006/1/2 15:04",
	"2006/01/02",
	"2006/1/2",
	"2006年1月2日 15時04分",
	"2006年1月2日",
	"20060102",
}

// ParseDate reads any of the date formats the sources use and truncates the
// result to a day in the normalizer's zone.
func (n Normalizer) ParseDate(value string) (time.Time, bool) {
	value = textutil.Normalize(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return bid.Day(t.In(n.loc)), true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, n.loc); err == nil {
			return bid.Day(t), true
		}
	}
	return time.Time{}, false
}

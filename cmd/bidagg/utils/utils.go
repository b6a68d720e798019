package utils

import (
	"os"
	"time"

	"bidaggregator/internal/bid"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func NewTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

// Date formats an optional date, "-" when unset.
func Date(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(bid.DateLayout)
}

func DatePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return Date(*t)
}

func Timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

// Trunc shortens long cell values, counting display width.
func Trunc(value string, width int) string {
	if text.RuneWidthWithoutEscSequences(value) <= width {
		return value
	}
	return text.Trim(value, width-1) + "…"
}

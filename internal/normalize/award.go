package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/sources"
	"bidaggregator/lib/textutil"
)

// AwardColumns are the positional columns of the award CSV files.
var AwardColumns = []string{
	AwardCaseNumber,
	"title",
	"award_date",
	"award_amount",
	"procurement_type",
	"org_code",
	"winner_name",
	"corporate_number",
}

const AwardCaseNumber = "case_number"

// Award converts one CSV row. Award dates carry no zone and are read as UTC
// days.
func Award(raw sources.RawRecord) (bid.AwardRecord, error) {
	get := func(field string) string {
		return textutil.Normalize(raw.Get(field))
	}

	out := bid.AwardRecord{
		CaseNumber:      get(AwardCaseNumber),
		Title:           get("title"),
		ProcurementType: get("procurement_type"),
		OrgCode:         get("org_code"),
		WinnerName:      get("winner_name"),
		CorporateNumber: get("corporate_number"),
	}
	if out.CaseNumber == "" {
		return bid.AwardRecord{}, &bid.RejectedError{Reason: "award row without case number"}
	}
	if day, ok := New(nil).ParseDate(raw.Get("award_date")); ok {
		out.AwardDate = day
	}

	amount, err := ParseYen(get("award_amount"))
	if err != nil {
		return bid.AwardRecord{}, &bid.RejectedError{Reason: err.Error()}
	}
	out.AwardAmount = amount
	return out, nil
}

// ParseYen reads a yen amount, tolerating separators and a trailing 円.
// Fractional yen are rounded half-up. An empty value is zero.
func ParseYen(value string) (int64, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimSuffix(value, "円")
	value = strings.ReplaceAll(value, ",", "")
	value = strings.ReplaceAll(value, "¥", "")
	if value == "" {
		return 0, nil
	}

	negative := strings.HasPrefix(value, "-")
	digits := strings.TrimPrefix(value, "-")
	whole, fraction, hasFraction := strings.Cut(digits, ".")
	if n, err := strconv.ParseInt(whole, 10, 64); err == nil && isDigits(fraction) {
		if hasFraction && fraction != "" && fraction[0] >= '5' {
			n++
		}
		if negative {
			n = -n
		}
		return n, nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid award amount %q", value)
	}
	if f < 0 {
		return -int64(math.Floor(-f + 0.5)), nil
	}
	return int64(math.Floor(f + 0.5)), nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

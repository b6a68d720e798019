package normalize

import (
	"testing"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/sources"
	"bidaggregator/internal/sources/pportal"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return loc
}

func TestNormalizeAPI(t *testing.T) {
	loc := tokyo(t)
	n := New(loc)

	raw := sources.RawRecord{
		Fields: map[string]string{
			"Key":                 "kkj-001",
			"ProjectName":         "　庁舎清掃業務（ＡＩ活用）  ",
			"OrganizationName":    "国土交通省",
			"LgCode":              "130001",
			"PrefectureName":      "東京都",
			"CityName":            "千代田区",
			"CftIssueDate":        "2024-05-01T10:00:00+09:00",
			"PeriodEndTime":       "2024-05-20T17:00:00+09:00",
			"Category":            "役務",
			"ProcedureType":       "一般競争入札",
			"ExternalDocumentURI": "https://example.test/kkj-001",
		},
		Attachments: []sources.Attachment{
			{Name: "公告", URI: "https://example.test/a.pdf"},
			{Name: "dup", URI: "https://example.test/a.pdf"},
		},
	}

	got, err := n.Normalize(raw, bid.SourceAPI)
	require.NoError(t, err)

	deadline := time.Date(2024, 5, 20, 0, 0, 0, 0, loc)
	expected := bid.Bid{
		Source:          bid.SourceAPI,
		CaseNumber:      "kkj-001",
		Title:           "庁舎清掃業務(AI活用)",
		Organization:    "国土交通省",
		OrgCode:         "130001",
		ProcurementType: "一般競争入札",
		ItemCategory:    "役務",
		PublishedDate:   time.Date(2024, 5, 1, 0, 0, 0, 0, loc),
		Deadline:        &deadline,
		DetailURL:       "https://example.test/kkj-001",
		DocumentURLs:    []string{"https://example.test/a.pdf"},
		Region:          "東京都 千代田区",
		RawFingerprint:  got.RawFingerprint,
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Fatal(diff)
	}
	require.Len(t, got.RawFingerprint, 64)
	require.Equal(t, "case:kkj-001", got.NaturalKey())
}

func TestNormalizeScrape(t *testing.T) {
	n := New(tokyo(t))

	raw := sources.RawRecord{Fields: map[string]string{
		pportal.FieldCaseNumber:   "詳細",
		pportal.FieldTitle:        "ＰＣ賃貸借",
		pportal.FieldOrganization: "防衛省 航空自衛隊",
		pportal.FieldCategory:     "一般競争入札",
		pportal.FieldPublishStart: "2024/05/02",
		pportal.FieldPublishEnd:   "2024/05/31",
		pportal.FieldDetailURL:    "https://www.p-portal.go.jp/x?ankenNo=1",
	}}

	got, err := n.Normalize(raw, bid.SourceScrape)
	require.NoError(t, err)
	require.Equal(t, "PC賃貸借", got.Title)
	require.Empty(t, got.CaseNumber, "non-numeric case numbers are unreliable")
	require.Equal(t, "fp:"+got.RawFingerprint, got.NaturalKey())
	require.Equal(t, "007", got.OrgCode)
	require.Equal(t, "2024-05-31", got.Deadline.Format(bid.DateLayout))

	// a deadline taken from the detail page wins over the listing period
	detail := sources.RawRecord{Fields: map[string]string{
		pportal.FieldDeadline:     "2024/05/28 17:00",
		pportal.FieldItemCategory: "物品",
		pportal.FieldTitle:        "ignored",
	}, Attachments: []sources.Attachment{{URI: "https://www.p-portal.go.jp/spec.pdf"}}}
	enriched, err := n.Normalize(MergeDetail(raw, detail), bid.SourceScrape)
	require.NoError(t, err)
	require.Equal(t, "2024-05-28", enriched.Deadline.Format(bid.DateLayout))
	require.Equal(t, "物品", enriched.ItemCategory)
	require.Equal(t, "PC賃貸借", enriched.Title)
	require.Equal(t, []string{"https://www.p-portal.go.jp/spec.pdf"}, enriched.DocumentURLs)
	require.Equal(t, got.RawFingerprint, enriched.RawFingerprint, "enrichment keeps the natural key")
}

func TestNormalizeRejects(t *testing.T) {
	n := New(time.UTC)

	testCases := []struct {
		name   string
		fields map[string]string
		reject bool
	}{
		{name: "all mandatory missing", fields: map[string]string{"Category": "役務"}, reject: true},
		{name: "missing title", fields: map[string]string{"OrganizationName": "環境省", "CftIssueDate": "2024-05-01"}, reject: true},
		{name: "missing organization", fields: map[string]string{"ProjectName": "清掃"}, reject: false},
		{name: "unparsable optional date", fields: map[string]string{"ProjectName": "清掃", "PeriodEndTime": "未定"}, reject: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := n.Normalize(sources.RawRecord{Fields: tc.fields}, bid.SourceAPI)
			if tc.reject {
				require.True(t, bid.IsRejected(err))
				return
			}
			require.NoError(t, err)
			require.Nil(t, got.Deadline)
			if tc.fields["OrganizationName"] == "" {
				require.Equal(t, bid.UnknownOrganization, got.Organization)
			}
		})
	}

	_, err := n.Normalize(sources.RawRecord{}, bid.SourceAward)
	require.True(t, bid.IsRejected(err))
}

func TestFingerprintStable(t *testing.T) {
	a := bid.Bid{Source: bid.SourceScrape, Title: "警備 業務", Organization: "環境省"}
	b := bid.Bid{Source: bid.SourceScrape, Title: "警備　 業務", Organization: "環境省"}
	require.Equal(t, Fingerprint(a), Fingerprint(b))

	c := bid.Bid{Source: bid.SourceAPI, Title: "警備 業務", Organization: "環境省"}
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))

	// escaping keeps field boundaries distinct
	d := bid.Bid{Source: bid.SourceScrape, Title: "a|b", Organization: "c"}
	e := bid.Bid{Source: bid.SourceScrape, Title: "a", Organization: "b|c"}
	require.NotEqual(t, Fingerprint(d), Fingerprint(e))
}

func TestParseDate(t *testing.T) {
	loc := tokyo(t)
	n := New(loc)
	expected := time.Date(2024, 5, 1, 0, 0, 0, 0, loc)

	for _, value := range []string{
		"2024-05-01",
		"2024/05/01",
		"2024/5/1",
		"２０２４/０５/０１",
		"2024年5月1日",
		"2024-05-01T09:30:00+09:00",
		"2024-04-30T20:00:00Z",
		"2024/05/01 17:00",
	} {
		got, ok := n.ParseDate(value)
		require.True(t, ok, value)
		require.True(t, expected.Equal(got), "%s parsed as %s", value, got)
	}

	_, ok := n.ParseDate("令和6年5月1日")
	require.False(t, ok)
}

func TestNeedsDetail(t *testing.T) {
	require.False(t, NeedsDetail(sources.RawRecord{Fields: map[string]string{pportal.FieldTitle: "x"}}))
	require.True(t, NeedsDetail(sources.RawRecord{Fields: map[string]string{
		pportal.FieldTitle:     "x",
		pportal.FieldDetailURL: "https://example.test",
	}}))
	require.False(t, NeedsDetail(sources.RawRecord{Fields: map[string]string{
		pportal.FieldDetailURL:    "https://example.test",
		pportal.FieldOrganization: "環境省",
		pportal.FieldPublishStart: "2024/05/01",
		pportal.FieldPublishEnd:   "2024/05/20",
	}}))
}

func TestMatchOrgCode(t *testing.T) {
	require.Equal(t, "020", MatchOrgCode("国土交通省関東地方整備局"))
	require.Equal(t, "027", MatchOrgCode("デジタル庁"))
	require.Equal(t, "", MatchOrgCode("株式会社サンプル"))
	require.Equal(t, "", MatchOrgCode(""))
}

func TestAward(t *testing.T) {
	raw := sources.RawRecord{Fields: map[string]string{
		"case_number":      "0000000000000999001",
		"title":            "複合機保守",
		"award_date":       "2024-05-10",
		"award_amount":     "1,234,567.5",
		"procurement_type": "05",
		"org_code":         "020",
		"winner_name":      "株式会社サンプル",
		"corporate_number": "",
	}}
	record, err := Award(raw)
	require.NoError(t, err)
	require.Equal(t, int64(1234568), record.AwardAmount)
	require.Equal(t, "2024-05-10", record.AwardDate.Format(bid.DateLayout))
	require.Empty(t, record.CorporateNumber)

	_, err = Award(sources.RawRecord{Fields: map[string]string{"title": "x"}})
	require.True(t, bid.IsRejected(err))
}

func TestParseYen(t *testing.T) {
	testCases := []struct {
		in       string
		expected int64
	}{
		{in: "", expected: 0},
		{in: "1000", expected: 1000},
		{in: "1,000円", expected: 1000},
		{in: "99.4", expected: 99},
		{in: "99.5", expected: 100},
		{in: "1.2E+07", expected: 12000000},
		{in: "-2.5", expected: -3},
	}
	for _, tc := range testCases {
		got, err := ParseYen(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.expected, got, tc.in)
	}
	_, err := ParseYen("abc")
	require.Error(t, err)
}

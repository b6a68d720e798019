package pportal

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/sources"
	"bidaggregator/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// Record field names produced by this connector.
const (
	FieldCaseNumber   = "case_number"
	FieldTitle        = "title"
	FieldOrganization = "organization"
	FieldCategory     = "category"
	FieldPublishStart = "publish_start"
	FieldPublishEnd   = "publish_end"
	FieldDetailURL    = "detail_url"
	FieldDeadline     = "deadline"
	FieldItemCategory = "item_category"
	FieldDescription  = "description"
)

// tried in order, the first matching any row wins
var rowSelectors = []string{
	"table.search-result tbody tr",
	"table.result-table tbody tr",
	"#searchResult tbody tr",
	".searchResultList tbody tr",
	"table tbody tr",
}

var nextSelectors = []string{
	"a[rel=next]",
	".pagination .next a",
	"a.next",
	`a:contains("次へ")`,
}

var (
	totalCountRegex = regexp.MustCompile(`([0-9][0-9,]*)\s*件`)
	periodRegex     = regexp.MustCompile(`(\d{4}/\d{1,2}/\d{1,2})\s*[～~〜\-]\s*(\d{4}/\d{1,2}/\d{1,2})`)
	noResultsRegex  = regexp.MustCompile(`該当する.*(ありません|見つかりません)`)
)

type results struct {
	records []sources.RawRecord
	total   int
	next    string
}

func parseResults(base *url.URL, pageID string, body []byte) (results, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return results{}, &bid.StructuralDriftError{PageID: pageID, Reason: err.Error()}
	}

	out := results{total: -1, next: nextPage(base, doc)}
	text := doc.Text()
	if m := totalCountRegex.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			out.total = n
		}
	}

	var rows *goquery.Selection
	for _, selector := range rowSelectors {
		rows = doc.Find(selector)
		if rows.Length() > 0 {
			break
		}
	}
	if rows == nil || rows.Length() == 0 {
		if noResultsRegex.MatchString(text) || out.total == 0 {
			out.total = 0
			return out, nil
		}
		return results{}, &bid.StructuralDriftError{PageID: pageID, Reason: "no result table", NextPageToken: out.next}
	}

	dataRows := 0
	rows.Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}
		dataRows++
		record, ok := parseRow(base, row, cells)
		if !ok {
			return
		}
		record.PageID = pageID
		out.records = append(out.records, record)
	})
	if dataRows > 0 && len(out.records) == 0 {
		return results{}, &bid.StructuralDriftError{PageID: pageID, Reason: "rows are missing mandatory columns", NextPageToken: out.next}
	}
	return out, nil
}

// nextPage reads the pager link. It is independent of the result table so a
// page with broken rows still leads to the next one.
func nextPage(base *url.URL, doc *goquery.Document) string {
	for _, selector := range nextSelectors {
		href, ok := doc.Find(selector).First().Attr("href")
		if !ok || strings.HasPrefix(href, "javascript:") || href == "#" {
			continue
		}
		return htmlutil.Resolve(base, href)
	}
	return ""
}

func parseRow(base *url.URL, row, cells *goquery.Selection) (sources.RawRecord, bool) {
	if cells.Length() < 3 {
		return sources.RawRecord{}, false
	}
	cell := func(i int) string {
		if i >= cells.Length() {
			return ""
		}
		return htmlutil.CleanText(cells.Eq(i))
	}

	fields := map[string]string{}
	link := row.Find("a").First()
	if link.Length() > 0 {
		fields[FieldCaseNumber] = htmlutil.CleanText(link)
		if href, ok := link.Attr("href"); ok {
			fields[FieldDetailURL] = htmlutil.Resolve(base, href)
		}
	}

	fields[FieldTitle] = cell(1)
	fields[FieldOrganization] = cell(2)
	fields[FieldCategory] = cell(3)
	if m := periodRegex.FindStringSubmatch(cell(4)); m != nil {
		fields[FieldPublishStart] = m[1]
		fields[FieldPublishEnd] = m[2]
	}

	if fields[FieldTitle] == "" {
		return sources.RawRecord{}, false
	}
	for k, v := range fields {
		if v == "" {
			delete(fields, k)
		}
	}
	return sources.RawRecord{Fields: fields}, true
}

var documentExtensions = map[string]bool{
	".pdf":  true,
	".zip":  true,
	".doc":  true,
	".docx": true,
	".xls":  true,
	".xlsx": true,
}

func isDocumentLink(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	if documentExtensions[strings.ToLower(path.Ext(u.Path))] {
		return true
	}
	return strings.Contains(strings.ToLower(u.Path), "download")
}

// labelField maps a detail table heading onto a record field.
func labelField(label string) string {
	switch {
	case strings.Contains(label, "締切"), strings.Contains(label, "提出期限"), strings.Contains(label, "期限"):
		return FieldDeadline
	case strings.Contains(label, "案件番号"):
		return FieldCaseNumber
	case strings.Contains(label, "案件名"):
		return FieldTitle
	case strings.Contains(label, "調達機関"):
		return FieldOrganization
	case strings.Contains(label, "調達種別"):
		return FieldCategory
	case strings.Contains(label, "分類"):
		return FieldItemCategory
	case strings.Contains(label, "概要"), strings.Contains(label, "内容"):
		return FieldDescription
	}
	return ""
}

func parseDetail(ctx context.Context, base *url.URL, detailURL string, body []byte) (sources.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return sources.RawRecord{}, &bid.StructuralDriftError{PageID: detailURL, Reason: err.Error()}
	}

	fields := map[string]string{FieldDetailURL: detailURL}
	labelled := 0
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		th := row.Find("th").First()
		td := row.Find("td").First()
		if th.Length() == 0 || td.Length() == 0 {
			return
		}
		labelled++
		field := labelField(htmlutil.CleanText(th))
		if field == "" {
			return
		}
		if _, seen := fields[field]; seen {
			return
		}
		if value := htmlutil.CleanText(td); value != "" {
			fields[field] = value
		}
	})
	if labelled == 0 {
		return sources.RawRecord{}, &bid.StructuralDriftError{PageID: detailURL, Reason: "no labelled rows on detail page"}
	}

	pageURL := base
	if u, err := url.Parse(detailURL); err == nil {
		pageURL = base.ResolveReference(u)
	}
	record := sources.RawRecord{Fields: fields, PageID: detailURL}
	seen := map[string]bool{}
	for _, anchor := range htmlutil.GetAnchors(ctx, pageURL, doc.Find("a")) {
		if !isDocumentLink(anchor.Href) || seen[anchor.Href] {
			continue
		}
		seen[anchor.Href] = true
		record.Attachments = append(record.Attachments, sources.Attachment{Name: anchor.Name, URI: anchor.Href})
	}
	return record, nil
}

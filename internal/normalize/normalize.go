// Package normalize maps connector records onto the canonical bid schema.
// Every function here is pure.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/sources"
	"bidaggregator/internal/sources/pportal"
	"bidaggregator/lib/textutil"
)

// fieldTable names the connector fields feeding each canonical field.
type fieldTable struct {
	caseNumber      string
	title           string
	organization    string
	orgCode         string
	procurementType string
	itemCategory    string
	published       string
	deadline        []string
	detailURL       string
	description     string
	region          []string
}

var apiFields = fieldTable{
	caseNumber:      "Key",
	title:           "ProjectName",
	organization:    "OrganizationName",
	orgCode:         "LgCode",
	procurementType: "ProcedureType",
	itemCategory:    "Category",
	published:       "CftIssueDate",
	deadline:        []string{"PeriodEndTime", "TenderSubmissionDeadline"},
	detailURL:       "ExternalDocumentURI",
	description:     "ProjectDescription",
	region:          []string{"PrefectureName", "CityName"},
}

var scrapeFields = fieldTable{
	caseNumber:      pportal.FieldCaseNumber,
	title:           pportal.FieldTitle,
	organization:    pportal.FieldOrganization,
	procurementType: pportal.FieldCategory,
	itemCategory:    pportal.FieldItemCategory,
	published:       pportal.FieldPublishStart,
	deadline:        []string{pportal.FieldDeadline, pportal.FieldPublishEnd},
	detailURL:       pportal.FieldDetailURL,
	description:     pportal.FieldDescription,
}

// portal case numbers are long digit strings, anything else is a display
// artifact and cannot be trusted as a key
var scrapeCaseNumberRegex = regexp.MustCompile(`^[0-9]{8,}$`)

type Normalizer struct {
	loc *time.Location
}

// New creates a normalizer interpreting zone-less dates in loc.
func New(loc *time.Location) Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return Normalizer{loc: loc}
}

// Normalize converts one record. Unparsable optional fields are dropped.
// Records that cannot be identified return *bid.RejectedError.
func (n Normalizer) Normalize(raw sources.RawRecord, kind bid.SourceKind) (bid.Bid, error) {
	var table fieldTable
	switch kind {
	case bid.SourceAPI:
		table = apiFields
	case bid.SourceScrape:
		table = scrapeFields
	default:
		return bid.Bid{}, &bid.RejectedError{Reason: "no field table for source " + string(kind)}
	}

	get := func(field string) string {
		if field == "" {
			return ""
		}
		return textutil.Normalize(raw.Get(field))
	}

	out := bid.Bid{
		Source:          kind,
		Title:           get(table.title),
		Organization:    get(table.organization),
		OrgCode:         get(table.orgCode),
		ProcurementType: get(table.procurementType),
		ItemCategory:    get(table.itemCategory),
		DetailURL:       strings.TrimSpace(raw.Get(table.detailURL)),
		Description:     get(table.description),
	}

	published, publishedOK := n.ParseDate(raw.Get(table.published))
	if publishedOK {
		out.PublishedDate = published
	}
	for _, field := range table.deadline {
		if deadline, ok := n.ParseDate(raw.Get(field)); ok {
			out.Deadline = &deadline
			break
		}
	}

	if out.Title == "" && out.Organization == "" && !publishedOK {
		return bid.Bid{}, &bid.RejectedError{Reason: "title, organization and published date are all missing"}
	}
	if out.Title == "" {
		return bid.Bid{}, &bid.RejectedError{Reason: "title is missing"}
	}
	if out.Organization == "" {
		out.Organization = bid.UnknownOrganization
	}

	var region []string
	for _, field := range table.region {
		if v := get(field); v != "" {
			region = append(region, v)
		}
	}
	out.Region = strings.Join(region, " ")

	caseNumber := get(table.caseNumber)
	if kind == bid.SourceScrape {
		if !scrapeCaseNumberRegex.MatchString(caseNumber) {
			caseNumber = ""
		}
		if out.OrgCode == "" {
			out.OrgCode = MatchOrgCode(out.Organization)
		}
	}
	out.CaseNumber = caseNumber

	seen := map[string]bool{}
	for _, a := range raw.Attachments {
		uri := strings.TrimSpace(a.URI)
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		out.DocumentURLs = append(out.DocumentURLs, uri)
	}

	out.RawFingerprint = Fingerprint(out)
	return out, nil
}

// Fingerprint hashes the fixed identifying subset of a bid. Parts are
// normalized and pipe-escaped before joining.
func Fingerprint(b bid.Bid) string {
	published := ""
	if !b.PublishedDate.IsZero() {
		published = b.PublishedDate.Format(bid.DateLayout)
	}
	parts := []string{
		string(b.Source),
		b.Title,
		b.Organization,
		published,
		b.DetailURL,
	}
	for i, p := range parts {
		parts[i] = textutil.EscapePipe(textutil.Normalize(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// NeedsDetail reports whether a listing record lacks fields only the
// detail page can supply.
func NeedsDetail(raw sources.RawRecord) bool {
	if raw.Get(pportal.FieldDetailURL) == "" {
		return false
	}
	return raw.Get(pportal.FieldPublishEnd) == "" ||
		raw.Get(pportal.FieldPublishStart) == "" ||
		raw.Get(pportal.FieldOrganization) == ""
}

// MergeDetail fills the listing record with detail fields. Values present
// in the listing win except for the deadline, which the detail page states
// more precisely.
func MergeDetail(listing, detail sources.RawRecord) sources.RawRecord {
	fields := make(map[string]string, len(listing.Fields)+len(detail.Fields))
	for k, v := range listing.Fields {
		fields[k] = v
	}
	for k, v := range detail.Fields {
		if v == "" {
			continue
		}
		if _, ok := fields[k]; ok && k != pportal.FieldDeadline {
			continue
		}
		fields[k] = v
	}
	out := sources.RawRecord{
		Fields:      fields,
		PageID:      listing.PageID,
		Attachments: append(append([]sources.Attachment(nil), listing.Attachments...), detail.Attachments...),
	}
	return out
}

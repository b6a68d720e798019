package kkj

import (
	"strings"

	"bidaggregator/internal/sources"
)

type response struct {
	Error         string `xml:"Error"`
	Version       string `xml:"Version"`
	SearchResults struct {
		SearchHits int            `xml:"SearchHits"`
		Results    []searchResult `xml:"SearchResult"`
	} `xml:"SearchResults"`
}

type attachment struct {
	Name string `xml:"Name"`
	URI  string `xml:"Uri"`
}

type searchResult struct {
	ResultID                 string       `xml:"ResultId"`
	Key                      string       `xml:"Key"`
	ExternalDocumentURI      string       `xml:"ExternalDocumentURI"`
	ProjectName              string       `xml:"ProjectName"`
	Date                     string       `xml:"Date"`
	LgCode                   string       `xml:"LgCode"`
	PrefectureName           string       `xml:"PrefectureName"`
	CityCode                 string       `xml:"CityCode"`
	CityName                 string       `xml:"CityName"`
	OrganizationName         string       `xml:"OrganizationName"`
	Certification            string       `xml:"Certification"`
	CftIssueDate             string       `xml:"CftIssueDate"`
	PeriodEndTime            string       `xml:"PeriodEndTime"`
	Category                 string       `xml:"Category"`
	ProcedureType            string       `xml:"ProcedureType"`
	Location                 string       `xml:"Location"`
	TenderSubmissionDeadline string       `xml:"TenderSubmissionDeadline"`
	OpeningTendersEvent      string       `xml:"OpeningTendersEvent"`
	ItemCode                 string       `xml:"ItemCode"`
	ProjectDescription       string       `xml:"ProjectDescription"`
	Attachments              []attachment `xml:"Attachments>Attachment"`
}

func (r searchResult) toRaw(pageID string) sources.RawRecord {
	fields := map[string]string{
		"ResultId":                 r.ResultID,
		"Key":                      r.Key,
		"ExternalDocumentURI":      r.ExternalDocumentURI,
		"ProjectName":              r.ProjectName,
		"Date":                     r.Date,
		"LgCode":                   r.LgCode,
		"PrefectureName":           r.PrefectureName,
		"CityCode":                 r.CityCode,
		"CityName":                 r.CityName,
		"OrganizationName":         r.OrganizationName,
		"Certification":            r.Certification,
		"CftIssueDate":             r.CftIssueDate,
		"PeriodEndTime":            r.PeriodEndTime,
		"Category":                 r.Category,
		"ProcedureType":            r.ProcedureType,
		"Location":                 r.Location,
		"TenderSubmissionDeadline": r.TenderSubmissionDeadline,
		"OpeningTendersEvent":      r.OpeningTendersEvent,
		"ItemCode":                 r.ItemCode,
		"ProjectDescription":       r.ProjectDescription,
	}
	for k, v := range fields {
		v = strings.TrimSpace(v)
		if v == "" {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}

	out := sources.RawRecord{Fields: fields, PageID: pageID}
	for _, a := range r.Attachments {
		if strings.TrimSpace(a.URI) == "" {
			continue
		}
		out.Attachments = append(out.Attachments, sources.Attachment{
			Name: strings.TrimSpace(a.Name),
			URI:  strings.TrimSpace(a.URI),
		})
	}
	return out
}

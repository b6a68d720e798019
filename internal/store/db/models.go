package db

import (
	"database/sql"
)

type Bid struct {
	ID              int64
	Source          string
	NaturalKey      string
	CaseNumber      sql.NullString
	Title           string
	Organization    string
	OrgCode         sql.NullString
	ProcurementType sql.NullString
	ItemCategory    sql.NullString
	PublishedDate   sql.NullString
	Deadline        sql.NullString
	DetailUrl       sql.NullString
	DocumentUrls    string
	Region          sql.NullString
	Description     sql.NullString
	RawFingerprint  string
	FirstSeenAt     int64
	LastSeenAt      int64
}

type Award struct {
	CaseNumber      string
	Title           string
	AwardDate       sql.NullString
	AwardAmount     int64
	ProcurementType sql.NullString
	OrgCode         sql.NullString
	WinnerName      sql.NullString
	CorporateNumber sql.NullString
	FirstSeenAt     int64
	LastSeenAt      int64
}

type Checkpoint struct {
	Source    string
	QueryKey  string
	RangeFrom string
	RangeEnd  string
	UpdatedAt int64
}

type SavedSearch struct {
	ID        int64
	Name      string
	Predicate string
	Schedule  string
	OnlyNew   bool
	Enabled   bool
	LastRunAt sql.NullInt64
	CreatedAt int64
	UpdatedAt int64
}

type SavedSearchRun struct {
	ID                int64
	SavedSearchID     int64
	PredicateSnapshot string
	RunAt             int64
	HitCount          int64
	Status            string
	ErrorMessage      sql.NullString
	NotifiedChannels  sql.NullString
	NotifyStatus      sql.NullString
	NotifyError       sql.NullString
}

type SavedSearchNotification struct {
	ID               int64
	SavedSearchRunID int64
	Channel          string
	Recipient        string
	Status           string
	AttemptCount     int64
	LastAttemptAt    int64
	ErrorMessage     sql.NullString
	DedupeKey        string
}

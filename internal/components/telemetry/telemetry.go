// Package telemetry is the reporting surface shared by connectors, the
// ingest pipeline and the saved-search matcher. Components never log
// directly, they report against an API so tests can swap in a Recorder.
package telemetry

import "strings"

// API reports events by component id.
//
// Ids name the component and operation that produced the event, for example
// "connector.fetch-page" or "pipeline.upsert". They are lowercase, dots
// separate a component from its operation and dashes join words. Package
// names are added by ScopedAPI, so callers only pass the local part.
type API interface {
	// ReportBroken reports a failure that lost data or skipped work, such as
	// a connector error or a failed upsert.
	ReportBroken(id string, params ...any)
	// ReportWarning reports something that needs a look but did not stop
	// the run, such as a rejected record or a capped range.
	ReportWarning(id string, params ...any)
	ReportDebug(msg string, params ...any)
	// ReportCount reports a per-run total. Counts are samples, not deltas.
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id with a namespace path.
type ScopedAPI struct {
	path  []string
	inner API
}

// NewScopedAPI scopes inner under namespace. Scoping a ScopedAPI again
// extends its path instead of nesting prefixes, so
// NewScopedAPI("kkj", NewScopedAPI("ingest", api)) reports "ingest.kkj: id".
func NewScopedAPI(namespace string, inner API) ScopedAPI {
	if parent, ok := inner.(ScopedAPI); ok {
		path := append(append([]string{}, parent.path...), namespace)
		return ScopedAPI{path: path, inner: parent.inner}
	}
	return ScopedAPI{path: []string{namespace}, inner: inner}
}

// Namespace returns the dotted scope path.
func (s ScopedAPI) Namespace() string {
	return strings.Join(s.path, ".")
}

func (s ScopedAPI) id(local string) string {
	return s.Namespace() + ": " + local
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.id(id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.id(id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.id(msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.id(id), count)
}

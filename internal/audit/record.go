// Package audit emits one record per audited API call, fanned out to
// independently filtered sinks. Audit failures are logged and never surface
// to the caller.
package audit

import (
	"context"
	"log/slog"

	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// Event types of audit records.
const (
	TypeValid = "audit-log/pryv-api"
	TypeError = "audit-log/pryv-api-error"
)

// Source identifies the caller of the audited method.
type Source struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// ResourceRef ties the audit record to the integrity digest of the resource
// the call created or modified.
type ResourceRef struct {
	Integrity string `json:"integrity"`
	Key       string `json:"key"`
}

// Record is one audited call.
type Record struct {
	UserID   string
	Username string
	AccessID string
	Action   string // dotted method name
	Query    map[string]any
	Source   Source

	// Error fields; empty for successful calls.
	ErrorID      string
	ErrorMessage string

	Resource *ResourceRef
}

// EventType returns the audit event type for the record.
func (r *Record) EventType() string {
	if r.ErrorID != "" {
		return TypeError
	}
	return TypeValid
}

// Content builds the content payload stored and templated by the sinks.
func (r *Record) Content() map[string]any {
	content := map[string]any{
		"action": r.Action,
		"source": map[string]any{"name": r.Source.Name, "ip": r.Source.IP},
	}
	if r.Query != nil {
		content["query"] = r.Query
	}
	if r.ErrorID != "" {
		content["id"] = r.ErrorID
		content["message"] = r.ErrorMessage
	}
	if r.Resource != nil {
		content["record"] = map[string]any{
			"integrity": r.Resource.Integrity,
			"key":       r.Resource.Key,
		}
	}
	return content
}

// Sink persists audit records.
type Sink interface {
	Write(ctx context.Context, r *Record) error
	Close() error
}

type filteredSink struct {
	sink   Sink
	filter *Filter
}

// Recorder fans records out to the configured sinks.
type Recorder struct {
	log   *slog.Logger
	sinks []filteredSink
}

// NewRecorder creates a recorder with no sinks.
func NewRecorder(logger *slog.Logger) *Recorder {
	return &Recorder{log: logger.With("component", "audit")}
}

// AddSink registers a sink behind its filter.
func (rec *Recorder) AddSink(s Sink, f *Filter) {
	rec.sinks = append(rec.sinks, filteredSink{sink: s, filter: f})
}

// Record writes the record to every sink whose filter admits the method.
// Sink errors are logged, never returned.
func (rec *Recorder) Record(ctx context.Context, r *Record) {
	for _, fs := range rec.sinks {
		if !fs.filter.IsAudited(r.Action) {
			continue
		}
		if err := fs.sink.Write(ctx, r); err != nil {
			rec.log.Error("audit sink write failed",
				"action", r.Action, "userId", r.UserID, "error", err)
		}
	}
}

// Close closes every sink.
func (rec *Recorder) Close() error {
	var firstErr error
	for _, fs := range rec.sinks {
		if err := fs.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AccessStreamID returns the store-local audit stream id for an access.
func AccessStreamID(accessID string) string { return "access-" + accessID }

// ActionStreamID returns the store-local audit stream id for a method.
func ActionStreamID(method string) string { return "action-" + method }

// newRecordEvent builds the event form of a record for the storage sink.
func newRecordEvent(r *Record) *storage.Event {
	now := storage.NowSeconds()
	return &storage.Event{
		ID:         storage.NewID(),
		StreamIDs:  []string{AccessStreamID(r.AccessID), ActionStreamID(r.Action)},
		Type:       r.EventType(),
		Content:    r.Content(),
		Time:       now,
		Created:    now,
		CreatedBy:  "system",
		Modified:   now,
		ModifiedBy: "system",
	}
}

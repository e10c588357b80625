package audit

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

func TestFilterExpansion(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		method  string
		want    bool
	}{
		{"empty includes everything", nil, nil, "events.get", true},
		{"class include hits member", []string{"events.all"}, nil, "events.create", true},
		{"class include misses other class", []string{"events.all"}, nil, "auth.login", false},
		{"exclude wins over class include", []string{"events.all"}, []string{"events.get"}, "events.get", false},
		{"class include minus exclude keeps rest", []string{"events.all"}, []string{"events.get"}, "events.create", true},
		{"all token", []string{"all"}, nil, "anything.here", true},
		{"exclude class", []string{"all"}, []string{"auth.all"}, "auth.login", false},
		{"exact include", []string{"streams.update"}, nil, "streams.update", true},
		{"exact include misses sibling", []string{"streams.update"}, nil, "streams.get", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(tt.include, tt.exclude)
			if got := f.IsAudited(tt.method); got != tt.want {
				t.Errorf("IsAudited(%s) = %v, want %v", tt.method, got, tt.want)
			}
		})
	}
}

type bufferLineWriter struct {
	lines      []string
	severities []string
}

func (b *bufferLineWriter) WriteLine(severity, line string) error {
	b.severities = append(b.severities, severity)
	b.lines = append(b.lines, line)
	return nil
}

func (b *bufferLineWriter) Close() error { return nil }

func TestSyslogTemplate(t *testing.T) {
	r := &Record{
		Username: "alice",
		AccessID: "a1",
		Action:   "events.create",
		Source:   Source{Name: "http", IP: "10.0.0.1"},
	}

	line := FormatLine("{userid} did {content.action} from {content.source.ip}", r)
	if line != "alice did events.create from 10.0.0.1" {
		t.Errorf("FormatLine: %q", line)
	}

	// Unresolved placeholders stay verbatim.
	line = FormatLine("{userid} {content.nope} {bogus}", r)
	if line != "alice {content.nope} {bogus}" {
		t.Errorf("unresolved placeholders: %q", line)
	}

	// Objects are JSON-encoded.
	line = FormatLine("{content.source}", r)
	if !strings.Contains(line, `"ip":"10.0.0.1"`) {
		t.Errorf("object placeholder: %q", line)
	}
}

func TestSyslogSinkSeverity(t *testing.T) {
	buf := &bufferLineWriter{}
	sink := NewSyslogSink(buf, SyslogConfig{Severity: "notice"})

	ok := &Record{Username: "alice", Action: "events.get"}
	failed := &Record{Username: "alice", Action: "events.get", ErrorID: "forbidden", ErrorMessage: "no"}
	if err := sink.Write(context.Background(), ok); err != nil {
		t.Fatal(err)
	}
	if err := sink.Write(context.Background(), failed); err != nil {
		t.Fatal(err)
	}

	if buf.severities[0] != "notice" || buf.severities[1] != "error" {
		t.Errorf("severities: %v", buf.severities)
	}
	if !strings.Contains(buf.lines[1], "forbidden") {
		t.Errorf("error line lacks error id: %q", buf.lines[1])
	}
}

func TestStorageSinkRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	r := &Record{
		UserID:   "u1",
		Username: "alice",
		AccessID: "a1",
		Action:   "events.create",
		Query:    map[string]any{"streams": []string{"diary"}},
		Source:   Source{Name: "http", IP: "10.0.0.1"},
		Resource: &ResourceRef{Integrity: "EVENT:0:sha256-xxx", Key: "EVENT"},
	}
	if err := store.Write(ctx, r); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Read back through the store query path, by access stream.
	events, err := store.GetEvents(ctx, "u1", storage.EventsQuery{
		Streams: []storage.StreamQueryBlock{{Any: []string{AccessStreamID("a1")}}},
	})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Type != TypeValid {
		t.Errorf("type: %q", e.Type)
	}
	content := e.Content.(map[string]any)
	if content["action"] != "events.create" {
		t.Errorf("content.action: %v", content["action"])
	}
	record := content["record"].(map[string]any)
	if record["integrity"] != "EVENT:0:sha256-xxx" || record["key"] != "EVENT" {
		t.Errorf("content.record: %v", record)
	}

	// By action stream too.
	events, err = store.GetEvents(ctx, "u1", storage.EventsQuery{
		Streams: []storage.StreamQueryBlock{{Any: []string{ActionStreamID("events.create")}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("by action stream: got %d events", len(events))
	}

	// The store is append-only.
	if err := store.DeleteEvent(ctx, "u1", e.ID); err == nil {
		t.Error("DeleteEvent must be rejected")
	}
}

func TestRecorderFanOut(t *testing.T) {
	rec := NewRecorder(slog.Default())

	buf := &bufferLineWriter{}
	rec.AddSink(NewSyslogSink(buf, SyslogConfig{}), NewFilter([]string{"events.all"}, []string{"events.get"}))

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec.AddSink(store, NewFilter([]string{"events.all"}, []string{"events.get"}))
	t.Cleanup(func() { rec.Close() })

	ctx := context.Background()
	for _, action := range []string{"events.get", "events.create", "auth.login"} {
		rec.Record(ctx, &Record{UserID: "u1", Username: "alice", AccessID: "a1", Action: action})
	}

	// Only events.create passes the filter, on both sinks.
	if len(buf.lines) != 1 || !strings.Contains(buf.lines[0], "events.create") {
		t.Errorf("syslog sink lines: %v", buf.lines)
	}
	events, err := store.GetEvents(ctx, "u1", storage.EventsQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("storage sink: got %d events, want 1", len(events))
	}
	if events[0].Content.(map[string]any)["action"] != "events.create" {
		t.Errorf("recorded action: %v", events[0].Content)
	}
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/syslog"
	"regexp"
	"strings"
)

// Severity levels accepted in the syslog sink configuration.
var severities = map[string]syslog.Priority{
	"emerg":    syslog.LOG_EMERG,
	"alert":    syslog.LOG_ALERT,
	"critical": syslog.LOG_CRIT,
	"error":    syslog.LOG_ERR,
	"warning":  syslog.LOG_WARNING,
	"notice":   syslog.LOG_NOTICE,
}

// LineWriter receives formatted syslog lines. The production implementation
// wraps the system logger; tests substitute a buffer.
type LineWriter interface {
	WriteLine(severity string, line string) error
	Close() error
}

// SyslogConfig configures the syslog sink.
type SyslogConfig struct {
	// Template formats the line. Placeholders are "{userid}" and dotted
	// paths into the record content such as "{content.message}"; unresolved
	// placeholders stay verbatim, objects are JSON-encoded.
	Template string
	// Severity for successful calls; errors always log as "error".
	Severity string
}

// DefaultSyslogTemplate is used when no template is configured.
const DefaultSyslogTemplate = "{userid} {content.action} {content}"

// SyslogSink formats records into syslog lines.
type SyslogSink struct {
	w        LineWriter
	template string
	severity string
}

// NewSyslogSink creates the sink over the given writer.
func NewSyslogSink(w LineWriter, cfg SyslogConfig) *SyslogSink {
	if cfg.Template == "" {
		cfg.Template = DefaultSyslogTemplate
	}
	if _, ok := severities[cfg.Severity]; !ok {
		cfg.Severity = "notice"
	}
	return &SyslogSink{w: w, template: cfg.Template, severity: cfg.Severity}
}

func (s *SyslogSink) Write(_ context.Context, r *Record) error {
	severity := s.severity
	if r.ErrorID != "" {
		severity = "error"
	}
	return s.w.WriteLine(severity, FormatLine(s.template, r))
}

func (s *SyslogSink) Close() error { return s.w.Close() }

var placeholderPattern = regexp.MustCompile(`\{[A-Za-z0-9_.-]+\}`)

// FormatLine resolves the template's placeholders against the record.
func FormatLine(template string, r *Record) string {
	scope := map[string]any{
		"userid":  r.Username,
		"content": r.Content(),
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(ph string) string {
		path := strings.Split(ph[1:len(ph)-1], ".")
		v, ok := lookupPath(scope, path)
		if !ok {
			return ph
		}
		switch x := v.(type) {
		case string:
			return x
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return ph
			}
			return string(b)
		}
	})
}

func lookupPath(scope map[string]any, path []string) (any, bool) {
	var v any = scope
	for _, seg := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// systemLineWriter sends lines to the local syslog daemon.
type systemLineWriter struct {
	writers map[string]*syslog.Writer
	tag     string
}

// NewSystemLineWriter connects to the local syslog daemon under the given
// tag.
func NewSystemLineWriter(tag string) (LineWriter, error) {
	return &systemLineWriter{writers: make(map[string]*syslog.Writer), tag: tag}, nil
}

func (w *systemLineWriter) WriteLine(severity, line string) error {
	priority, ok := severities[severity]
	if !ok {
		priority = syslog.LOG_NOTICE
	}
	sw, ok := w.writers[severity]
	if !ok {
		var err error
		sw, err = syslog.New(syslog.LOG_DAEMON|priority, w.tag)
		if err != nil {
			return fmt.Errorf("open syslog: %w", err)
		}
		w.writers[severity] = sw
	}
	_, err := fmt.Fprint(sw, line)
	return err
}

func (w *systemLineWriter) Close() error {
	var firstErr error
	for _, sw := range w.writers {
		if err := sw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

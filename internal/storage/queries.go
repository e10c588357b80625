package storage

import (
	"math"
	"strings"
)

// StreamsQuery selects streams within one store. IDs are store-local.
type StreamsQuery struct {
	// ID selects a single subtree; "*" selects the whole forest.
	ID string
	// ParentID limits the result to the children of one stream; "*" means
	// the root level.
	ParentID string
	// ExpandChildren includes the descendants of matched streams.
	ExpandChildren bool
	// ExcludeIDs prunes the listed subtrees from the result.
	ExcludeIDs []string
	// IncludeTrashed includes trashed streams.
	IncludeTrashed bool
	// IncludeDeletionsSince adds deletion stubs with deleted >= the given
	// timestamp. Nil disables deletions.
	IncludeDeletionsSince *float64
}

// StreamQueryBlock is one AND-block of an events stream query: the event must
// be in at least one stream of Any, in all streams of All and in no stream of
// Not. IDs are store-local.
type StreamQueryBlock struct {
	Any []string `json:"any"`
	All []string `json:"all,omitempty"`
	Not []string `json:"not,omitempty"`
}

// EventsQuery selects events within one store. The blocks are OR-ed.
type EventsQuery struct {
	Streams []StreamQueryBlock
	// Types filters on event types; a "class/*" entry matches every
	// subtype of the class.
	Types []string
	// FromTime/ToTime select the three OR-ed ranges described by the API:
	// started before fromTime but ending inside, fully inside, and running
	// (open-ended when toTime reaches now).
	FromTime *float64
	ToTime   *float64
	// Running selects only open-interval events when true.
	Running bool
	// ModifiedSince selects events modified at or after the timestamp.
	ModifiedSince *float64
	// IncludeDeletions adds deletion stubs (requires ModifiedSince).
	IncludeDeletions bool
	// IncludeTrashed includes trashed events.
	IncludeTrashed bool
	// SortAscending orders by ascending time instead of the default
	// descending order.
	SortAscending bool
}

// MatchesType reports whether the event type matches the query's Types
// filter, honoring the "class/*" wildcard.
func (q *EventsQuery) MatchesType(eventType string) bool {
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if t == eventType {
			return true
		}
		if class, ok := strings.CutSuffix(t, "/*"); ok {
			if strings.HasPrefix(eventType, class+"/") {
				return true
			}
		}
	}
	return false
}

// MatchesStreams reports whether an event carrying streamIDs satisfies the
// OR-ed AND-blocks. An empty query matches everything.
func (q *EventsQuery) MatchesStreams(streamIDs []string) bool {
	if len(q.Streams) == 0 {
		return true
	}
	in := make(map[string]bool, len(streamIDs))
	for _, id := range streamIDs {
		in[id] = true
	}
	for _, block := range q.Streams {
		if block.matches(in) {
			return true
		}
	}
	return false
}

func (b *StreamQueryBlock) matches(in map[string]bool) bool {
	anyOK := len(b.Any) == 0
	for _, id := range b.Any {
		if id == "*" || in[id] {
			anyOK = true
			break
		}
	}
	if !anyOK {
		return false
	}
	for _, id := range b.All {
		if !in[id] {
			return false
		}
	}
	for _, id := range b.Not {
		if in[id] {
			return false
		}
	}
	return true
}

// MatchesTime reports whether an event with the given interval satisfies the
// query's time selection: started before fromTime but ending in range, lying
// inside the range, or still running when the range extends to now.
func (q *EventsQuery) MatchesTime(ev *Event, now float64) bool {
	if q.FromTime == nil && q.ToTime == nil {
		return true
	}
	from := math.Inf(-1)
	if q.FromTime != nil {
		from = *q.FromTime
	}
	to := math.Inf(1)
	if q.ToTime != nil {
		to = *q.ToTime
	}
	// Running events never end; they count only when the selection reaches
	// the present.
	if ev.Running {
		return to >= now-timeEpsilon
	}
	// Inside, or started before from but ending within.
	return ev.Time <= to && ev.EndTime() >= from
}

const timeEpsilon = 1.0

// MatchesEventQuery combines the non-SQL filters: trashed, running, type,
// stream membership and time selection. Deletion stubs are the caller's
// concern.
func MatchesEventQuery(e *Event, q *EventsQuery, now float64) bool {
	if e.Trashed && !q.IncludeTrashed {
		return false
	}
	if q.Running && !e.Running {
		return false
	}
	if !q.MatchesType(e.Type) {
		return false
	}
	if !q.MatchesStreams(e.StreamIDs) {
		return false
	}
	return q.MatchesTime(e, now)
}

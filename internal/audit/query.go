package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// QueryFilter selects entries from an audit log.
// Zero-value fields match everything.
type QueryFilter struct {
	SessionID string
	BatchID   string
	IntentID  string
	Event     Event
	From      time.Time
	To        time.Time
}

// QuerySummary aggregates counts over the matched entries.
type QuerySummary struct {
	Total      int            `json:"total"`
	ByEvent    map[Event]int  `json:"by_event"`
	ByDecision map[string]int `json:"by_decision"`
	Flagged    int            `json:"flagged"`
	First      string         `json:"first,omitempty"`
	Last       string         `json:"last,omitempty"`
}

// QueryResult holds matched entries plus their summary.
type QueryResult struct {
	Entries []AuditEntry `json:"entries"`
	Summary QuerySummary `json:"summary"`
}

// Query reads an audit log and returns entries matching the filter.
// Malformed lines are skipped: querying is a read path and must not
// fail on a partially written tail.
func Query(path string, filter QueryFilter) (*QueryResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &QueryResult{
		Summary: QuerySummary{
			ByEvent:    make(map[Event]int),
			ByDecision: make(map[string]int),
		},
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !matches(&entry, filter) {
			continue
		}
		result.Entries = append(result.Entries, entry)

		s := &result.Summary
		s.Total++
		s.ByEvent[entry.Event]++
		if entry.Decision != "" {
			s.ByDecision[string(entry.Decision)]++
		}
		if entry.Flagged {
			s.Flagged++
		}
		if s.First == "" {
			s.First = entry.Timestamp
		}
		s.Last = entry.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return result, nil
}

func matches(e *AuditEntry, f QueryFilter) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.BatchID != "" && e.BatchID != f.BatchID {
		return false
	}
	if f.IntentID != "" && e.IntentID != f.IntentID {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

// ByIntent returns all entries correlated with a single intent,
// in log order.
func ByIntent(path, intentID string) ([]AuditEntry, error) {
	res, err := Query(path, QueryFilter{IntentID: intentID})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Tail returns the last n entries of the log.
func Tail(path string, n int) ([]AuditEntry, error) {
	res, err := Query(path, QueryFilter{})
	if err != nil {
		return nil, err
	}
	entries := res.Entries
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

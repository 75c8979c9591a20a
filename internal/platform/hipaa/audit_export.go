package hipaa

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ExportFormat names an audit export encoding.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
)

// ErrUnsupportedFormat is returned for an unknown export format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// ParseExportFormat validates a format name. Empty means JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "":
		return ExportJSON, nil
	case ExportCSV, ExportJSON:
		return ExportFormat(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	if f == ExportCSV {
		return "text/csv"
	}
	return "application/json"
}

// AuditSummary aggregates a set of audit entries.
type AuditSummary struct {
	TotalEntries   int            `json:"totalEntries"`
	ByEventType    map[string]int `json:"byEventType"`
	ByAction       map[string]int `json:"byAction"`
	ByResourceType map[string]int `json:"byResourceType"`
	ByOutcome      map[string]int `json:"byOutcome"`
	ByUser         map[string]int `json:"byUser"`
	TimeRange      struct {
		First time.Time `json:"first"`
		Last  time.Time `json:"last"`
	} `json:"timeRange"`
}

// SummarizeAuditEntries counts entries by type, action, resource, outcome
// and user. Entries without a resource type are not counted under one.
func SummarizeAuditEntries(entries []AuditEntry) AuditSummary {
	s := AuditSummary{
		TotalEntries:   len(entries),
		ByEventType:    make(map[string]int),
		ByAction:       make(map[string]int),
		ByResourceType: make(map[string]int),
		ByOutcome:      make(map[string]int),
		ByUser:         make(map[string]int),
	}
	for i, e := range entries {
		s.ByEventType[string(e.EventType)]++
		s.ByAction[e.Action]++
		if e.ResourceType != "" {
			s.ByResourceType[e.ResourceType]++
		}
		s.ByOutcome[string(e.Outcome)]++
		s.ByUser[e.UserID]++

		if i == 0 || e.Timestamp.Before(s.TimeRange.First) {
			s.TimeRange.First = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(s.TimeRange.Last) {
			s.TimeRange.Last = e.Timestamp
		}
	}
	return s
}

var auditCSVHeader = []string{
	"ID", "Timestamp", "EventType", "UserID", "PatientID", "Action", "Outcome",
	"ResourceType", "ResourceID", "IPAddress", "UserAgent", "SessionID", "Details",
}

// WriteAuditExport encodes entries to w in the given format.
func WriteAuditExport(w io.Writer, format ExportFormat, entries []AuditEntry) error {
	switch format {
	case ExportCSV:
		return writeAuditCSV(w, entries)
	case ExportJSON:
		return writeAuditJSON(w, entries)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func writeAuditCSV(w io.Writer, entries []AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(auditCSVHeader); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}
	for _, e := range entries {
		details := ""
		if len(e.Details) > 0 {
			b, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("audit export csv: encode details of %s: %w", e.ID, err)
			}
			details = string(b)
		}
		record := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.EventType),
			e.UserID,
			e.PatientID,
			e.Action,
			string(e.Outcome),
			e.ResourceType,
			e.ResourceID,
			e.IPAddress,
			e.UserAgent,
			e.SessionID,
			details,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeAuditJSON(w io.Writer, entries []AuditEntry) error {
	if entries == nil {
		entries = []AuditEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}
	return nil
}

package models

import "time"

// Issue categories produced by the consistency reconciler.
const (
	IssueInconsistent   = "inconsistent"    // record completed, derived file missing
	IssueOrphanedRecord = "orphaned_record" // record pending, original missing
	IssueOrphanedFile   = "orphaned_file"   // storage object with no owning record
)

// ConsistencyIssue describes a single divergence between the metadata
// store and the object store.
type ConsistencyIssue struct {
	Category    string   `json:"category"`
	PhotoID     string   `json:"photo_id,omitempty"`
	Key         string   `json:"key,omitempty"`
	MissingKeys []string `json:"missing_keys,omitempty"`
	Repaired    bool     `json:"repaired"`
}

// ConsistencyReport aggregates one reconciler run. It is ephemeral:
// returned to the caller and attached to alerts, never persisted.
type ConsistencyReport struct {
	AlbumID       string             `json:"album_id,omitempty"`
	Checked       int                `json:"checked"`
	Consistent    int                `json:"consistent"`
	Inconsistent  int                `json:"inconsistent"`
	OrphanRecords int                `json:"orphaned_records"`
	OrphanFiles   int                `json:"orphaned_files"`
	Issues        []ConsistencyIssue `json:"issues,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	Elapsed       time.Duration      `json:"elapsed"`
}

// TotalIssues returns the count across all issue categories.
func (r ConsistencyReport) TotalIssues() int {
	return r.Inconsistent + r.OrphanRecords + r.OrphanFiles
}

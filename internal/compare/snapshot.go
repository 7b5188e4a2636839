package compare

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gyeh/cpt-compare/internal/rates"
)

// Snapshot is the persisted, queryable view of an incremental session:
// exact counts and sums plus the capped sample rows. It is written after
// every committed part, never after a failed one, so a snapshot on disk
// always describes a part boundary.
type Snapshot struct {
	SessionID      string     `json:"session_id"`
	Source1        string     `json:"source1"`
	Source2        string     `json:"source2"`
	CompareRule    rates.Rule `json:"compare_rule"`
	NegotiatedType string     `json:"negotiated_type"`
	ExcludeExpired bool       `json:"exclude_expired"`
	AsOf           string     `json:"as_of"`

	HigherInSource1     []Item     `json:"higher_in_source1"`
	HigherInSource2     []Item     `json:"higher_in_source2"`
	Equal               []Item     `json:"equal"`
	OnlyInSource1Sample []OnlyItem `json:"only_in_source1_sample"`
	OnlyInSource2Sample []OnlyItem `json:"only_in_source2_sample"`

	OnlyInSource1Count         int     `json:"only_in_source1_count"`
	OnlyInSource2Count         int     `json:"only_in_source2_count"`
	TotalCompared              int     `json:"total_compared"`
	TotalSource1Count          int     `json:"total_source1_count"`
	TotalSource2               int     `json:"total_source2"`
	HigherInSource1Count       int     `json:"higher_in_source1_count"`
	HigherInSource2Count       int     `json:"higher_in_source2_count"`
	EqualCount                 int     `json:"equal_count"`
	TotalHigherInSource1Amount float64 `json:"total_higher_in_source1_amount"`
	TotalHigherInSource2Amount float64 `json:"total_higher_in_source2_amount"`

	PartsProcessed int    `json:"parts_processed"`
	LastPart       string `json:"last_part"`
	UpdatedAt      int64  `json:"updated_at"`
	Incremental    bool   `json:"incremental"`
}

func snapshotPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".json")
}

// SaveSnapshot writes the snapshot under dir, keyed by session id. The write
// goes through a temp file and rename so a crash never leaves a torn
// snapshot behind.
func SaveSnapshot(dir string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", snap.SessionID, err)
	}
	tmp := snapshotPath(dir, snap.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", snap.SessionID, err)
	}
	if err := os.Rename(tmp, snapshotPath(dir, snap.SessionID)); err != nil {
		return fmt.Errorf("publishing snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

// LoadSnapshot reads a persisted snapshot, used to answer status queries for
// sessions whose in-memory state did not survive a restart. Returns
// ErrSessionNotFound when no snapshot exists.
func LoadSnapshot(dir, sessionID string) (*Snapshot, error) {
	data, err := os.ReadFile(snapshotPath(dir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", sessionID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", sessionID, err)
	}
	return &snap, nil
}

// DeleteSnapshot removes a persisted snapshot, best effort.
func DeleteSnapshot(dir, sessionID string) {
	_ = os.Remove(snapshotPath(dir, sessionID))
}

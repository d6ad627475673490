// Package invalidation defines the table-change events that invalidate
// cached query results.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event announces that rows of Table changed. Version is an optional
// monotonically increasing table version used to drop replays.
type Event struct {
	Version      int       `json:"version"`
	Op           string    `json:"op"`
	Table        string    `json:"table"`
	TS           time.Time `json:"ts"`
	TableVersion uint64    `json:"table_version,omitempty"`
	Source       string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "truncate", "schema":
	default:
		return fmt.Errorf("op must be insert|update|delete|truncate|schema")
	}
	if strings.TrimSpace(e.Table) == "" {
		return fmt.Errorf("table is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// DedupeKey identifies the table a version number belongs to.
func (e Event) DedupeKey() string {
	return strings.ToLower(strings.TrimSpace(e.Table))
}

// Package model defines core domain types shared across the service.
package model

import (
	"strings"

	"github.com/paulmach/orb"
)

// Polygon is a validated query polygon. GeoJSON holds the canonical
// re-encoded form that is bound into SQL and used for cache keys.
type Polygon struct {
	GeoJSON  string
	Geometry orb.Geometry
}

// TargetSRID is the reference system every returned and published geometry
// is expressed in.
const TargetSRID = 4326

// Row is one matched database row plus the derived "geometry" field
// (GeoJSON text in the target reference system).
type Row map[string]any

// GeometryField is the row key carrying the reprojected GeoJSON geometry.
const GeometryField = "geometry"

type TableResult struct {
	Table string `json:"table"`
	Rows  []Row  `json:"rows"`
}

type TableFailure struct {
	Table string `json:"table"`
	Error string `json:"error"`
}

// Report is the outcome of one cross-table query. A table that matched
// nothing appears in neither Results nor Failures.
type Report struct {
	Results  []TableResult
	Failures []TableFailure
	Tables   int
	ConnErr  error
	Cached   bool
}

// Matched returns the total number of rows across all tables.
func (r Report) Matched() int {
	n := 0
	for _, t := range r.Results {
		n += len(t.Rows)
	}
	return n
}

func (r Report) FailedTables() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Table)
	}
	return out
}

// Complete reports whether every discovered table was queried successfully
// on a live connection.
func (r Report) Complete() bool {
	return r.ConnErr == nil && len(r.Failures) == 0
}

// UploadRequest is the body of /upload_to_arcgis. Groups must match what
// /query_geometries emitted.
type UploadRequest struct {
	Groups  []TableResult `json:"dataframes"`
	Layers  []TableResult `json:"layers,omitempty"`
	Title   string        `json:"title,omitempty"`
	Snippet string        `json:"snippet,omitempty"`
	Tags    string        `json:"tags,omitempty"`
}

// TableGroups returns Groups, falling back to the Layers alias.
func (u UploadRequest) TableGroups() []TableResult {
	if len(u.Groups) > 0 {
		return u.Groups
	}
	return u.Layers
}

func (u UploadRequest) TagList() []string {
	var out []string
	for t := range strings.SplitSeq(u.Tags, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

type PublishedLayer struct {
	Table    string `json:"table"`
	ItemID   string `json:"item_id"`
	URL      string `json:"url"`
	Features int    `json:"features"`
}

type PublishResult struct {
	Status    string           `json:"status"`
	WebMapURL string           `json:"webmap_url"`
	WebMapID  string           `json:"webmap_id,omitempty"`
	Layers    []PublishedLayer `json:"layers"`
}

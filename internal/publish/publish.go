// Package publish republishes query results as hosted feature layers and a
// web map on an ArcGIS portal.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/geometry"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/publish/arcgis"
)

var (
	// ErrInvalidInput means the payload cannot be published; nothing was
	// sent to the portal.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpload means the payload was valid but the portal call failed.
	ErrUpload = errors.New("upload failed")
)

// UploadError is returned when a portal call fails part way. Created lists
// the portal item ids made before the failure so the caller can remove them.
type UploadError struct {
	Step    string
	Created []string
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrUpload, e.Step, e.Err)
}

func (e *UploadError) Unwrap() []error { return []error{ErrUpload, e.Err} }

// Portal is the subset of the arcgis client used here.
type Portal interface {
	AddItem(ctx context.Context, it arcgis.Item) (string, error)
	Publish(ctx context.Context, itemID, name string) (arcgis.Service, error)
	ItemURL(id string) string
}

type Options struct {
	// ExcludeColumns are never copied into feature properties.
	ExcludeColumns []string
	Basemap        arcgis.Basemap
	DedupeSize     int
	DefaultTitle   string
	DefaultSnippet string
	DefaultTags    []string
}

type Service struct {
	portal  Portal
	opts    Options
	exclude map[string]struct{}
	recent  *lru.Cache[uint64, model.PublishResult]
	log     *slog.Logger
	newID   func() string
}

func New(p Portal, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 256
	}
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = "Polygon query results"
	}
	if opts.DefaultSnippet == "" {
		opts.DefaultSnippet = "Geometries intersecting a user-drawn polygon"
	}
	if len(opts.DefaultTags) == 0 {
		opts.DefaultTags = []string{"polygon-query"}
	}
	ex := map[string]struct{}{model.GeometryField: {}, "geom": {}}
	for _, c := range opts.ExcludeColumns {
		ex[c] = struct{}{}
	}
	recent, _ := lru.New[uint64, model.PublishResult](opts.DedupeSize)
	return &Service{
		portal:  p,
		opts:    opts,
		exclude: ex,
		recent:  recent,
		log:     log,
		newID:   func() string { return uuid.NewString() },
	}
}

type prepared struct {
	table    string
	features int
	body     []byte
	extent   orb.Bound
}

// Publish validates every group, uploads one hosted layer per group and
// saves a web map referencing them. Identical payloads seen recently return
// the earlier result.
func (s *Service) Publish(ctx context.Context, req model.UploadRequest) (model.PublishResult, error) {
	groups := req.TableGroups()
	prep, err := s.prepare(groups)
	if err != nil {
		observability.IncPublish("invalid")
		return model.PublishResult{}, err
	}

	key, err := payloadKey(req)
	if err != nil {
		observability.IncPublish("invalid")
		return model.PublishResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if res, ok := s.recent.Get(key); ok {
		observability.IncPublish("deduped")
		s.log.InfoContext(ctx, "identical payload already published", "webmap_id", res.WebMapID)
		return res, nil
	}

	title, snippet, tags := s.meta(req)
	res := model.PublishResult{Status: "success"}
	var layers []arcgis.Layer
	var created []string
	var extent orb.Bound
	for i, p := range prep {
		if i == 0 {
			extent = p.extent
		} else {
			extent = extent.Union(p.extent)
		}
		itemID, err := s.portal.AddItem(ctx, arcgis.Item{
			Title:    p.table,
			Type:     "GeoJson",
			Tags:     tags,
			Snippet:  snippet,
			Extent:   formatExtent(p.extent),
			File:     p.body,
			FileName: p.table + ".geojson",
		})
		if err != nil {
			return s.uploadFailed(ctx, p.table, created, err)
		}
		created = append(created, itemID)
		svc, err := s.portal.Publish(ctx, itemID, s.serviceName(p.table))
		if err != nil {
			return s.uploadFailed(ctx, p.table, created, err)
		}
		if svc.ItemID != "" {
			created = append(created, svc.ItemID)
		}
		layerURL := strings.TrimRight(svc.ServiceURL, "/") + "/0"
		layers = append(layers, arcgis.Layer{
			ID:     fmt.Sprintf("layer_%d_%s", i, sanitize(p.table)),
			Title:  p.table,
			URL:    layerURL,
			ItemID: svc.ItemID,
		})
		res.Layers = append(res.Layers, model.PublishedLayer{
			Table:    p.table,
			ItemID:   svc.ItemID,
			URL:      layerURL,
			Features: p.features,
		})
	}

	text, err := arcgis.WebMapJSON(layers, s.opts.Basemap)
	if err != nil {
		return s.uploadFailed(ctx, "web map", created, err)
	}
	mapID, err := s.portal.AddItem(ctx, arcgis.Item{
		Title:   title,
		Type:    "Web Map",
		Tags:    tags,
		Snippet: snippet,
		Text:    text,
		Extent:  formatExtent(extent),
	})
	if err != nil {
		return s.uploadFailed(ctx, "web map", created, err)
	}

	res.WebMapID = mapID
	res.WebMapURL = s.portal.ItemURL(mapID)
	s.recent.Add(key, res)
	observability.IncPublish("success")
	s.log.InfoContext(ctx, "web map published", "webmap_id", mapID, "layers", len(res.Layers))
	return res, nil
}

func (s *Service) uploadFailed(ctx context.Context, what string, created []string, err error) (model.PublishResult, error) {
	observability.IncPublish("error")
	s.log.ErrorContext(ctx, "publish failed", "step", what, "created_items", created, "err", err)
	return model.PublishResult{}, &UploadError{Step: what, Created: created, Err: err}
}

// prepare validates all groups before anything is uploaded.
func (s *Service) prepare(groups []model.TableResult) ([]prepared, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no table groups", ErrInvalidInput)
	}
	out := make([]prepared, 0, len(groups))
	for gi, g := range groups {
		table := strings.TrimSpace(g.Table)
		if table == "" {
			return nil, fmt.Errorf("%w: group %d has no table name", ErrInvalidInput, gi)
		}
		if len(g.Rows) == 0 {
			return nil, fmt.Errorf("%w: group %q has no rows", ErrInvalidInput, table)
		}
		fc, bound, err := s.featureCollection(g.Rows)
		if err != nil {
			return nil, fmt.Errorf("%w: group %q: %v", ErrInvalidInput, table, err)
		}
		body, err := fc.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("%w: group %q: encode: %v", ErrInvalidInput, table, err)
		}
		out = append(out, prepared{table: table, features: len(fc.Features), body: body, extent: bound})
	}
	return out, nil
}

// featureCollection converts rows into EPSG:4326 features. Non-geometry
// columns become properties.
func (s *Service) featureCollection(rows []model.Row) (*geojson.FeatureCollection, orb.Bound, error) {
	fc := geojson.NewFeatureCollection()
	var bound orb.Bound
	for i, r := range rows {
		raw, ok := r[model.GeometryField]
		if !ok {
			return nil, bound, fmt.Errorf("row %d: missing %q", i, model.GeometryField)
		}
		gs, ok := raw.(string)
		if !ok {
			return nil, bound, fmt.Errorf("row %d: %q must be a GeoJSON string, got %T", i, model.GeometryField, raw)
		}
		g, err := geometry.ParseGeometry(gs)
		if err != nil {
			return nil, bound, fmt.Errorf("row %d: %w", i, err)
		}

		f := geojson.NewFeature(g)
		for k, v := range r {
			if _, skip := s.exclude[k]; skip {
				continue
			}
			f.Properties[k] = v
		}
		fc.Append(f)

		if i == 0 {
			bound = g.Bound()
		} else {
			bound = bound.Union(g.Bound())
		}
	}
	return fc, bound, nil
}

func (s *Service) meta(req model.UploadRequest) (title, snippet string, tags []string) {
	title, snippet, tags = s.opts.DefaultTitle, s.opts.DefaultSnippet, s.opts.DefaultTags
	if t := strings.TrimSpace(req.Title); t != "" {
		title = t
	}
	if sn := strings.TrimSpace(req.Snippet); sn != "" {
		snippet = sn
	}
	if tl := req.TagList(); len(tl) > 0 {
		tags = tl
	}
	return title, snippet, tags
}

// serviceName makes a portal-unique hosted service name for table.
func (s *Service) serviceName(table string) string {
	id := strings.ReplaceAll(s.newID(), "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return sanitize(table) + "_" + id
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "layer"
	}
	return b.String()
}

func formatExtent(b orb.Bound) string {
	if b.IsZero() {
		return ""
	}
	return fmt.Sprintf("%g,%g,%g,%g", b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y())
}

// payloadKey hashes the request; encoding/json sorts map keys so equal
// payloads hash equally.
func payloadKey(req model.UploadRequest) (uint64, error) {
	b, err := json.Marshal(struct {
		Groups  []model.TableResult `json:"g"`
		Title   string              `json:"t"`
		Snippet string              `json:"s"`
		Tags    []string            `json:"k"`
	}{req.TableGroups(), strings.TrimSpace(req.Title), strings.TrimSpace(req.Snippet), req.TagList()})
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

package arcgis

import (
	"encoding/json"
	"fmt"
)

type Basemap struct {
	Title string
	URL   string
}

// Layer is one hosted feature layer referenced by a web map.
type Layer struct {
	ID     string
	Title  string
	URL    string
	ItemID string
}

type webMap struct {
	OperationalLayers []operationalLayer `json:"operationalLayers"`
	BaseMap           baseMap            `json:"baseMap"`
	SpatialReference  spatialReference   `json:"spatialReference"`
	Version           string             `json:"version"`
	AuthoringApp      string             `json:"authoringApp"`
}

type operationalLayer struct {
	ID         string  `json:"id"`
	LayerType  string  `json:"layerType"`
	URL        string  `json:"url"`
	ItemID     string  `json:"itemId,omitempty"`
	Title      string  `json:"title"`
	Visibility bool    `json:"visibility"`
	Opacity    float64 `json:"opacity"`
}

type baseMap struct {
	BaseMapLayers []operationalLayer `json:"baseMapLayers"`
	Title         string             `json:"title"`
}

type spatialReference struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid"`
}

// WebMapJSON renders the item data for a "Web Map" item.
func WebMapJSON(layers []Layer, bm Basemap) (string, error) {
	if len(layers) == 0 {
		return "", fmt.Errorf("web map needs at least one layer")
	}
	wm := webMap{
		BaseMap: baseMap{
			Title: bm.Title,
			BaseMapLayers: []operationalLayer{{
				ID:         "defaultBasemap",
				LayerType:  "ArcGISTiledMapServiceLayer",
				URL:        bm.URL,
				Title:      bm.Title,
				Visibility: true,
				Opacity:    1,
			}},
		},
		SpatialReference: spatialReference{WKID: 102100, LatestWKID: 3857},
		Version:          "2.31",
		AuthoringApp:     "polygon-layer-publisher",
	}
	for _, l := range layers {
		wm.OperationalLayers = append(wm.OperationalLayers, operationalLayer{
			ID:         l.ID,
			LayerType:  "ArcGISFeatureLayer",
			URL:        l.URL,
			ItemID:     l.ItemID,
			Title:      l.Title,
			Visibility: true,
			Opacity:    1,
		})
	}
	b, err := json.Marshal(wm)
	if err != nil {
		return "", fmt.Errorf("encode web map: %w", err)
	}
	return string(b), nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type DatabaseCfg struct {
	URL            string
	Host           string
	Port           int
	Name           string
	User           string
	Password       string
	SSLMode        string
	MaxConns       int
	ConnectTimeout time.Duration
}

type GeometryCfg struct {
	PresenceColumn string
	Schema         string
}

type ArcGISCfg struct {
	PortalURL   string
	Username    string
	Password    string
	RetryMax    int
	Timeout     time.Duration
	TokenTTL    time.Duration
	DedupeSize  int
	BasemapURL  string
	BasemapName string
}

type CacheCfg struct {
	Enabled   bool
	RedisAddr string
	TTL       time.Duration
	OpTimeout time.Duration
}

type EventsCfg struct {
	Enabled           bool
	Brokers           string
	QueryTopic        string
	InvalidationTopic string
	GroupID           string
	QueueSize         int
	H3Res             int
}

type MetricsCfg struct {
	Enabled bool
	Path    string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int
	Database   DatabaseCfg
	Geometry   GeometryCfg
	ArcGIS     ArcGISCfg
	Cache      CacheCfg
	Events     EventsCfg
	Metrics    MetricsCfg
}

func FromEnv() Config {
	h3Res := getint("H3_RES", 7)
	if h3Res < 0 || h3Res > 15 {
		h3Res = 7
	}

	return Config{
		Addr:       getenv("ADDR", ":5000"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Database: DatabaseCfg{
			URL:            getenv("DATABASE_URL", ""),
			Host:           getenv("DB_HOST", "localhost"),
			Port:           getint("DB_PORT", 5432),
			Name:           getenv("DB_NAME", "postgres"),
			User:           getenv("DB_USER", "postgres"),
			Password:       getenv("DB_PASSWORD", ""),
			SSLMode:        getenv("DB_SSLMODE", "prefer"),
			MaxConns:       getint("DB_MAX_CONNS", 10),
			ConnectTimeout: getduration("DB_CONNECT_TIMEOUT", 5*time.Second),
		},
		Geometry: GeometryCfg{
			PresenceColumn: getenv("GEOMETRY_PRESENCE_COLUMN", "SHAPE"),
			Schema:         getenv("GEOMETRY_SCHEMA", "public"),
		},
		ArcGIS: ArcGISCfg{
			PortalURL:   strings.TrimRight(getenv("ARCGIS_PORTAL_URL", "https://www.arcgis.com"), "/"),
			Username:    getenv("ARCGIS_USERNAME", ""),
			Password:    getenv("ARCGIS_PASSWORD", ""),
			RetryMax:    getint("ARCGIS_RETRY_MAX", 3),
			Timeout:     getduration("ARCGIS_TIMEOUT", 60*time.Second),
			TokenTTL:    getduration("ARCGIS_TOKEN_TTL", 60*time.Minute),
			DedupeSize:  getint("PUBLISH_DEDUPE_SIZE", 256),
			BasemapURL:  getenv("ARCGIS_BASEMAP_URL", "https://services.arcgisonline.com/ArcGIS/rest/services/World_Topo_Map/MapServer"),
			BasemapName: getenv("ARCGIS_BASEMAP_TITLE", "World Topographic Map"),
		},
		Cache: CacheCfg{
			Enabled:   getbool("CACHE_ENABLED", false),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			TTL:       getduration("CACHE_TTL", 5*time.Minute),
			OpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		},
		Events: EventsCfg{
			Enabled:           getbool("EVENTS_ENABLED", false),
			Brokers:           getenv("KAFKA_BROKERS", "localhost:9092"),
			QueryTopic:        getenv("KAFKA_QUERY_TOPIC", "polygon-queries"),
			InvalidationTopic: getenv("KAFKA_INVALIDATION_TOPIC", "table-changes"),
			GroupID:           getenv("KAFKA_GROUP_ID", "polygon-query-cache"),
			QueueSize:         getint("EVENTS_QUEUE", 1024),
			H3Res:             h3Res,
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

// BrokerList splits the comma separated broker list.
func (e EventsCfg) BrokerList() []string {
	var out []string
	for p := range strings.SplitSeq(e.Brokers, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasCredentials reports whether both portal credentials are set.
func (a ArcGISCfg) HasCredentials() bool {
	return a.Username != "" && a.Password != ""
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

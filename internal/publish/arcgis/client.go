// Package arcgis is a minimal client for the ArcGIS portal sharing REST API:
// token generation, item upload, hosted feature layer publishing.
package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/httpclient"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/model"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/observability"
)

var ErrNoCredentials = errors.New("arcgis: username and password are required")

// APIError is the portal's error envelope. The portal usually returns it
// with HTTP 200.
type APIError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("arcgis error %d: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

type Config struct {
	PortalURL string
	Username  string
	Password  string
	TokenTTL  time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func New(cfg Config, hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	cfg.PortalURL = strings.TrimRight(cfg.PortalURL, "/")
	return &Client{cfg: cfg, http: hc, log: log, now: time.Now}
}

// Item is one content item to add to the user's root folder.
type Item struct {
	Title    string
	Type     string
	Tags     []string
	Snippet  string
	Text     string
	Extent   string
	File     []byte
	FileName string
}

// Service is the hosted service created by Publish.
type Service struct {
	ItemID     string
	ServiceURL string
}

// ItemURL is the human-facing page for an item.
func (c *Client) ItemURL(id string) string {
	return c.cfg.PortalURL + "/home/item.html?id=" + url.QueryEscape(id)
}

// Token returns a cached token, generating a new one when it is missing or
// within a minute of expiry.
func (c *Client) Token(ctx context.Context) (string, error) {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return "", ErrNoCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires.Add(-time.Minute)) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)
	form.Set("referer", c.cfg.PortalURL)
	form.Set("client", "referer")
	form.Set("expiration", strconv.Itoa(int(c.cfg.TokenTTL.Minutes())))
	form.Set("f", "json")

	var out struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := c.postForm(httpclient.Idempotent(ctx), "generateToken", c.cfg.PortalURL+"/sharing/rest/generateToken", form, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("arcgis: generateToken returned no token")
	}
	c.token = out.Token
	if out.Expires > 0 {
		c.expires = time.UnixMilli(out.Expires)
	} else {
		c.expires = c.now().Add(c.cfg.TokenTTL)
	}
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// AddItem uploads it and returns the new item id.
func (c *Client) AddItem(ctx context.Context, it Item) (string, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := [][2]string{
		{"f", "json"},
		{"token", tok},
		{"title", it.Title},
		{"type", it.Type},
		{"tags", strings.Join(it.Tags, ",")},
		{"snippet", it.Snippet},
	}
	if it.Text != "" {
		fields = append(fields, [2]string{"text", it.Text})
	}
	if it.Extent != "" {
		fields = append(fields, [2]string{"extent", it.Extent})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("arcgis addItem: write %s: %w", f[0], err)
		}
	}
	if len(it.File) > 0 {
		name := it.FileName
		if name == "" {
			name = "data.geojson"
		}
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			return "", fmt.Errorf("arcgis addItem: create file part: %w", err)
		}
		if _, err := fw.Write(it.File); err != nil {
			return "", fmt.Errorf("arcgis addItem: write file part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("arcgis addItem: close multipart: %w", err)
	}

	var out struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	endpoint := c.userContentURL("addItem")
	if err := c.do(ctx, "addItem", http.MethodPost, endpoint, mw.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	if !out.Success || out.ID == "" {
		return "", fmt.Errorf("arcgis addItem %q: not successful", it.Title)
	}
	return out.ID, nil
}

// Publish turns an uploaded GeoJSON item into a hosted feature service
// named name, in model.TargetSRID.
func (c *Client) Publish(ctx context.Context, itemID, name string) (Service, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return Service{}, err
	}

	params, err := json.Marshal(map[string]any{
		"name":     name,
		"targetSR": map[string]int{"wkid": model.TargetSRID},
	})
	if err != nil {
		return Service{}, fmt.Errorf("arcgis publish: encode params: %w", err)
	}
	form := url.Values{}
	form.Set("itemID", itemID)
	form.Set("filetype", "geojson")
	form.Set("publishParameters", string(params))
	form.Set("f", "json")
	form.Set("token", tok)

	var out struct {
		Services []struct {
			ServiceURL    string    `json:"serviceurl"`
			ServiceItemID string    `json:"serviceItemId"`
			Error         *APIError `json:"error,omitempty"`
		} `json:"services"`
	}
	if err := c.postForm(ctx, "publish", c.userContentURL("publish"), form, &out); err != nil {
		return Service{}, err
	}
	if len(out.Services) == 0 {
		return Service{}, fmt.Errorf("arcgis publish %s: no services returned", itemID)
	}
	s := out.Services[0]
	if s.Error != nil {
		return Service{}, s.Error
	}
	if s.ServiceURL == "" {
		return Service{}, fmt.Errorf("arcgis publish %s: empty service url", itemID)
	}
	return Service{ItemID: s.ServiceItemID, ServiceURL: s.ServiceURL}, nil
}

func (c *Client) userContentURL(op string) string {
	return c.cfg.PortalURL + "/sharing/rest/content/users/" + url.PathEscape(c.cfg.Username) + "/" + op
}

func (c *Client) postForm(ctx context.Context, op, endpoint string, form url.Values, out any) error {
	return c.do(ctx, op, http.MethodPost, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), out)
}

func (c *Client) do(ctx context.Context, op, method, endpoint, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("arcgis %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency("arcgis", op, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("arcgis %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("arcgis %s: read body: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("arcgis %s: http %d: %s", op, resp.StatusCode, truncate(raw, 256))
	}

	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("arcgis %s: decode: %w", op, err)
	}
	if env.Error != nil {
		c.log.WarnContext(ctx, "arcgis call rejected", "op", op, "code", env.Error.Code, "msg", env.Error.Message)
		if op != "generateToken" && (env.Error.Code == 498 || env.Error.Code == 499) {
			c.dropToken()
		}
		return fmt.Errorf("arcgis %s: %w", op, env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("arcgis %s: decode: %w", op, err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

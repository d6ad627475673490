// Package arcgistest runs an in-process fake of the portal sharing API.
package arcgistest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Item is what the fake recorded for one addItem call.
type Item struct {
	ID     string
	Title  string
	Type   string
	Tags   string
	Text   string
	Extent string
	File   []byte
}

type Portal struct {
	*httptest.Server

	Username string
	Password string

	mu        sync.Mutex
	token     string
	failOp    string
	calls     map[string]int
	items     []Item
	published map[string]string
	seq       int
}

func New(username, password string) *Portal {
	p := &Portal{
		Username:  username,
		Password:  password,
		token:     "tok-1",
		calls:     map[string]int{},
		published: map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sharing/rest/generateToken", p.generateToken)
	mux.HandleFunc("POST /sharing/rest/content/users/{user}/addItem", p.addItem)
	mux.HandleFunc("POST /sharing/rest/content/users/{user}/publish", p.publish)
	p.Server = httptest.NewServer(mux)
	return p
}

// SetToken rotates the token the portal issues and accepts.
func (p *Portal) SetToken(tok string) {
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
}

// FailOp makes the named operation return an error envelope with HTTP 200.
func (p *Portal) FailOp(op string) {
	p.mu.Lock()
	p.failOp = op
	p.mu.Unlock()
}

func (p *Portal) currentToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *Portal) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Portal) Items() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Item(nil), p.items...)
}

// ItemsOfType returns recorded items whose type equals t.
func (p *Portal) ItemsOfType(t string) []Item {
	var out []Item
	for _, it := range p.Items() {
		if it.Type == t {
			out = append(out, it)
		}
	}
	return out
}

func (p *Portal) count(op string) bool {
	p.mu.Lock()
	p.calls[op]++
	fail := p.failOp == op
	p.mu.Unlock()
	return fail
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, map[string]any{"error": map[string]any{"code": code, "message": msg, "details": []string{}}})
}

func (p *Portal) generateToken(w http.ResponseWriter, r *http.Request) {
	if p.count("generateToken") {
		writeErr(w, 400, "Unable to generate token.")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeErr(w, 400, err.Error())
		return
	}
	if r.PostForm.Get("username") != p.Username || r.PostForm.Get("password") != p.Password {
		writeErr(w, 400, "Invalid username or password.")
		return
	}
	writeJSON(w, map[string]any{"token": p.currentToken(), "expires": int64(32503680000000), "ssl": true})
}

func (p *Portal) checkToken(w http.ResponseWriter, r *http.Request, token string) bool {
	if r.PathValue("user") != p.Username {
		writeErr(w, 403, "User does not have permissions to access this content.")
		return false
	}
	if token != p.currentToken() {
		writeErr(w, 498, "Invalid token.")
		return false
	}
	return true
}

func (p *Portal) addItem(w http.ResponseWriter, r *http.Request) {
	if p.count("addItem") {
		writeErr(w, 500, "Item could not be added.")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, 400, err.Error())
		return
	}
	if !p.checkToken(w, r, r.FormValue("token")) {
		return
	}
	it := Item{
		Title:  r.FormValue("title"),
		Type:   r.FormValue("type"),
		Tags:   r.FormValue("tags"),
		Text:   r.FormValue("text"),
		Extent: r.FormValue("extent"),
	}
	if f, _, err := r.FormFile("file"); err == nil {
		it.File, _ = io.ReadAll(f)
		_ = f.Close()
	}

	p.mu.Lock()
	p.seq++
	it.ID = fmt.Sprintf("item%03d", p.seq)
	p.items = append(p.items, it)
	p.mu.Unlock()

	writeJSON(w, map[string]any{"success": true, "id": it.ID, "folder": ""})
}

func (p *Portal) publish(w http.ResponseWriter, r *http.Request) {
	if p.count("publish") {
		writeErr(w, 500, "Job failed.")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeErr(w, 400, err.Error())
		return
	}
	if !p.checkToken(w, r, r.PostForm.Get("token")) {
		return
	}
	if r.PostForm.Get("filetype") != "geojson" {
		writeErr(w, 400, "unsupported filetype")
		return
	}
	var params struct {
		Name     string `json:"name"`
		TargetSR struct {
			WKID int `json:"wkid"`
		} `json:"targetSR"`
	}
	if err := json.Unmarshal([]byte(r.PostForm.Get("publishParameters")), &params); err != nil || params.Name == "" {
		writeErr(w, 400, "invalid publishParameters")
		return
	}
	if params.TargetSR.WKID != 4326 {
		writeErr(w, 400, fmt.Sprintf("targetSR %d does not match source data", params.TargetSR.WKID))
		return
	}
	itemID := r.PostForm.Get("itemID")

	p.mu.Lock()
	p.seq++
	svcID := fmt.Sprintf("svc%03d", p.seq)
	p.published[itemID] = params.Name
	p.mu.Unlock()

	url := strings.TrimRight(p.URL, "/") + "/arcgis/rest/services/" + params.Name + "/FeatureServer"
	writeJSON(w, map[string]any{"services": []map[string]any{{
		"type": "Feature Service", "serviceurl": url, "serviceItemId": svcID, "size": 1, "jobId": "job-" + svcID,
	}}})
}

package keys

import (
	"regexp"
	"strings"
	"testing"
)

var keyRe = regexp.MustCompile(`^pq:[A-Za-z0-9._\-]+:g[0-9]+:[0-9a-f]{16}$`)

func TestQuery_Deterministic(t *testing.T) {
	p := `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`
	k1 := Query(Scope("public", "SHAPE"), 3, p)
	k2 := Query(Scope("public", "SHAPE"), 3, p)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if !keyRe.MatchString(k1) {
		t.Fatalf("unexpected key shape: %s", k1)
	}
	if !strings.HasPrefix(k1, "pq:public.SHAPE:g3:") {
		t.Fatalf("key=%s", k1)
	}
}

func TestQuery_GenerationChangesKey(t *testing.T) {
	p := `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`
	if Query("s", 1, p) == Query("s", 2, p) {
		t.Fatal("generation bump must change the key")
	}
}

func TestQuery_PolygonChangesKey(t *testing.T) {
	a := Query("s", 0, `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`)
	b := Query("s", 0, `{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`)
	if a == b {
		t.Fatal("different polygons must not share a key")
	}
}

func TestScopeSanitized(t *testing.T) {
	k := Generation("my schema:evil\nkey")
	if strings.Count(k, ":") != 2 {
		t.Fatalf("scope separators leaked into key: %q", k)
	}
	if Generation("") != "pq:default:gen" {
		t.Fatalf("empty scope key=%q", Generation(""))
	}
}

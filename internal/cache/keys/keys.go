package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "pq"

// Query returns the cache key for one polygon query under a cache
// generation. scope names the discovery settings (schema and column) so that
// deployments sharing a Redis do not collide.
func Query(scope string, gen int64, canonicalPolygon string) string {
	return fmt.Sprintf("%s:%s:g%d:%016x", prefix, sanitizeScope(scope), gen, xxhash.Sum64String(canonicalPolygon))
}

// Generation returns the key holding the generation counter for scope.
func Generation(scope string) string {
	return fmt.Sprintf("%s:%s:gen", prefix, sanitizeScope(scope))
}

// Scope joins the discovery settings into a key-safe scope.
func Scope(schema, column string) string {
	return strings.TrimSpace(schema) + "." + strings.TrimSpace(column)
}

func sanitizeScope(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '.' || r == '_' || r == '-':
			out = r
		default:
			// ':' is the key separator, so it is folded too
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}

package session

import (
	"net/url"
	"strings"

	"github.com/ThomasHabets/livecount/internal/registry"
)

const (
	// KeyParam is the query parameter carrying the watched key.
	KeyParam = "l"

	invalidKey = "invalid"
)

// ExtractKey returns the key named by the upgrade request's query. Anything
// from the first '?' on is dropped, so a page's own query string does not
// split its viewers. A missing parameter yields the key "invalid".
func ExtractKey(query url.Values) registry.Key {
	if !query.Has(KeyParam) {
		return invalidKey
	}
	loc := query.Get(KeyParam)
	if i := strings.IndexByte(loc, '?'); i >= 0 {
		loc = loc[:i]
	}
	return registry.Key(loc)
}

// OriginMatches reports whether key lives under origin.
func OriginMatches(key registry.Key, origin string) bool {
	return strings.HasPrefix(string(key), origin+"/")
}

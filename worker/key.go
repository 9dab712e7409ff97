package worker

import (
	"net/url"
	"sort"
	"strings"
)

// KeyFunc maps a request to its cache key. Identical logical requests must
// map to the same key.
type KeyFunc func(method, path string, query url.Values) string

// DeriveKey is the default KeyFunc: method and path followed by the query
// arguments sorted by name, then by value.
func DeriveKey(method, path string, query url.Values) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + 16)

	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(path)

	if len(query) == 0 {
		return b.String()
	}

	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	sep := byte('?')
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteByte(sep)
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			sep = '&'
		}
	}

	return b.String()
}

package metadata

import (
	"maps"
	"strconv"
	"strings"
)

// Metadata holds the headers carried alongside an envelope.
type Metadata map[string]string

// Clone returns a shallow copy that is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	maps.Copy(cloned, m)
	return cloned
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing every entry of extra.
func (m Metadata) WithAll(extra Metadata) Metadata {
	cloned := m.Clone()
	maps.Copy(cloned, extra)
	return cloned
}

// Lookup returns the trimmed value for key and whether it was non-blank.
func (m Metadata) Lookup(key string) (string, bool) {
	v := strings.TrimSpace(m[key])
	return v, v != ""
}

// Int64 parses the value for key as a base-10 integer.
func (m Metadata) Int64(key string) (int64, bool) {
	v, ok := m.Lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// New constructs Metadata from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

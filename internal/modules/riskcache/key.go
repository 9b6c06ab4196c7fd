// Package riskcache stores computed risk results with an explicit status machine,
// single-flight recomputation and retry bookkeeping.
package riskcache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Subject types
const (
	SubjectSecurity     = "security"
	SubjectPortfolio    = "portfolio"
	SubjectCorrelation  = "correlation"
	SubjectBetaForecast = "beta_forecast"
)

// Status is the calculation state of an entry
type Status string

const (
	StatusFresh       Status = "fresh"
	StatusStale       Status = "stale"
	StatusCalculating Status = "calculating"
	StatusError       Status = "error"
)

// Key identifies a cached result: a subject plus the parameter set it was computed with
type Key struct {
	SubjectType string
	SubjectID   string
	Params      map[string]string
}

// NewKey builds a key from alternating name/value parameter pairs
func NewKey(subjectType, subjectID string, params ...string) Key {
	k := Key{SubjectType: subjectType, SubjectID: subjectID, Params: make(map[string]string, len(params)/2)}
	for i := 0; i+1 < len(params); i += 2 {
		k.Params[params[i]] = params[i+1]
	}
	return k
}

// String is the canonical cache_key; parameters are sorted by name
func (k Key) String() string {
	s := k.SubjectType + "/" + k.SubjectID
	if len(k.Params) == 0 {
		return s
	}
	v := make(url.Values, len(k.Params))
	for name, value := range k.Params {
		v.Set(name, value)
	}
	return s + "?" + v.Encode()
}

// ParseKey is the inverse of Key.String
func ParseKey(s string) (Key, error) {
	path, query, _ := strings.Cut(s, "?")
	subjectType, subjectID, ok := strings.Cut(path, "/")
	if !ok || subjectType == "" || subjectID == "" {
		return Key{}, fmt.Errorf("malformed cache key %q", s)
	}

	k := Key{SubjectType: subjectType, SubjectID: subjectID, Params: make(map[string]string)}
	if query == "" {
		return k, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return Key{}, fmt.Errorf("malformed cache key %q: %w", s, err)
	}
	for name := range values {
		k.Params[name] = values.Get(name)
	}
	return k, nil
}

// Param returns a parameter or fallback when unset
func (k Key) Param(name, fallback string) string {
	if v, ok := k.Params[name]; ok && v != "" {
		return v
	}
	return fallback
}

func (k Key) paramsJSON() string {
	if len(k.Params) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(k.Params)
	return string(b)
}

// Entry is one row of the cache
type Entry struct {
	Key         string            `json:"key"`
	SubjectType string            `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	Params      map[string]string `json:"params"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Status      Status            `json:"calculation_status"`
	RetryCount  int               `json:"retry_count"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ComputedAt  *time.Time        `json:"computed_at,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	LockOwner   string            `json:"-"`
	LockedUntil time.Time         `json:"-"`
}

// CacheKey rebuilds the Key the entry was stored under
func (e Entry) CacheKey() Key {
	return Key{SubjectType: e.SubjectType, SubjectID: e.SubjectID, Params: e.Params}
}

// HasPayload reports whether a successful result has ever been stored
func (e Entry) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// Expired reports whether a fresh entry is past its TTL at now
func (e Entry) Expired(now time.Time) bool {
	return e.Status == StatusFresh && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Decode unmarshals the payload into out
func (e Entry) Decode(out interface{}) error {
	if !e.HasPayload() {
		return fmt.Errorf("cache entry %s has no payload", e.Key)
	}
	return json.Unmarshal(e.Payload, out)
}

// Health summarizes entries by status
type Health struct {
	Fresh         int `json:"fresh"`
	Stale         int `json:"stale"`
	Calculating   int `json:"calculating"`
	Error         int `json:"error"`
	Total         int `json:"total"`
	Exhausted     int `json:"retry_exhausted"`
	ExpiredLeases int `json:"expired_leases"`
}

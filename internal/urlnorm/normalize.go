// Package urlnorm canonicalizes page URLs so that superficially different
// references to the same page (www/language mirrors, trailing slashes,
// tracking parameters, query ordering, fragments) converge to a single
// canonical form and a fixed-width grouping key. Every comment write and
// every by-page read goes through Canonicalize; nothing else in the system
// is allowed to derive a grouping key.
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CanonicalURL pairs the canonical string form of a URL with the SHA-256
// hex digest used as its grouping key. The key is always 64 characters.
type CanonicalURL struct {
	Canonical   string `json:"canonicalUrl"`
	GroupingKey string `json:"groupingKey"`
}

// ErrMalformedURL is returned when the input cannot be parsed as an
// absolute URL. It is the only failure mode of Canonicalize; every step
// after parsing is total.
var ErrMalformedURL = errors.New("urlnorm: malformed url")

// Normalizer applies the canonicalization rules under a fixed tracking
// policy. Safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	policy Policy
}

func New(policy Policy) *Normalizer {
	return &Normalizer{policy: policy}
}

// Canonicalize normalizes a raw URL and derives its grouping key. The
// steps run in a fixed order: parse, lower-case the scheme, normalize the
// host, trim one trailing slash from non-root paths, rebuild the query
// (tracking keys dropped, remaining pairs stably sorted), drop the
// fragment, serialize, hash. Canonicalizing an already-canonical URL is a
// no-op: the same canonical form and key come back.
func (n *Normalizer) Canonicalize(raw string) (CanonicalURL, error) {
	if strings.TrimSpace(raw) == "" {
		return CanonicalURL{}, ErrMalformedURL
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return CanonicalURL{}, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return CanonicalURL{}, ErrMalformedURL
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = NormalizeHost(parsed.Host)
	parsed.Path = normalizePath(parsed.Path)
	parsed.RawPath = ""
	parsed.RawQuery = n.rebuildQuery(parsed.RawQuery)
	parsed.ForceQuery = false
	parsed.Fragment = ""
	parsed.RawFragment = ""

	canonical := parsed.String()
	sum := sha256.Sum256([]byte(canonical))

	return CanonicalURL{
		Canonical:   canonical,
		GroupingKey: hex.EncodeToString(sum[:]),
	}, nil
}

// NormalizeHost lower-cases a host, strips one leading "www." and then one
// leading two-letter language subdomain ("en.", "de.", ...). The language
// check runs on the result of the www check, so "www.en.example.com"
// collapses to "example.com". Any input is accepted; rejecting malformed
// hosts is the URL parser's job.
func NormalizeHost(host string) string {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	if len(host) >= 3 && host[2] == '.' && isLowerAlpha(host[0]) && isLowerAlpha(host[1]) {
		host = host[3:]
	}
	return host
}

func isLowerAlpha(b byte) bool {
	return b >= 'a' && b <= 'z'
}

// normalizePath strips exactly one trailing slash from paths longer than
// one character. The root path "/" is never touched.
func normalizePath(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return p[:len(p)-1]
	}
	return p
}

type queryPair struct {
	key   string
	value string
}

// rebuildQuery drops tracking parameters and stably sorts the remaining
// pairs by key, preserving the original relative order among duplicate
// keys. An empty result omits the query entirely rather than rendering a
// bare "?".
func (n *Normalizer) rebuildQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := parseQueryPairs(rawQuery)
	kept := make([]queryPair, 0, len(pairs))
	for _, pair := range pairs {
		if n.policy.IsTracking(pair.key) {
			continue
		}
		kept = append(kept, pair)
	}
	if len(kept) == 0 {
		return ""
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].key < kept[j].key
	})

	var b strings.Builder
	for i, pair := range kept {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(pair.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pair.value))
	}
	return b.String()
}

// parseQueryPairs splits a raw query into decoded key/value pairs in their
// original order. url.Values is not usable here: it is a map and loses
// both overall order and the relative order of duplicate keys, which the
// stable sort depends on. Components that fail to decode are kept verbatim
// so grouping stays deterministic for odd inputs.
func parseQueryPairs(rawQuery string) []queryPair {
	parts := strings.Split(rawQuery, "&")
	pairs := make([]queryPair, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		pairs = append(pairs, queryPair{key: key, value: value})
	}
	return pairs
}

package scheduler

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/vsevolodbreus/vortex/pkg/types"
)

// Fingerprint is the canonical dedup key of a request. Two requests
// with equal fingerprints are the same crawl target.
type Fingerprint string

// FingerprintOf derives the fingerprint from method, canonical URL
// (scheme, host, path, sorted query) and a body hash when present.
func FingerprintOf(req types.Request) Fingerprint {
	var b strings.Builder
	method := req.Method
	if method == "" {
		method = "GET"
	}
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(canonicalURL(req.URL))
	if len(req.Body) > 0 {
		sum := sha1.Sum(req.Body)
		b.WriteByte(';')
		b.WriteString(hex.EncodeToString(sum[:]))
	}
	return Fingerprint(b.String())
}

func canonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := scheme + "://" + host + path
	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			key += "?" + u.RawQuery
		} else {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var q strings.Builder
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					if q.Len() > 0 {
						q.WriteByte('&')
					}
					q.WriteString(url.QueryEscape(k))
					q.WriteByte('=')
					q.WriteString(url.QueryEscape(v))
				}
			}
			key += "?" + q.String()
		}
	}
	return key
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

// Fingerprints is the dedup ledger of admitted crawl targets. Entries
// are added on admission, never on completion, so concurrent discovery
// of the same URL results in exactly one admission. The ledger lives
// for the duration of one crawl run.
type Fingerprints struct {
	mu   sync.Mutex
	seen map[Fingerprint]struct{}
}

// NewFingerprints creates an empty ledger with a capacity hint.
func NewFingerprints(hint int) *Fingerprints {
	if hint <= 0 {
		hint = 1024
	}
	return &Fingerprints{seen: make(map[Fingerprint]struct{}, hint)}
}

// Add marks a fingerprint as seen. It returns false if the fingerprint
// was already present. Check and insert are atomic.
func (f *Fingerprints) Add(fp Fingerprint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[fp]; ok {
		return false
	}
	f.seen[fp] = struct{}{}
	return true
}

// Seen reports whether a fingerprint has been admitted before.
func (f *Fingerprints) Seen(fp Fingerprint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[fp]
	return ok
}

// Len returns the number of distinct fingerprints recorded.
func (f *Fingerprints) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

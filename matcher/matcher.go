// Package matcher decides which recorded interaction, if any, answers a
// live request.
package matcher

import (
	"bytes"
	"net/http"
	"slices"
	"strings"

	"github.com/thegreatape/betamax/cassette"
)

// Matcher returns the index into calls of the interaction that answers req,
// or -1 when none does.
type Matcher interface {
	IndexOf(calls []cassette.Interaction, req *cassette.Request) int
}

// Cloner is implemented by matchers that carry mutable configuration. A
// session clones its matcher when it opens so that later changes only affect
// the next session.
type Cloner interface {
	Clone() Matcher
}

// Snapshot clones m when it supports cloning and returns it unchanged
// otherwise.
func Snapshot(m Matcher) Matcher {
	if c, ok := m.(Cloner); ok {
		return c.Clone()
	}
	return m
}

type Config struct {
	CompareHeaders bool     `yaml:"compare_headers" json:"compare_headers"`
	CompareBody    bool     `yaml:"compare_body" json:"compare_body"`
	IgnoreHeaders  []string `yaml:"ignore_headers" json:"ignore_headers"`
}

func DefaultConfig() Config {
	return Config{CompareHeaders: true, CompareBody: true}
}

// Default is the standard first-match matcher. Each predicate can be
// replaced; a nil predicate uses the package default of the same name.
// HeadersEqual receives headers with ignored names already removed.
type Default struct {
	Config

	MethodEqual  func(recorded, live string) bool
	URLEqual     func(recorded, live string) bool
	HeadersEqual func(recorded, live http.Header) bool
	BodiesEqual  func(recorded, live []byte) bool
}

func New() *Default {
	return &Default{Config: DefaultConfig()}
}

// Ignore adds header names to the ignore list.
func (d *Default) Ignore(names ...string) *Default {
	d.IgnoreHeaders = append(d.IgnoreHeaders, names...)
	return d
}

func (d *Default) Clone() Matcher {
	c := *d
	c.IgnoreHeaders = slices.Clone(d.IgnoreHeaders)
	return &c
}

func (d *Default) IndexOf(calls []cassette.Interaction, req *cassette.Request) int {
	var (
		ignored map[string]bool
		live    http.Header
	)
	if d.CompareHeaders {
		ignored = make(map[string]bool, len(d.IgnoreHeaders))
		for _, name := range d.IgnoreHeaders {
			ignored[http.CanonicalHeaderKey(name)] = true
		}
		live = withoutHeaders(req.Header, ignored)
	}

	for i := range calls {
		recorded := &calls[i].Request
		if !d.methodEqual(recorded.Method, req.Method) {
			continue
		}
		if !d.urlEqual(recorded.URL, req.URL) {
			continue
		}
		if d.CompareHeaders && !d.headersEqual(withoutHeaders(recorded.Header, ignored), live) {
			continue
		}
		if d.CompareBody && !d.bodiesEqual(recorded.Body, req.Body) {
			continue
		}
		return i
	}
	return -1
}

func (d *Default) methodEqual(a, b string) bool {
	if d.MethodEqual != nil {
		return d.MethodEqual(a, b)
	}
	return MethodEqual(a, b)
}

func (d *Default) urlEqual(a, b string) bool {
	if d.URLEqual != nil {
		return d.URLEqual(a, b)
	}
	return URLEqual(a, b)
}

func (d *Default) headersEqual(a, b http.Header) bool {
	if d.HeadersEqual != nil {
		return d.HeadersEqual(a, b)
	}
	return HeadersEqual(a, b)
}

func (d *Default) bodiesEqual(a, b []byte) bool {
	if d.BodiesEqual != nil {
		return d.BodiesEqual(a, b)
	}
	return BodiesEqual(a, b)
}

func MethodEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

func URLEqual(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}

// HeadersEqual compares every header present on either side. Names are
// compared case-insensitively, values exactly and in order.
func HeadersEqual(a, b http.Header) bool {
	ca, cb := canonical(a), canonical(b)
	if len(ca) != len(cb) {
		return false
	}
	for name, values := range ca {
		other, ok := cb[name]
		if !ok || !slices.Equal(values, other) {
			return false
		}
	}
	return true
}

func BodiesEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func canonical(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		key := http.CanonicalHeaderKey(k)
		out[key] = append(out[key], v...)
	}
	return out
}

func withoutHeaders(h http.Header, ignored map[string]bool) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		key := http.CanonicalHeaderKey(k)
		if ignored[key] {
			continue
		}
		out[key] = append(out[key], v...)
	}
	return out
}

// Package proxy intercepts outbound HTTP calls by wrapping the process-wide
// http.DefaultTransport, and the transports of any extra clients, with a
// Transport that hands every request to a Resolver.
package proxy

import (
	"errors"
	"net/http"
	"sync"
)

var ErrAlreadyInstalled = errors.New("proxy: interception already installed")

// Resolver answers an intercepted request, either by calling next (the
// transport that was in place before Install) or by fabricating a response.
type Resolver interface {
	Resolve(req *http.Request, next http.RoundTripper) (*http.Response, error)
}

type ResolverFunc func(req *http.Request, next http.RoundTripper) (*http.Response, error)

func (f ResolverFunc) Resolve(req *http.Request, next http.RoundTripper) (*http.Response, error) {
	return f(req, next)
}

type Transport struct {
	Resolver Resolver
	Next     http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.Resolver.Resolve(req, t.Next)
}

var (
	installMu sync.Mutex
	installed bool
)

// Install routes http.DefaultTransport and the transport of every client
// through resolver. The returned restore function puts back exactly what was
// there before and is safe to call more than once. Only one installation may
// be active in the process.
func Install(resolver Resolver, clients ...*http.Client) (restore func(), err error) {
	installMu.Lock()
	defer installMu.Unlock()
	if installed {
		return nil, ErrAlreadyInstalled
	}

	clients = uniqueClients(clients)
	prevDefault := http.DefaultTransport
	prevClients := make([]http.RoundTripper, len(clients))
	for i, c := range clients {
		prevClients[i] = c.Transport
		next := c.Transport
		if next == nil {
			next = prevDefault
		}
		c.Transport = &Transport{Resolver: resolver, Next: next}
	}
	http.DefaultTransport = &Transport{Resolver: resolver, Next: prevDefault}
	installed = true

	var once sync.Once
	return func() {
		once.Do(func() {
			installMu.Lock()
			defer installMu.Unlock()
			http.DefaultTransport = prevDefault
			for i, c := range clients {
				c.Transport = prevClients[i]
			}
			installed = false
		})
	}, nil
}

func uniqueClients(clients []*http.Client) []*http.Client {
	seen := make(map[*http.Client]bool, len(clients))
	out := make([]*http.Client, 0, len(clients))
	for _, c := range clients {
		if c == nil || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Installed reports whether an interception is active.
func Installed() bool {
	installMu.Lock()
	defer installMu.Unlock()
	return installed
}

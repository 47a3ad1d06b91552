// Package cassette defines recorded HTTP interactions and the storage they
// are kept in.
package cassette

import (
	"net/http"
	"time"
)

// Interaction is one recorded request/response pair. Position is the
// zero-based order in which it was recorded.
type Interaction struct {
	Position   int
	RecordedAt time.Time
	Request    Request
	Response   Response
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode    int
	Status        string
	Proto         string
	Header        http.Header
	Trailer       http.Header
	Body          []byte
	ContentLength int64
	// Uncompressed is set when the transport transparently decoded the
	// body; Body then holds the decoded bytes.
	Uncompressed bool
}

// Renumber sets each interaction's Position to its index.
func Renumber(interactions []Interaction) {
	for i := range interactions {
		interactions[i].Position = i
	}
}

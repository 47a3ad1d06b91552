package matcher

import (
	"bytes"

	"github.com/gowebpki/jcs"
)

// JSONBodiesEqual compares bodies as JSON documents after RFC 8785
// canonicalization, so key order and insignificant whitespace are ignored.
// Bodies that are not JSON fall back to byte equality. Use it as
// Default.BodiesEqual.
func JSONBodiesEqual(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	ca, err := jcs.Transform(a)
	if err != nil {
		return false
	}
	cb, err := jcs.Transform(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

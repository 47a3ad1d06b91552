package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/thegreatape/betamax/cassette"
)

// SnapshotRequest reads and closes req's body and returns an immutable copy
// of the request along with a clone of req, carrying a fresh body, that can
// still be sent to the network.
func SnapshotRequest(req *http.Request) (*cassette.Request, *http.Request, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read request body: %w", err)
		}
		if len(body) == 0 {
			body = nil
		}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	snap := &cassette.Request{
		Method: method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}

	out := req.Clone(req.Context())
	switch {
	case len(body) > 0:
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	case req.Body != nil:
		out.Body = http.NoBody
	}
	return snap, out, nil
}

// SnapshotResponse buffers resp's body, replaces it with an in-memory reader
// the caller can still consume, and returns the recording.
func SnapshotResponse(resp *http.Response) (*cassette.Response, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return &cassette.Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Proto:         resp.Proto,
		Header:        resp.Header.Clone(),
		Trailer:       resp.Trailer.Clone(),
		Body:          body,
		ContentLength: resp.ContentLength,
		Uncompressed:  resp.Uncompressed,
	}, nil
}

// BuildResponse fabricates a response to req from a recording. Every call
// gets its own body reader and header maps.
func BuildResponse(req *http.Request, rec *cassette.Response) *http.Response {
	status := rec.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", rec.StatusCode, http.StatusText(rec.StatusCode))
	}
	proto := rec.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		proto, major, minor = "HTTP/1.1", 1, 1
	}
	header := rec.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	contentLength := rec.ContentLength
	if contentLength == 0 && len(rec.Body) > 0 {
		contentLength = int64(len(rec.Body))
	}
	return &http.Response{
		Status:        status,
		StatusCode:    rec.StatusCode,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		Trailer:       rec.Trailer.Clone(),
		Body:          io.NopCloser(bytes.NewReader(rec.Body)),
		ContentLength: contentLength,
		Uncompressed:  rec.Uncompressed,
		Request:       req,
	}
}

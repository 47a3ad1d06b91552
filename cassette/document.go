package cassette

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const encodingBase64 = "base64"

// Document is the serialized form of a cassette shared by every storage
// backend. Field order is the key order written to disk.
type Document struct {
	Version      string                `json:"version" yaml:"version" bson:"version"`
	Name         string                `json:"name" yaml:"name" bson:"name"`
	Interactions []DocumentInteraction `json:"interactions" yaml:"interactions" bson:"interactions"`
}

type DocumentInteraction struct {
	RecordedAt time.Time        `json:"recorded_at" yaml:"recorded_at" bson:"recorded_at"`
	Request    DocumentRequest  `json:"request" yaml:"request" bson:"request"`
	Response   DocumentResponse `json:"response" yaml:"response" bson:"response"`
}

type DocumentRequest struct {
	Method       string              `json:"method" yaml:"method" bson:"method"`
	URL          string              `json:"url" yaml:"url" bson:"url"`
	Headers      map[string][]string `json:"headers,omitempty" yaml:"headers,omitempty" bson:"headers,omitempty"`
	Body         string              `json:"body,omitempty" yaml:"body,omitempty" bson:"body,omitempty"`
	BodyEncoding string              `json:"body_encoding,omitempty" yaml:"body_encoding,omitempty" bson:"body_encoding,omitempty"`
}

type DocumentResponse struct {
	Status        string              `json:"status" yaml:"status" bson:"status"`
	StatusCode    int                 `json:"status_code" yaml:"status_code" bson:"status_code"`
	Proto         string              `json:"proto,omitempty" yaml:"proto,omitempty" bson:"proto,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty" yaml:"headers,omitempty" bson:"headers,omitempty"`
	Trailers      map[string][]string `json:"trailers,omitempty" yaml:"trailers,omitempty" bson:"trailers,omitempty"`
	Body          string              `json:"body,omitempty" yaml:"body,omitempty" bson:"body,omitempty"`
	BodyEncoding  string              `json:"body_encoding,omitempty" yaml:"body_encoding,omitempty" bson:"body_encoding,omitempty"`
	ContentLength int64               `json:"content_length" yaml:"content_length" bson:"content_length"`
	Uncompressed  bool                `json:"uncompressed,omitempty" yaml:"uncompressed,omitempty" bson:"uncompressed,omitempty"`
}

func NewDocument(name string, interactions []Interaction) *Document {
	doc := &Document{
		Version:      FormatVersion,
		Name:         name,
		Interactions: make([]DocumentInteraction, len(interactions)),
	}
	for i, it := range interactions {
		doc.Interactions[i] = NewDocumentInteraction(it)
	}
	return doc
}

// Decode converts the document back into interactions. The result is never
// nil, so an empty cassette stays distinguishable from a missing one.
func (d *Document) Decode() ([]Interaction, error) {
	if err := CheckVersion(d.Version); err != nil {
		return nil, err
	}
	interactions := make([]Interaction, 0, len(d.Interactions))
	for i, di := range d.Interactions {
		it, err := di.Interaction(i)
		if err != nil {
			return nil, fmt.Errorf("interaction %d: %w", i, err)
		}
		interactions = append(interactions, it)
	}
	return interactions, nil
}

func NewDocumentInteraction(it Interaction) DocumentInteraction {
	reqBody, reqEnc := encodeBody(it.Request.Header, it.Request.Body)
	respBody, respEnc := encodeBody(it.Response.Header, it.Response.Body)
	return DocumentInteraction{
		RecordedAt: it.RecordedAt.UTC(),
		Request: DocumentRequest{
			Method:       it.Request.Method,
			URL:          it.Request.URL,
			Headers:      headerMap(it.Request.Header),
			Body:         reqBody,
			BodyEncoding: reqEnc,
		},
		Response: DocumentResponse{
			Status:        it.Response.Status,
			StatusCode:    it.Response.StatusCode,
			Proto:         it.Response.Proto,
			Headers:       headerMap(it.Response.Header),
			Trailers:      headerMap(it.Response.Trailer),
			Body:          respBody,
			BodyEncoding:  respEnc,
			ContentLength: it.Response.ContentLength,
			Uncompressed:  it.Response.Uncompressed,
		},
	}
}

func (di DocumentInteraction) Interaction(position int) (Interaction, error) {
	reqBody, err := decodeBody(di.Request.Body, di.Request.BodyEncoding)
	if err != nil {
		return Interaction{}, fmt.Errorf("request body: %w", err)
	}
	respBody, err := decodeBody(di.Response.Body, di.Response.BodyEncoding)
	if err != nil {
		return Interaction{}, fmt.Errorf("response body: %w", err)
	}
	return Interaction{
		Position:   position,
		RecordedAt: di.RecordedAt,
		Request: Request{
			Method: strings.ToUpper(di.Request.Method),
			URL:    di.Request.URL,
			Header: httpHeader(di.Request.Headers),
			Body:   reqBody,
		},
		Response: Response{
			StatusCode:    di.Response.StatusCode,
			Status:        di.Response.Status,
			Proto:         di.Response.Proto,
			Header:        httpHeader(di.Response.Headers),
			Trailer:       httpHeader(di.Response.Trailers),
			Body:          respBody,
			ContentLength: di.Response.ContentLength,
			Uncompressed:  di.Response.Uncompressed,
		},
	}, nil
}

// encodeBody stores text bodies verbatim and everything else as base64.
func encodeBody(header http.Header, body []byte) (string, string) {
	if len(body) == 0 {
		return "", ""
	}
	if isText(header.Get("Content-Type")) && utf8.Valid(body) {
		return string(body), ""
	}
	return base64.StdEncoding.EncodeToString(body), encodingBase64
}

func decodeBody(body, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		if body == "" {
			return nil, nil
		}
		return []byte(body), nil
	case encodingBase64:
		return base64.StdEncoding.DecodeString(body)
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}

func isText(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	if strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml") {
		return true
	}
	switch mediaType {
	case "application/json",
		"application/xml",
		"application/javascript",
		"application/x-www-form-urlencoded",
		"application/graphql":
		return true
	}
	return false
}

func headerMap(h http.Header) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string][]string, len(h))
	for k, v := range h {
		m[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return m
}

func httpHeader(m map[string][]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		key := http.CanonicalHeaderKey(k)
		h[key] = append(h[key], v...)
	}
	return h
}

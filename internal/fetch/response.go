package fetch

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Response is the outcome of one network try.
type Response struct {
	// URL is the final URL after redirects.
	URL    string
	Status int
	Header http.Header
	Body   []byte
	// Truncated is set when the body was cut at the client's MaxBodyBytes.
	Truncated bool

	// Config is the request configuration that produced this response.
	Config *Config

	FromCache bool
	FetchedAt time.Time

	// Err is set when a raw task is dispatched after a failed try.
	Err error

	docOnce sync.Once
	doc     *goquery.Document
	docErr  error
}

// Document parses the body as HTML once and caches the result.
func (r *Response) Document() (*goquery.Document, error) {
	r.docOnce.Do(func() {
		r.doc, r.docErr = goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	})
	return r.doc, r.docErr
}

// Builder returns a request builder seeded from this response's request
// configuration, pointed at the final URL.
func (r *Response) Builder() *Builder {
	b := BuilderFrom(r.Config)
	if r.URL != "" {
		b.SetURL(r.URL)
	}
	return b
}

// OK reports whether the response carries a usable HTTP status.
func (r *Response) OK() bool {
	return r != nil && r.Err == nil && r.Status > 0
}

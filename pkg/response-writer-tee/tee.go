// Package tee captures a response while it is being generated, optionally
// writing it through to the client at the same time.
package tee

import (
	"bytes"
	"net/http"
	"strings"
	"time"
)

// ResponseCapture is a wrapper around http.ResponseWriter that saves the response to a buffer.
// It optionally writes the response to the underlying http.ResponseWriter.
type ResponseCapture struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	hidden       []string
	status       int
	wroteHeaders bool
	CreatedAt    time.Time
}

// BeginResponse starts capturing a response.
// If w is not nil, the response is written (tee'd) to it in addition to saving to buffer.
// Headers named in hide are captured but never sent to w.
func BeginResponse(w http.ResponseWriter, hide ...string) *ResponseCapture {
	return &ResponseCapture{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		header:    http.Header{},
		hidden:    hide,
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseCapture) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseCapture) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		t.copyHeader(t.rw.Header())
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseCapture) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			// client went away, keep capturing
			t.rw = nil
		}
	}
	// write to buffer and return written bytes
	return t.b.Write(b)
}

// Flush implements http.Flusher if the underlying writer does.
func (t *ResponseCapture) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Teed reports whether the response is being written to a client.
func (t *ResponseCapture) Teed() bool {
	return t.rw != nil
}

// Body returns the captured body.
func (t *ResponseCapture) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
// It is 200 if the handler wrote nothing at all.
func (t *ResponseCapture) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// FinishResponse ends the capture, making sure the client got a status line.
func (t *ResponseCapture) FinishResponse() *ResponseCapture {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t
}

func (t *ResponseCapture) copyHeader(dst http.Header) {
	for k, vv := range t.header {
		if t.isHidden(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func (t *ResponseCapture) isHidden(name string) bool {
	for _, h := range t.hidden {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

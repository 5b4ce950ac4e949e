package render

import (
	"bytes"
	"net/http"

	pagecache "github.com/wolfeidau/page-cache"
)

// Recorder is an http.ResponseWriter that keeps the whole response in
// memory so it can be handed to every waiter of a render.
type Recorder struct {
	status      int
	header      http.Header
	body        bytes.Buffer
	wroteHeader bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{status: http.StatusOK, header: make(http.Header)}
}

// Header implements http.ResponseWriter.
func (rec *Recorder) Header() http.Header {
	return rec.header
}

// WriteHeader implements http.ResponseWriter. Only the first call counts.
func (rec *Recorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = code
}

// Write implements http.ResponseWriter.
func (rec *Recorder) Write(b []byte) (int, error) {
	rec.WriteHeader(http.StatusOK)
	return rec.body.Write(b)
}

// Flush implements http.Flusher as a no-op; the response is only sent once
// the render completes.
func (rec *Recorder) Flush() {}

// Result returns the recorded response.
func (rec *Recorder) Result() *Result {
	body := bytes.Clone(rec.body.Bytes())
	res := &Result{
		Status: rec.status,
		Header: rec.header.Clone(),
		Body:   body,
	}
	if len(body) > 0 {
		res.Digest = pagecache.HashBytes(body)
	}
	return res
}

package http2

import (
	"fmt"
	"strings"

	"example.com/h2mux/internal/hpack"
)

// Request is a fully received request, handed to routing once its stream has
// seen END_STREAM.
type Request struct {
	StreamID  uint32
	Method    string
	Path      string // without the query string
	Query     string
	Scheme    string
	Authority string

	ContentType    string
	Accept         string
	AcceptEncoding string

	// Header holds every decoded field in wire order, pseudo-headers included.
	Header []hpack.HeaderField
	// Body is the concatenation of the stream's DATA payloads. It is only
	// populated for methods that carry one.
	Body []byte

	RemoteAddr string
}

// Get returns the first value of the named regular header field. Names are
// matched case-insensitively.
func (r *Request) Get(name string) string {
	name = strings.ToLower(name)
	for _, hf := range r.Header {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// URI returns the path with its query string, as received.
func (r *Request) URI() string {
	if r.Query == "" {
		return r.Path
	}
	return r.Path + "?" + r.Query
}

func methodHasBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// newRequest builds a Request from a decoded header list. Pseudo-header
// violations are malformed requests (RFC 7540 Section 8.1.2.6) and reset
// only the offending stream.
func newRequest(streamID uint32, fields []hpack.HeaderField, body []byte) (*Request, error) {
	req := &Request{StreamID: streamID, Header: fields}
	var sawMethod, sawPath, regular bool

	malformed := func(format string, args ...interface{}) error {
		return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf(format, args...))
	}

	for _, hf := range fields {
		if !strings.HasPrefix(hf.Name, ":") {
			regular = true
			switch hf.Name {
			case "content-type":
				req.ContentType = hf.Value
			case "accept":
				req.Accept = hf.Value
			case "accept-encoding":
				req.AcceptEncoding = hf.Value
			}
			continue
		}
		if regular {
			return nil, malformed("pseudo-header %s after regular header fields", hf.Name)
		}
		switch hf.Name {
		case ":method":
			if sawMethod {
				return nil, malformed("duplicate :method pseudo-header")
			}
			sawMethod = true
			req.Method = hf.Value
		case ":path":
			if sawPath {
				return nil, malformed("duplicate :path pseudo-header")
			}
			sawPath = true
			req.Path, req.Query, _ = strings.Cut(hf.Value, "?")
		case ":scheme":
			req.Scheme = hf.Value
		case ":authority":
			req.Authority = hf.Value
		default:
			return nil, malformed("unknown pseudo-header %s", hf.Name)
		}
	}

	if !sawMethod || req.Method == "" {
		return nil, malformed("missing :method pseudo-header")
	}
	if !sawPath {
		return nil, malformed("missing :path pseudo-header")
	}
	if req.Path != "" && req.Path[0] != '/' && req.Path != "*" {
		return nil, malformed("invalid :path %q", req.Path)
	}
	if methodHasBody(req.Method) {
		req.Body = body
	}
	return req, nil
}

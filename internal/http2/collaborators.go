package http2

import (
	"context"

	"example.com/h2mux/internal/hpack"
)

// HeaderDecoder turns a complete header block into its field list. It keeps
// compression state across calls, so blocks must be passed in wire order.
// *hpack.Decoder is the production implementation.
type HeaderDecoder interface {
	Decode(fragment []byte, maxHeaderListSize uint32) ([]hpack.HeaderField, error)
}

// Router dispatches complete requests to application handlers.
type Router interface {
	HasRoute(method, path string) bool
	Execute(method, path string, req *Request, resp *Response)
}

// MethodLister is implemented by routers that can report which methods a
// path is registered under. It lets the connection answer 405 instead of
// falling through to static files.
type MethodLister interface {
	AllowedMethods(path string) []string
}

// FileResponder serves requests no route claims.
type FileResponder interface {
	SendFile(sc StreamContext, streamID uint32, filePath, acceptEncoding string)
}

// StreamContext is the part of a connection a FileResponder needs.
type StreamContext interface {
	NewResponse(streamID uint32) *Response
	Context() context.Context
}

// FrameWriter puts serialized frames on the wire.
type FrameWriter interface {
	WriteFrame(f Frame) error
	Close() error
}

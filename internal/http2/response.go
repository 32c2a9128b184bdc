package http2

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/h2mux/internal/hpack"
	"example.com/h2mux/internal/logger"
)

var (
	// ErrResponseSent is returned when a Response is sent twice.
	ErrResponseSent = errors.New("http2: response already sent")
	// ErrStreamClosed is returned when the stream was reset before its
	// response could be queued.
	ErrStreamClosed = errors.New("http2: stream closed")
	// ErrHeadersNotSent is returned by WriteData before SendHeaders.
	ErrHeadersNotSent = errors.New("http2: response headers not sent")
)

// maxQueuedData is how many DATA octets of one stream WriteData lets pile up
// in the send queue before it blocks.
const maxQueuedData = 4 * int(DefaultMaxFrameSize)

// Response builds and queues the reply on one stream. Either Send queues the
// headers together with the whole body, or SendHeaders starts a body that
// WriteData streams out.
type Response struct {
	conn     *Connection
	streamID uint32
	req      *Request
	created  time.Time

	mu        sync.Mutex
	status    int
	header    []hpack.HeaderField
	sent      bool
	streaming bool
	ended     bool
	written   int
}

// NewResponse returns a Response for streamID. When the stream's request is
// known it is attached, so error pages can honor its Accept header.
func (c *Connection) NewResponse(streamID uint32) *Response {
	resp := &Response{conn: c, streamID: streamID, status: http.StatusOK, created: time.Now()}
	if s, _, ok := c.registry.Lookup(streamID); ok {
		resp.req = s.Request()
	}
	return resp
}

func (r *Response) StreamID() uint32 { return r.streamID }

// Request returns the request being answered. It may be nil.
func (r *Response) Request() *Request { return r.req }

func (r *Response) SetStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

// SetHeader sets a response header, replacing any earlier value. Names are
// lowercased; pseudo-headers are ignored.
func (r *Response) SetHeader(name, value string) {
	name = strings.ToLower(name)
	if name == "" || strings.HasPrefix(name, ":") {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.header {
		if r.header[i].Name == name {
			r.header[i].Value = value
			return
		}
	}
	r.header = append(r.header, hpack.HeaderField{Name: name, Value: value})
}

// begin marks the response as sent and returns its status and header list.
func (r *Response) begin() (int, []hpack.HeaderField, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return 0, nil, false, ErrResponseSent
	}
	r.sent = true
	fields := make([]hpack.HeaderField, 0, len(r.header)+2)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(r.status)})
	hasLength := false
	for _, hf := range r.header {
		if hf.Name == "content-length" {
			hasLength = true
		}
		fields = append(fields, hf)
	}
	return r.status, fields, hasLength, nil
}

func (r *Response) enqueue(frames []Frame) error {
	for _, f := range frames {
		if !r.conn.sender.Enqueue(f) {
			return ErrStreamClosed
		}
	}
	return nil
}

// Send queues the status line, headers and body. content-length is set from
// body unless a handler set it. A HEAD request gets the headers only.
func (r *Response) Send(body []byte) error {
	status, fields, hasLength, err := r.begin()
	if err != nil {
		return err
	}
	if !hasLength {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(body))})
	}
	if r.req != nil && r.req.Method == http.MethodHead {
		body = nil
	}

	block, err := r.conn.encoder.Encode(fields)
	if err != nil {
		return err
	}
	if err := r.enqueue(buildResponseFrames(r.streamID, block, body, r.conn.peerMaxFrameSize())); err != nil {
		return err
	}
	r.conn.logAccess(r, status, len(body))
	return nil
}

// SendHeaders queues the status line and headers and leaves the stream open
// for WriteData. content-length is only sent if the handler set it.
func (r *Response) SendHeaders() error {
	_, fields, _, err := r.begin()
	if err != nil {
		return err
	}
	block, err := r.conn.encoder.Encode(fields)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.streaming = true
	r.mu.Unlock()
	return r.enqueue(buildHeaderFrames(r.streamID, block, frameLimit(r.conn.peerMaxFrameSize())))
}

// WriteData queues p as DATA frames after SendHeaders; p may be reused once
// it returns. endStream ends the response. WriteData blocks while the stream
// already has more than a few frames of data waiting to be written.
func (r *Response) WriteData(p []byte, endStream bool) error {
	r.mu.Lock()
	switch {
	case !r.streaming:
		r.mu.Unlock()
		return ErrHeadersNotSent
	case r.ended:
		r.mu.Unlock()
		return ErrResponseSent
	}
	r.ended = endStream
	r.written += len(p)
	status, written := r.status, r.written
	r.mu.Unlock()

	if err := r.conn.sender.WaitQueued(r.conn.Context(), r.streamID, maxQueuedData); err != nil {
		return err
	}
	body := append([]byte(nil), p...)
	frames := appendDataFrames(nil, r.streamID, body, frameLimit(r.conn.peerMaxFrameSize()), endStream)
	if err := r.enqueue(frames); err != nil {
		return err
	}
	if endStream {
		r.conn.logAccess(r, status, written)
	}
	return nil
}

// Abort resets the stream with INTERNAL_ERROR. It is for failures after
// SendHeaders, when no error page can be sent any more.
func (r *Response) Abort(reason string) {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	r.conn.resetStream(NewStreamError(r.streamID, ErrCodeInternalError, reason))
}

// SendError sends a default error page for status, rendered as JSON or HTML
// depending on the request's Accept header.
func (r *Response) SendError(status int, detail string) error {
	accept := ""
	if r.req != nil {
		accept = r.req.Accept
	}
	body, contentType := errorBody(status, accept, detail)
	r.SetStatus(status)
	r.SetHeader("content-type", contentType)
	r.SetHeader("cache-control", "no-cache, no-store, must-revalidate")
	return r.Send(body)
}

// SendMethodNotAllowed sends 405 with an allow header listing allowed.
func (r *Response) SendMethodNotAllowed(allowed []string) error {
	r.SetHeader("allow", strings.Join(allowed, ", "))
	return r.SendError(http.StatusMethodNotAllowed, "")
}

// buildResponseFrames splits an encoded header block and body into frames of
// at most maxFrameSize payload octets. END_STREAM goes on the last frame; it
// is only put on HEADERS when the block fits in a single frame and there is
// no body, so a stream never ends while a header block is still open.
func buildResponseFrames(streamID uint32, block, body []byte, maxFrameSize uint32) []Frame {
	limit := frameLimit(maxFrameSize)
	frames := buildHeaderFrames(streamID, block, limit)
	if len(body) == 0 && len(frames) == 1 {
		frames[0].Header().Flags |= FlagEndStream
		return frames
	}
	return appendDataFrames(frames, streamID, body, limit, true)
}

func frameLimit(maxFrameSize uint32) int {
	if maxFrameSize == 0 {
		return int(DefaultMaxFrameSize)
	}
	return int(maxFrameSize)
}

// buildHeaderFrames splits block into HEADERS and CONTINUATION frames. The
// last one carries END_HEADERS.
func buildHeaderFrames(streamID uint32, block []byte, limit int) []Frame {
	first := block
	if len(first) > limit {
		first = block[:limit]
	}
	headers := &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, StreamID: streamID},
		HeaderBlockFragment: first,
	}
	frames := []Frame{headers}
	rest := block[len(first):]
	if len(rest) == 0 {
		headers.Flags |= FlagEndHeaders
	}
	for len(rest) > 0 {
		n := min(len(rest), limit)
		cf := &ContinuationFrame{
			FrameHeader:         FrameHeader{Type: FrameContinuation, StreamID: streamID},
			HeaderBlockFragment: rest[:n],
		}
		rest = rest[n:]
		if len(rest) == 0 {
			cf.Flags |= FlagEndHeaders
		}
		frames = append(frames, cf)
	}
	return frames
}

// appendDataFrames appends body as DATA frames of at most limit octets. With
// endStream set the last frame carries END_STREAM; an empty body then still
// yields one empty frame.
func appendDataFrames(frames []Frame, streamID uint32, body []byte, limit int, endStream bool) []Frame {
	if len(body) == 0 {
		if endStream {
			frames = append(frames, &DataFrame{
				FrameHeader: FrameHeader{Type: FrameData, StreamID: streamID, Flags: FlagEndStream},
			})
		}
		return frames
	}
	for len(body) > 0 {
		n := min(len(body), limit)
		df := &DataFrame{
			FrameHeader: FrameHeader{Type: FrameData, StreamID: streamID},
			Data:        body[:n],
		}
		body = body[n:]
		if len(body) == 0 && endStream {
			df.Flags |= FlagEndStream
		}
		frames = append(frames, df)
	}
	return frames
}

func (c *Connection) logAccess(r *Response, status, n int) {
	e := logger.AccessEntry{
		RemoteAddr:    c.remoteAddr,
		StreamID:      r.streamID,
		Status:        status,
		ResponseBytes: int64(n),
		Duration:      time.Since(r.created),
	}
	if r.req != nil {
		e.Method = r.req.Method
		e.URI = r.req.URI()
		e.UserAgent = r.req.Get("user-agent")
		e.Referer = r.req.Get("referer")
	}
	c.log.Access(e)
}

package http2

import (
	"fmt"
	"sync"

	"example.com/h2mux/internal/hpack"
)

// StreamState is the coarse lifecycle of a stream. The full RFC 7540 state
// machine is not tracked; half-closed states collapse into Active.
type StreamState int

const (
	StreamStateIdle StreamState = iota
	StreamStateActive
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "idle"
	case StreamStateActive:
		return "active"
	case StreamStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// Stream is one logical request/response exchange. Tree links (dependency,
// children) are ids into the owning Registry and are only touched under the
// registry lock; everything else is guarded by the stream's own mutex.
type Stream struct {
	id uint32

	// registry-owned
	dependency uint32
	weight     uint16
	exclusive  bool
	children   []uint32

	mu     sync.Mutex
	state  StreamState
	frames []Frame

	// header block bookkeeping; blockStart indexes the first frame of the
	// block currently being assembled
	blockStart int
	blockOpen  bool
	headers    []hpack.HeaderField
	endStream  bool

	// a stream error detected while its header block was still open; it is
	// reported once the block has been decoded
	deferredReset *StreamError
	routed        bool
	request       *Request
}

// NewStream returns an idle stream with the default weight and no dependency.
func NewStream(id uint32) *Stream {
	return &Stream{id: id, weight: DefaultWeight}
}

// NewStreamWithPriority returns an idle stream carrying priority fields from
// a HEADERS or PRIORITY frame.
func NewStreamWithPriority(id uint32, p PriorityParam) *Stream {
	s := NewStream(id)
	s.dependency = p.StreamDependency
	s.exclusive = p.Exclusive
	if p.Weight != 0 {
		s.weight = p.Weight
	}
	return s
}

func (s *Stream) ID() uint32 { return s.id }

// State reports the stream's lifecycle state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Frames returns a copy of the buffered frames in arrival order.
func (s *Stream) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Headers returns the decoded request header list, nil until the first
// header block has been decoded.
func (s *Stream) Headers() []hpack.HeaderField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

// appendFrame buffers f and moves an idle stream to Active.
func (s *Stream) appendFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamStateClosed {
		return NewStreamError(s.id, ErrCodeStreamClosed, fmt.Sprintf("%s frame on closed stream", f.Header().Type))
	}
	if s.endStream && !(s.blockOpen && f.Header().Type == FrameContinuation) {
		return NewStreamError(s.id, ErrCodeStreamClosed, fmt.Sprintf("%s frame after END_STREAM", f.Header().Type))
	}
	if s.state == StreamStateIdle {
		s.state = StreamStateActive
	}
	if f.Header().Type == FrameHeaders {
		s.blockStart = len(s.frames)
		s.blockOpen = true
	}
	s.frames = append(s.frames, f)
	return nil
}

// pendingHeaderBlock concatenates the HEADERS and CONTINUATION fragments of
// the current block in arrival order.
func (s *Stream) pendingHeaderBlock() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, f := range s.frames[s.blockStart:] {
		n += len(fragmentOf(f))
	}
	block := make([]byte, 0, n)
	for _, f := range s.frames[s.blockStart:] {
		block = append(block, fragmentOf(f)...)
	}
	return block
}

func (s *Stream) pendingHeaderBlockLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, f := range s.frames[s.blockStart:] {
		n += len(fragmentOf(f))
	}
	return n
}

// completeHeaderBlock records the decoded list of the block just closed. The
// first block carries the request headers; later blocks are trailers and only
// matter for keeping the decoder in sync.
func (s *Stream) completeHeaderBlock(fields []hpack.HeaderField) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockOpen = false
	if s.headers == nil {
		if fields == nil {
			fields = []hpack.HeaderField{}
		}
		s.headers = fields
	}
}

func (s *Stream) markEndStream() {
	s.mu.Lock()
	s.endStream = true
	s.mu.Unlock()
}

// readyToRoute reports whether the request is complete: END_STREAM was seen
// and no header block is still open.
func (s *Stream) readyToRoute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endStream && !s.blockOpen && s.headers != nil
}

// deferReset records err to be raised when the open header block completes.
// The first recorded error wins.
func (s *Stream) deferReset(err *StreamError) {
	s.mu.Lock()
	if s.deferredReset == nil {
		s.deferredReset = err
	}
	s.mu.Unlock()
}

func (s *Stream) takeDeferredReset() *StreamError {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.deferredReset
	s.deferredReset = nil
	return err
}

// markRouted reports whether the caller is the first to route the request.
func (s *Stream) markRouted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routed {
		return false
	}
	s.routed = true
	return true
}

func (s *Stream) setRequest(req *Request) {
	s.mu.Lock()
	s.request = req
	s.mu.Unlock()
}

// Request returns the request built when the stream completed, or nil.
func (s *Stream) Request() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// Body concatenates DATA payloads in arrival order.
func (s *Stream) Body() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var body []byte
	for _, f := range s.frames {
		if df, ok := f.(*DataFrame); ok {
			body = append(body, df.Data...)
		}
	}
	return body
}

func fragmentOf(f Frame) []byte {
	switch ff := f.(type) {
	case *HeadersFrame:
		return ff.HeaderBlockFragment
	case *ContinuationFrame:
		return ff.HeaderBlockFragment
	}
	return nil
}

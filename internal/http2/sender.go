package http2

import (
	"context"
	"errors"
	"sync"

	"example.com/h2mux/internal/logger"
)

// ErrSenderShutdown is returned by Immediate once Shutdown has been called.
var ErrSenderShutdown = errors.New("http2: sender is shutting down")

// Sender is the single writer of a connection. Frames are queued FIFO and
// written by the goroutine running Run; Immediate bypasses the queue for
// control replies such as PING ACK. Both paths hold writeMu while writing so
// frames never interleave on the wire.
type Sender struct {
	w        FrameWriter
	registry *Registry
	log      *logger.Logger

	mu        sync.Mutex
	queue     []Frame
	shutdown  bool
	final     Frame
	finalDone chan struct{}
	// openBlock is the stream whose header block has been started on the
	// wire but not yet ended with END_HEADERS; 0 when none.
	openBlock uint32
	// progress is closed and replaced whenever the queue shrinks.
	progress chan struct{}

	writeMu sync.Mutex

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSender returns a sender writing to w. registry decides which streams are
// closed; frames for them are dropped.
func NewSender(w FrameWriter, registry *Registry, lg *logger.Logger) *Sender {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Sender{
		w:        w,
		registry: registry,
		log:      lg,
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue appends f to the send queue. It reports false when the frame was
// refused: the sender is shutting down, or f belongs to a closed stream.
// RST_STREAM is accepted for closed streams since it is what closed them, and
// so are the CONTINUATION frames of a header block already partly written.
func (s *Sender) Enqueue(f Frame) bool {
	fh := f.Header()
	s.mu.Lock()
	if (s.shutdown && !s.continuesBlockLocked(f)) || s.droppableLocked(f) {
		s.mu.Unlock()
		incrFrameCounter(metricFramesDropped, fh.Type)
		return false
	}
	if s.shutdown {
		s.insertBeforeFinalLocked(f)
	} else {
		s.queue = append(s.queue, f)
	}
	depth := len(s.queue)
	s.mu.Unlock()

	setQueueDepth(depth)
	s.signal()
	return true
}

// Immediate writes f right away, ahead of anything queued. While a header
// block is open on the wire f is instead queued to follow its last
// CONTINUATION frame.
func (s *Sender) Immediate(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrSenderShutdown
	}
	if s.openBlock != 0 {
		s.queue = append([]Frame{f}, s.queue...)
		s.mu.Unlock()
		s.signal()
		return nil
	}
	s.mu.Unlock()
	return s.writeLocked(f)
}

// Purge drops every queued frame of streamID, except the CONTINUATION frames
// needed to end a header block that is already on the wire.
func (s *Sender) Purge(streamID uint32) {
	s.mu.Lock()
	kept := s.queue[:0]
	for _, f := range s.queue {
		if f.Header().StreamID == streamID && f != s.final && !s.continuesBlockLocked(f) {
			incrFrameCounter(metricFramesDropped, f.Header().Type)
			continue
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	s.notifyLocked()
	s.mu.Unlock()
}

// Cancel drops everything queued but the rest of an open header block.
func (s *Sender) Cancel() {
	s.mu.Lock()
	s.queue = s.keepOpenBlockLocked()
	s.notifyLocked()
	s.mu.Unlock()
}

// QueuedData returns the DATA payload octets of streamID still waiting in the
// queue.
func (s *Sender) QueuedData(streamID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedDataLocked(streamID)
}

func (s *Sender) queuedDataLocked(streamID uint32) int {
	n := 0
	for _, f := range s.queue {
		if df, ok := f.(*DataFrame); ok && df.StreamID == streamID {
			n += len(df.Data)
		}
	}
	return n
}

// WaitQueued blocks until at most limit DATA octets of streamID are queued.
// It returns ErrSenderShutdown if the sender stops first.
func (s *Sender) WaitQueued(ctx context.Context, streamID uint32, limit int) error {
	for {
		s.mu.Lock()
		n := s.queuedDataLocked(streamID)
		progress := s.progress
		s.mu.Unlock()
		if n <= limit {
			return nil
		}
		select {
		case <-progress:
		case <-s.done:
			return ErrSenderShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sender) notifyLocked() {
	close(s.progress)
	s.progress = make(chan struct{})
}

// Pending returns a snapshot of the queue in send order.
func (s *Sender) Pending() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.queue...)
}

// Shutdown cancels everything queued and leaves final as the only frame to be
// written, after the CONTINUATION frames of a header block in progress. From
// then on Enqueue and Immediate refuse all other frames. The returned channel
// is closed once final has been written. Calling Shutdown again returns the
// channel of the first call.
func (s *Sender) Shutdown(final Frame) <-chan struct{} {
	s.mu.Lock()
	if s.shutdown {
		ch := s.finalDone
		s.mu.Unlock()
		return ch
	}
	s.shutdown = true
	s.final = final
	s.finalDone = make(chan struct{})
	s.queue = append(s.keepOpenBlockLocked(), final)
	s.notifyLocked()
	ch := s.finalDone
	s.mu.Unlock()

	s.signal()
	return ch
}

// Run writes queued frames until ctx is done, Close is called, or a write
// fails. It blocks on a wake channel while the queue is empty.
func (s *Sender) Run(ctx context.Context) error {
	for {
		f, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.write(f); err != nil {
			return err
		}
		s.afterWrite(f)
	}
}

// Close stops Run. Queued frames stay in the queue.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// next pops the first frame that is still worth writing. Frames of streams
// closed since they were queued are dropped here. While a header block is
// open only its CONTINUATION frames are eligible. A popped frame is committed
// to the wire, so header block tracking starts at this point.
func (s *Sender) next() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		i := 0
		if s.openBlock != 0 {
			if i = s.continuationIndexLocked(); i < 0 {
				return nil, false
			}
		}
		f := s.queue[i]
		if i == 0 {
			s.queue[0] = nil
			s.queue = s.queue[1:]
		} else {
			copy(s.queue[i:], s.queue[i+1:])
			s.queue[len(s.queue)-1] = nil
			s.queue = s.queue[:len(s.queue)-1]
		}
		setQueueDepth(len(s.queue))
		if s.droppableLocked(f) {
			incrFrameCounter(metricFramesDropped, f.Header().Type)
			s.notifyLocked()
			continue
		}
		s.trackBlockLocked(f)
		return f, true
	}
	return nil, false
}

// droppableLocked reports whether f belongs to a closed stream and may be
// discarded. s.mu is held; it nests the registry lock.
func (s *Sender) droppableLocked(f Frame) bool {
	fh := f.Header()
	if fh.Type == FrameRSTStream || f == s.final || s.continuesBlockLocked(f) {
		return false
	}
	return s.registry != nil && s.registry.IsClosed(fh.StreamID)
}

func (s *Sender) continuationIndexLocked() int {
	for i, f := range s.queue {
		if s.continuesBlockLocked(f) {
			return i
		}
	}
	return -1
}

func (s *Sender) continuesBlockLocked(f Frame) bool {
	fh := f.Header()
	return fh.Type == FrameContinuation && s.openBlock != 0 && fh.StreamID == s.openBlock
}

func (s *Sender) trackBlockLocked(f Frame) {
	fh := f.Header()
	switch fh.Type {
	case FrameHeaders, FramePushPromise:
		if !fh.Flags.Has(FlagEndHeaders) {
			s.openBlock = fh.StreamID
		}
	case FrameContinuation:
		if fh.Flags.Has(FlagEndHeaders) && fh.StreamID == s.openBlock {
			s.openBlock = 0
		}
	}
}

// insertBeforeFinalLocked queues f ahead of the final frame, if that is
// still waiting.
func (s *Sender) insertBeforeFinalLocked(f Frame) {
	for i, q := range s.queue {
		if q == s.final {
			s.queue = append(s.queue[:i+1], s.queue[i:]...)
			s.queue[i] = f
			return
		}
	}
	s.queue = append(s.queue, f)
}

// keepOpenBlockLocked returns the queued CONTINUATION frames of the open
// header block, and the final frame if queued, and counts everything else as
// dropped.
func (s *Sender) keepOpenBlockLocked() []Frame {
	var kept []Frame
	for _, f := range s.queue {
		if s.continuesBlockLocked(f) || (s.final != nil && f == s.final) {
			kept = append(kept, f)
			continue
		}
		incrFrameCounter(metricFramesDropped, f.Header().Type)
	}
	return kept
}

func (s *Sender) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(f)
}

func (s *Sender) writeLocked(f Frame) error {
	if err := s.w.WriteFrame(f); err != nil {
		s.log.Debug("Frame write failed", logger.LogFields{
			"frame": f.Header().String(),
			"error": err.Error(),
		})
		return err
	}
	incrFrameCounter(metricFramesWritten, f.Header().Type)
	return nil
}

// afterWrite retires a stream once its last frame is out and releases
// Shutdown waiters once the final frame is.
func (s *Sender) afterWrite(f Frame) {
	fh := f.Header()
	switch fh.Type {
	case FrameData, FrameHeaders:
		if fh.Flags.Has(FlagEndStream) && s.registry != nil {
			s.registry.MarkClosed(fh.StreamID)
		}
	}

	s.mu.Lock()
	if s.final != nil && f == s.final {
		close(s.finalDone)
		s.final = nil
	}
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

package http2

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"example.com/h2mux/internal/hpack"
	"example.com/h2mux/internal/logger"
)

// maxHeaderBlockBytes caps the compressed size of one header block while it
// is being assembled from CONTINUATION frames.
const maxHeaderBlockBytes = 1 << 20

// HandleFrame processes one frame read from the peer. Stream errors are
// answered with RST_STREAM and swallowed. Connection errors are answered with
// GOAWAY, close the connection, and are returned. ErrGoAwayReceived is
// returned after the peer's GOAWAY.
func (c *Connection) HandleFrame(f Frame) error {
	err := c.dispatch(f)
	if err == nil {
		return nil
	}

	var se *StreamError
	if errors.As(err, &se) {
		c.resetStream(se)
		return nil
	}
	if errors.Is(err, ErrGoAwayReceived) {
		c.Close()
		return err
	}
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		ce = NewConnectionErrorWithCause(ErrCodeInternalError, "internal error", err)
	}
	c.goAway(ce)
	return ce
}

func (c *Connection) dispatch(f Frame) error {
	fh := f.Header()
	if err := checkStreamScope(*fh); err != nil {
		return err
	}
	if err := c.checkHeaderBlockSequence(fh); err != nil {
		return err
	}

	switch ff := f.(type) {
	case *HeadersFrame:
		return c.handleHeaders(ff)
	case *ContinuationFrame:
		return c.handleContinuation(ff)
	case *DataFrame:
		return c.handleData(ff)
	case *PriorityFrame:
		return c.handlePriority(ff)
	case *RSTStreamFrame:
		return c.handleRSTStream(ff)
	case *SettingsFrame:
		return c.handleSettings(ff)
	case *PingFrame:
		return c.handlePing(ff)
	case *GoAwayFrame:
		c.log.Info("Peer sent GOAWAY", logger.LogFields{
			"last_stream_id": ff.LastStreamID,
			"code":           ff.ErrorCode.String(),
			"debug":          string(ff.AdditionalDebugData),
		})
		return ErrGoAwayReceived
	case *WindowUpdateFrame:
		c.log.Debug("WINDOW_UPDATE ignored", logger.LogFields{
			"stream_id": fh.StreamID,
			"increment": ff.WindowSizeIncrement,
		})
		return nil
	case *PushPromiseFrame:
		return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE received from client")
	default:
		// unknown frame types are ignored (RFC 7540 Section 4.1)
		return nil
	}
}

// checkHeaderBlockSequence enforces that an open header block is only ever
// followed by CONTINUATION frames on the same stream.
func (c *Connection) checkHeaderBlockSequence(fh *FrameHeader) error {
	c.mu.Lock()
	open := c.openBlockStreamID
	c.mu.Unlock()

	if open != 0 && (fh.Type != FrameContinuation || fh.StreamID != open) {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s frame on stream %d while header block of stream %d is open", fh.Type, fh.StreamID, open))
	}
	if open == 0 && fh.Type == FrameContinuation {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("CONTINUATION on stream %d without an open header block", fh.StreamID))
	}
	return nil
}

func (c *Connection) handleHeaders(f *HeadersFrame) error {
	id := f.StreamID
	s, _, known := c.registry.Lookup(id)

	if !known {
		if id%2 == 0 {
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("client opened even stream id %d", id))
		}
		c.mu.Lock()
		if id <= c.lastClientStreamID {
			last := c.lastClientStreamID
			c.mu.Unlock()
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("stream id %d not greater than last opened stream %d", id, last))
		}
		c.lastClientStreamID = id
		c.mu.Unlock()

		refused := c.registry.Active() >= int(c.opts.MaxConcurrentStreams)
		if f.Flags.Has(FlagPriority) {
			s = NewStreamWithPriority(id, f.Priority)
		} else {
			s = NewStream(id)
		}
		if f.Flags.Has(FlagPriority) && f.Priority.StreamDependency == id {
			s.dependency = 0
			s.deferReset(NewStreamError(id, ErrCodeProtocolError, "stream depends on itself"))
		}
		if refused {
			s.deferReset(NewStreamError(id, ErrCodeRefusedStream, "max concurrent streams reached"))
		}
		if err := c.registry.RegisterIncoming(s); err != nil {
			return NewConnectionErrorWithCause(ErrCodeProtocolError, "registering stream", err)
		}
	}

	if err := s.appendFrame(f); err != nil {
		// HEADERS on a finished stream. Its block still has to pass through
		// the decoder to keep compression state in sync.
		if !f.Flags.Has(FlagEndHeaders) {
			return NewConnectionErrorWithCause(ErrCodeStreamClosed, "HEADERS on finished stream", err)
		}
		if _, derr := c.decode(f.HeaderBlockFragment); derr != nil && !isHeaderListTooLarge(derr) {
			return NewConnectionErrorWithCause(ErrCodeCompressionError, "header block decode failed", derr)
		}
		return err
	}
	if f.Flags.Has(FlagEndStream) {
		s.markEndStream()
	}
	if !f.Flags.Has(FlagEndHeaders) {
		c.mu.Lock()
		c.openBlockStreamID = id
		c.mu.Unlock()
		return nil
	}
	return c.finishHeaderBlock(s)
}

func (c *Connection) handleContinuation(f *ContinuationFrame) error {
	s, _, ok := c.registry.Lookup(f.StreamID)
	if !ok {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("CONTINUATION on unknown stream %d", f.StreamID))
	}
	if err := s.appendFrame(f); err != nil {
		return NewConnectionErrorWithCause(ErrCodeProtocolError, "CONTINUATION rejected", err)
	}
	if s.pendingHeaderBlockLen() > maxHeaderBlockBytes {
		return NewConnectionError(ErrCodeEnhanceYourCalm, "header block too large")
	}
	if !f.Flags.Has(FlagEndHeaders) {
		return nil
	}
	c.mu.Lock()
	c.openBlockStreamID = 0
	c.mu.Unlock()
	return c.finishHeaderBlock(s)
}

// finishHeaderBlock decodes the block that just ended and, if the request is
// complete, routes it.
func (c *Connection) finishHeaderBlock(s *Stream) error {
	fields, err := c.decode(s.pendingHeaderBlock())
	if err != nil && !isHeaderListTooLarge(err) {
		return NewConnectionErrorWithCause(ErrCodeCompressionError, "header block decode failed", err)
	}
	s.completeHeaderBlock(fields)

	if reset := s.takeDeferredReset(); reset != nil {
		return reset
	}
	if err != nil {
		// RFC 7540 Section 10.5.1
		if s.markRouted() {
			c.promote(s)
			resp := c.NewResponse(s.id)
			if sendErr := resp.SendError(http.StatusRequestHeaderFieldsTooLarge, ""); sendErr != nil {
				c.log.Debug("Could not answer oversized header list", logger.LogFields{"stream_id": s.id, "error": sendErr.Error()})
			}
		}
		return nil
	}
	if s.readyToRoute() {
		return c.completeStream(s)
	}
	return nil
}

func (c *Connection) decode(block []byte) ([]hpack.HeaderField, error) {
	c.decodeMu.Lock()
	defer c.decodeMu.Unlock()
	return c.decoder.Decode(block, c.opts.MaxHeaderListSize)
}

func isHeaderListTooLarge(err error) bool {
	var de *hpack.DecodeError
	return errors.As(err, &de) && de.Status == hpack.StatusHeaderListTooLarge
}

func (c *Connection) handleData(f *DataFrame) error {
	id := f.StreamID
	s, _, ok := c.registry.Lookup(id)
	if !ok {
		if id > c.LastClientStreamID() {
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("DATA on idle stream %d", id))
		}
		return NewStreamError(id, ErrCodeStreamClosed, "DATA on closed stream")
	}
	if err := s.appendFrame(f); err != nil {
		return err
	}
	if f.Flags.Has(FlagEndStream) {
		s.markEndStream()
		if s.readyToRoute() {
			return c.completeStream(s)
		}
	}
	return nil
}

func (c *Connection) handlePriority(f *PriorityFrame) error {
	err := c.registry.Reparent(f.StreamID, f.PriorityParam)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSelfDependency):
		return NewStreamError(f.StreamID, ErrCodeProtocolError, "stream depends on itself")
	case errors.Is(err, ErrStreamNotFound):
		// PRIORITY may name idle or forgotten streams (RFC 7540 Section 5.3.4)
		c.log.Debug("PRIORITY for unknown stream ignored", logger.LogFields{"stream_id": f.StreamID})
		return nil
	}
	return err
}

func (c *Connection) handleRSTStream(f *RSTStreamFrame) error {
	if _, _, ok := c.registry.Lookup(f.StreamID); !ok && f.StreamID > c.LastClientStreamID() {
		return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("RST_STREAM on idle stream %d", f.StreamID))
	}
	c.log.Debug("Peer reset stream", logger.LogFields{"stream_id": f.StreamID, "code": f.ErrorCode.String()})
	c.registry.Close(f.StreamID)
	return nil
}

func (c *Connection) handleSettings(f *SettingsFrame) error {
	if f.Flags.Has(FlagAck) {
		c.log.Debug("SETTINGS acknowledged")
		return nil
	}
	for _, st := range f.Settings {
		switch st.ID {
		case SettingEnablePush:
			if st.Value > 1 {
				return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("SETTINGS_ENABLE_PUSH must be 0 or 1, got %d", st.Value))
			}
		case SettingInitialWindowSize:
			if st.Value > MaxWindowSize {
				return NewConnectionError(ErrCodeFlowControlError, fmt.Sprintf("SETTINGS_INITIAL_WINDOW_SIZE %d exceeds maximum", st.Value))
			}
		case SettingMaxFrameSize:
			if st.Value < MinAllowedFrameSize || st.Value > MaxAllowedFrameSize {
				return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("SETTINGS_MAX_FRAME_SIZE %d out of range", st.Value))
			}
		}
	}

	c.mu.Lock()
	for _, st := range f.Settings {
		c.peerSettings[st.ID] = st.Value
	}
	c.mu.Unlock()

	c.sender.Enqueue(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagAck}})
	return nil
}

func (c *Connection) handlePing(f *PingFrame) error {
	if f.Flags.Has(FlagAck) {
		return nil
	}
	ack := &PingFrame{
		FrameHeader: FrameHeader{Type: FramePing, Flags: FlagAck, StreamID: f.StreamID},
		OpaqueData:  f.OpaqueData,
	}
	if err := c.sender.Immediate(ack); err != nil && !errors.Is(err, ErrSenderShutdown) {
		return NewConnectionErrorWithCause(ErrCodeInternalError, "writing PING ACK", err)
	}
	return nil
}

func (c *Connection) promote(s *Stream) {
	if _, err := c.registry.PromoteIncomingToOutgoing(s.id); err != nil && !errors.Is(err, ErrStreamNotFound) {
		c.log.Warn("Promoting stream failed", logger.LogFields{"stream_id": s.id, "error": err.Error()})
	}
}

// completeStream hands a fully received request to routing: a matching route
// runs its handler, a path known under other methods gets 405, anything else
// goes to the file responder.
func (c *Connection) completeStream(s *Stream) error {
	if !s.markRouted() {
		return nil
	}
	c.promote(s)

	req, err := newRequest(s.id, s.Headers(), s.Body())
	if err != nil {
		return err
	}
	req.RemoteAddr = c.remoteAddr
	s.setRequest(req)
	resp := c.NewResponse(s.id)

	defer func() {
		if p := recover(); p != nil {
			c.log.Error("Handler panicked", logger.LogFields{
				"stream_id": s.id,
				"panic":     fmt.Sprint(p),
				"stack":     string(debug.Stack()),
			})
			_ = resp.SendError(http.StatusInternalServerError, "")
		}
	}()

	if c.opts.Router != nil {
		if c.opts.Router.HasRoute(req.Method, req.Path) {
			c.opts.Router.Execute(req.Method, req.Path, req, resp)
			return nil
		}
		if ml, ok := c.opts.Router.(MethodLister); ok {
			if allowed := ml.AllowedMethods(req.Path); len(allowed) > 0 {
				return ignoreSendError(resp.SendMethodNotAllowed(allowed))
			}
		}
	}

	if c.opts.Files == nil {
		return ignoreSendError(resp.SendError(http.StatusNotFound, ""))
	}
	filePath := req.Path
	if filePath == "" || filePath == "/" {
		filePath = "/" + c.opts.IndexFile
	}
	c.opts.Files.SendFile(c, s.id, filePath, req.AcceptEncoding)
	return nil
}

// ignoreSendError drops the errors a response can hit when its stream was
// reset in the meantime.
func ignoreSendError(err error) error {
	if errors.Is(err, ErrStreamClosed) || errors.Is(err, ErrResponseSent) {
		return nil
	}
	return err
}

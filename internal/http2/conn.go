package http2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"example.com/h2mux/internal/hpack"
	"example.com/h2mux/internal/logger"
)

// ClientPreface is the connection preface every client sends first
// (RFC 7540 Section 3.5).
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Defaults applied to zero Options fields.
const (
	DefaultMaxHeaderListSize    uint32 = 16384
	DefaultMaxConcurrentStreams uint32 = 100
	DefaultGoAwayFlushTimeout          = time.Second
	DefaultIndexFile                   = "index.html"
)

// ErrGoAwayReceived is returned by HandleFrame after the peer sent GOAWAY.
var ErrGoAwayReceived = errors.New("http2: peer sent GOAWAY")

// Options configures a Connection.
type Options struct {
	// Limits advertised in the server SETTINGS frame.
	HeaderTableSize      uint32
	MaxHeaderListSize    uint32
	MaxFrameSize         uint32
	MaxConcurrentStreams uint32

	// GoAwayFlushTimeout bounds the wait for a fatal GOAWAY to be written.
	GoAwayFlushTimeout time.Duration
	// IndexFile replaces an empty or "/" path for static requests.
	IndexFile string

	Router Router
	Files  FileResponder
	// Decoder defaults to an hpack.Decoder sized by HeaderTableSize.
	Decoder HeaderDecoder
	Logger  *logger.Logger
}

func (o *Options) setDefaults() {
	if o.HeaderTableSize == 0 {
		o.HeaderTableSize = hpack.DefaultHeaderTableSize
	}
	if o.MaxHeaderListSize == 0 {
		o.MaxHeaderListSize = DefaultMaxHeaderListSize
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.MaxConcurrentStreams == 0 {
		o.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if o.GoAwayFlushTimeout <= 0 {
		o.GoAwayFlushTimeout = DefaultGoAwayFlushTimeout
	}
	if o.IndexFile == "" {
		o.IndexFile = DefaultIndexFile
	}
	if o.Decoder == nil {
		o.Decoder = hpack.NewDecoder(o.HeaderTableSize)
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
}

// Connection is the server side of one HTTP/2 connection. The goroutine
// calling Serve reads and dispatches frames; a second goroutine owned by the
// Sender writes them.
type Connection struct {
	opts       Options
	log        *logger.Logger
	remoteAddr string

	reader   io.Reader
	writer   FrameWriter
	registry *Registry
	sender   *Sender
	encoder  *hpack.Encoder

	decodeMu sync.Mutex // serializes HPACK decoding, whose state spans blocks
	decoder  HeaderDecoder

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	lastClientStreamID uint32
	openBlockStreamID  uint32 // stream whose header block awaits CONTINUATION, 0 if none
	peerSettings       map[SettingID]uint32
	goAwaySent         bool

	senderDone chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	started    time.Time
}

// netFrameWriter writes frames to a net.Conn.
type netFrameWriter struct {
	conn net.Conn
}

func (w netFrameWriter) WriteFrame(f Frame) error { return WriteFrame(w.conn, f) }
func (w netFrameWriter) Close() error             { return w.conn.Close() }

// NewConnection wraps an accepted socket. The caller must then call Serve.
func NewConnection(nc net.Conn, opts Options) *Connection {
	c := newConnection(bufio.NewReader(nc), netFrameWriter{conn: nc}, opts)
	c.remoteAddr = nc.RemoteAddr().String()
	c.log = c.log.With(logger.LogFields{"remote_addr": c.remoteAddr})
	c.sender.log = c.log
	c.registry.log = c.log
	return c
}

func newConnection(r io.Reader, w FrameWriter, opts Options) *Connection {
	opts.setDefaults()
	c := &Connection{
		opts:         opts,
		log:          opts.Logger,
		reader:       r,
		writer:       w,
		encoder:      hpack.NewEncoder(),
		decoder:      opts.Decoder,
		peerSettings: make(map[SettingID]uint32),
		senderDone:   make(chan struct{}),
		closed:       make(chan struct{}),
		started:      time.Now(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.registry = NewRegistry(c.log)
	c.sender = NewSender(w, c.registry, c.log)
	c.registry.SetCloseHook(c.sender.Purge)
	return c
}

// Context is canceled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry exposes the connection's stream registry.
func (c *Connection) Registry() *Registry { return c.registry }

// Sender exposes the connection's send scheduler.
func (c *Connection) Sender() *Sender { return c.sender }

// Serve runs the connection until the peer goes away, a connection error
// occurs, or ctx is canceled. It returns nil on an orderly end.
func (c *Connection) Serve(ctx context.Context) error {
	c.start(ctx)
	defer func() {
		c.Close()
		<-c.senderDone
	}()

	if err := c.readPreface(); err != nil {
		return err
	}
	c.sender.Enqueue(c.serverSettings())

	for {
		f, err := ReadFrame(c.reader, c.opts.MaxFrameSize)
		if err != nil {
			var se *StreamError
			if errors.As(err, &se) {
				// the frame was consumed whole; only its stream is affected
				c.resetStream(se)
				continue
			}
			var ce *ConnectionError
			if errors.As(err, &ce) {
				c.goAway(ce)
				return ce
			}
			if c.isClosed() || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		incrFrameCounter(metricFramesRead, f.Header().Type)
		if err := c.HandleFrame(f); err != nil {
			if errors.Is(err, ErrGoAwayReceived) {
				return nil
			}
			return err
		}
	}
}

// start launches the sender goroutine and ties the connection to ctx.
func (c *Connection) start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.senderDone)
		// Close stops the sender; it must outlive ctx to flush a final GOAWAY
		if err := c.sender.Run(context.Background()); err != nil && !c.isClosed() {
			c.log.Error("Frame writer stopped", logger.LogFields{"error": err.Error()})
			c.Close()
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.goAway(NewConnectionError(ErrCodeNoError, "server shutting down"))
		case <-c.closed:
		}
	}()
}

func (c *Connection) readPreface() error {
	buf := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return fmt.Errorf("reading client preface: %w", err)
	}
	if !bytes.Equal(buf, []byte(ClientPreface)) {
		return NewConnectionError(ErrCodeProtocolError, "invalid client preface")
	}
	return nil
}

func (c *Connection) serverSettings() *SettingsFrame {
	return &SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings},
		Settings: []Setting{
			{ID: SettingHeaderTableSize, Value: c.opts.HeaderTableSize},
			{ID: SettingEnablePush, Value: 0},
			{ID: SettingMaxConcurrentStreams, Value: c.opts.MaxConcurrentStreams},
			{ID: SettingMaxFrameSize, Value: c.opts.MaxFrameSize},
			{ID: SettingMaxHeaderListSize, Value: c.opts.MaxHeaderListSize},
		},
	}
}

func (c *Connection) peerMaxFrameSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.peerSettings[SettingMaxFrameSize]; ok {
		return v
	}
	return DefaultMaxFrameSize
}

// PeerSetting returns the value the peer last sent for id.
func (c *Connection) PeerSetting(id SettingID) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.peerSettings[id]
	return v, ok
}

// LastClientStreamID is the highest stream id the peer has opened.
func (c *Connection) LastClientStreamID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClientStreamID
}

// resetStream closes the stream named by err, dropping its queued output, and
// tells the peer with RST_STREAM.
func (c *Connection) resetStream(err *StreamError) {
	c.log.Debug("Resetting stream", logger.LogFields{
		"stream_id": err.StreamID,
		"code":      err.Code.String(),
		"reason":    err.Msg,
	})
	c.registry.Close(err.StreamID)
	c.sender.Enqueue(GenerateRSTStreamFrame(err.StreamID, err.Code, err))
}

// goAway reports a fatal error. Everything still queued is dropped, GOAWAY is
// the last frame written, and the connection closes once it is on the wire or
// the flush timeout expires.
func (c *Connection) goAway(err error) {
	c.mu.Lock()
	if c.goAwaySent {
		c.mu.Unlock()
		return
	}
	c.goAwaySent = true
	last := c.lastClientStreamID
	c.mu.Unlock()

	frame := GenerateGoAwayFrame(last, ErrCodeInternalError, err.Error(), err)
	incrGoAway(frame.ErrorCode)
	fields := logger.LogFields{
		"code":           frame.ErrorCode.String(),
		"last_stream_id": last,
		"reason":         err.Error(),
	}
	if frame.ErrorCode == ErrCodeNoError {
		c.log.Info("Sending GOAWAY", fields)
	} else {
		c.log.Warn("Sending GOAWAY", fields)
	}

	done := c.sender.Shutdown(frame)
	timer := time.NewTimer(c.opts.GoAwayFlushTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Warn("GOAWAY not flushed before timeout, closing", logger.LogFields{"timeout": c.opts.GoAwayFlushTimeout.String()})
	case <-c.closed:
	}
	c.Close()
}

// Close tears the connection down immediately. It is safe to call more than
// once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.sender.Close()
		if err := c.writer.Close(); err != nil {
			c.log.Debug("Closing transport", logger.LogFields{"error": err.Error()})
		}
		c.registry.Release()
		measureConn(c.started)
	})
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

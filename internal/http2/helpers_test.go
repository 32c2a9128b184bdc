package http2

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/h2mux/internal/hpack"
)

// recordingWriter is a FrameWriter that keeps every frame written to it.
type recordingWriter struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	err    error
	// onClose runs on the first Close, standing in for a socket whose
	// close also ends the read side.
	onClose func()
	// onWrite runs after each successful write, outside the lock.
	onWrite func(Frame)
}

func (w *recordingWriter) WriteFrame(f Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("write on closed writer")
	}
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	w.frames = append(w.frames, f)
	hook := w.onWrite
	w.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	first := !w.closed
	w.closed = true
	hook := w.onClose
	w.mu.Unlock()
	if first && hook != nil {
		hook()
	}
	return nil
}

func (w *recordingWriter) Frames() []Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Frame(nil), w.frames...)
}

func (w *recordingWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// waitFrames blocks until at least n frames have been written.
func (w *recordingWriter) waitFrames(t *testing.T, n int) []Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(w.Frames()) >= n },
		2*time.Second, 5*time.Millisecond, "waiting for %d written frames", n)
	return w.Frames()
}

func framesOfType(frames []Frame, ft FrameType) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Header().Type == ft {
			out = append(out, f)
		}
	}
	return out
}

func dataFrame(id uint32, flags Flags, data string) *DataFrame {
	return &DataFrame{FrameHeader: FrameHeader{Type: FrameData, StreamID: id, Flags: flags}, Data: []byte(data)}
}

func headersFrame(id uint32, flags Flags, block []byte) *HeadersFrame {
	return &HeadersFrame{FrameHeader: FrameHeader{Type: FrameHeaders, StreamID: id, Flags: flags}, HeaderBlockFragment: block}
}

func continuationFrame(id uint32, flags Flags, block []byte) *ContinuationFrame {
	return &ContinuationFrame{FrameHeader: FrameHeader{Type: FrameContinuation, StreamID: id, Flags: flags}, HeaderBlockFragment: block}
}

// encodeRequest HPACK-encodes a request header list with enc.
func encodeRequest(t *testing.T, enc *hpack.Encoder, method, path string, extra ...hpack.HeaderField) []byte {
	t.Helper()
	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: "example.test"},
	}
	fields = append(fields, extra...)
	block, err := enc.Encode(fields)
	require.NoError(t, err)
	return block
}

// decodeResponse HPACK-decodes a response header block.
func decodeResponse(t *testing.T, dec *hpack.Decoder, block []byte) map[string]string {
	t.Helper()
	fields, err := dec.Decode(block, 1<<20)
	require.NoError(t, err)
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Name] = f.Value
	}
	return out
}

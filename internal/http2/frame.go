package http2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType represents an HTTP/2 frame type.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameTypeNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

// String returns the string representation of the FrameType.
func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// StreamScope says which stream ids a frame type may be sent on.
type StreamScope uint8

const (
	// ScopeConnection frames must carry stream id 0.
	ScopeConnection StreamScope = iota
	// ScopeStream frames must carry a nonzero stream id.
	ScopeStream
	// ScopeEither frames may carry any stream id.
	ScopeEither
)

// Scope returns the stream scope declared for the frame type. Unknown types
// are ignored by receivers, so they accept any id.
func (t FrameType) Scope() StreamScope {
	switch t {
	case FrameSettings, FramePing, FrameGoAway:
		return ScopeConnection
	case FrameData, FrameHeaders, FramePriority, FrameRSTStream, FramePushPromise, FrameContinuation:
		return ScopeStream
	default:
		return ScopeEither
	}
}

// checkStreamScope enforces the frame type's stream scope. A violation is
// always a connection error of type PROTOCOL_ERROR.
func checkStreamScope(fh FrameHeader) error {
	switch fh.Type.Scope() {
	case ScopeConnection:
		if fh.StreamID != 0 {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("%s frame on stream %d, must be stream 0", fh.Type, fh.StreamID))
		}
	case ScopeStream:
		if fh.StreamID == 0 {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("%s frame on stream 0", fh.Type))
		}
	}
	return nil
}

// Flags represents flags for an HTTP/2 frame.
type Flags uint8

const (
	FlagEndStream  Flags = 0x1
	FlagAck        Flags = 0x1
	FlagEndHeaders Flags = 0x4
	FlagPadded     Flags = 0x8
	FlagPriority   Flags = 0x20
)

// Has reports whether all bits of v are set.
func (f Flags) Has(v Flags) bool { return f&v == v }

// SettingID represents a SETTINGS parameter identifier.
type SettingID uint16

// SETTINGS parameters from RFC 7540 Section 6.5.2.
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// String returns the string representation of the SettingID.
func (s SettingID) String() string {
	switch s {
	case SettingHeaderTableSize:
		return "SETTINGS_HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "SETTINGS_ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "SETTINGS_MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "SETTINGS_INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "SETTINGS_MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "SETTINGS_MAX_HEADER_LIST_SIZE"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_ID_%d", uint16(s))
	}
}

const (
	// DefaultMaxFrameSize is the initial SETTINGS_MAX_FRAME_SIZE (2^14).
	DefaultMaxFrameSize uint32 = 16384
	MinAllowedFrameSize uint32 = 16384
	MaxAllowedFrameSize uint32 = 1<<24 - 1

	// FrameHeaderLen is the length of the HTTP/2 frame header.
	FrameHeaderLen = 9

	// DefaultInitialWindowSize is the initial flow-control window (2^16 - 1).
	DefaultInitialWindowSize uint32 = 65535
	MaxWindowSize            uint32 = 1<<31 - 1

	// DefaultWeight is the priority weight of a stream that never declared one.
	DefaultWeight uint16 = 16
)

// FrameHeader represents the 9-octet header common to all frames.
type FrameHeader struct {
	Length   uint32 // 24 bits
	Type     FrameType
	Flags    Flags
	StreamID uint32 // 31 bits, reserved bit masked out
}

// ReadFrameHeader reads a frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var raw [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return FrameHeader{}, err
	}
	return parseFrameHeader(raw[:]), nil
}

func parseFrameHeader(raw []byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2]),
		Type:     FrameType(raw[3]),
		Flags:    Flags(raw[4]),
		StreamID: binary.BigEndian.Uint32(raw[5:]) & 0x7fffffff,
	}
}

func (fh FrameHeader) appendTo(dst []byte) []byte {
	dst = append(dst, byte(fh.Length>>16), byte(fh.Length>>8), byte(fh.Length), byte(fh.Type), byte(fh.Flags))
	return binary.BigEndian.AppendUint32(dst, fh.StreamID&0x7fffffff)
}

func (fh FrameHeader) String() string {
	return fmt.Sprintf("%s stream=%d len=%d flags=0x%02x", fh.Type, fh.StreamID, fh.Length, uint8(fh.Flags))
}

// Frame is the interface for all HTTP/2 frames.
type Frame interface {
	Header() *FrameHeader
	// ParsePayload decodes payload, whose length equals Header().Length.
	ParsePayload(payload []byte) error
	// AppendPayload appends the serialized payload to dst.
	AppendPayload(dst []byte) []byte
	PayloadLen() uint32
}

// stripPadding removes the Pad Length octet and trailing padding from a
// PADDED payload.
func stripPadding(fh FrameHeader, p []byte) ([]byte, error) {
	if !fh.Flags.Has(FlagPadded) {
		return p, nil
	}
	if len(p) < 1 {
		return nil, NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("padded %s frame on stream %d has no Pad Length", fh.Type, fh.StreamID))
	}
	padLen := int(p[0])
	if padLen >= len(p) {
		return nil, NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s frame on stream %d: padding %d exceeds payload %d", fh.Type, fh.StreamID, padLen, len(p)))
	}
	return p[1 : len(p)-padLen], nil
}

// PriorityParam is the dependency information carried by PRIORITY and
// prioritized HEADERS frames.
type PriorityParam struct {
	StreamDependency uint32
	Exclusive        bool
	Weight           uint16 // 1..256
}

func parsePriorityParam(p []byte) PriorityParam {
	dep := binary.BigEndian.Uint32(p)
	return PriorityParam{
		StreamDependency: dep & 0x7fffffff,
		Exclusive:        dep&0x80000000 != 0,
		Weight:           uint16(p[4]) + 1,
	}
}

func (pp PriorityParam) appendTo(dst []byte) []byte {
	dep := pp.StreamDependency & 0x7fffffff
	if pp.Exclusive {
		dep |= 0x80000000
	}
	dst = binary.BigEndian.AppendUint32(dst, dep)
	w := pp.Weight
	if w == 0 {
		w = DefaultWeight
	}
	return append(dst, byte(w-1))
}

// DataFrame represents an HTTP/2 DATA frame (RFC 7540 Section 6.1).
type DataFrame struct {
	FrameHeader
	Data []byte
}

func (f *DataFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *DataFrame) ParsePayload(p []byte) error {
	data, err := stripPadding(f.FrameHeader, p)
	if err != nil {
		return err
	}
	f.Data = data
	return nil
}

func (f *DataFrame) AppendPayload(dst []byte) []byte { return append(dst, f.Data...) }
func (f *DataFrame) PayloadLen() uint32              { return uint32(len(f.Data)) }

// HeadersFrame represents an HTTP/2 HEADERS frame (RFC 7540 Section 6.2).
type HeadersFrame struct {
	FrameHeader
	Priority            PriorityParam // valid when FlagPriority is set
	HeaderBlockFragment []byte
}

func (f *HeadersFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *HeadersFrame) ParsePayload(p []byte) error {
	p, err := stripPadding(f.FrameHeader, p)
	if err != nil {
		return err
	}
	if f.Flags.Has(FlagPriority) {
		if len(p) < 5 {
			return NewConnectionError(ErrCodeFrameSizeError,
				fmt.Sprintf("HEADERS frame on stream %d too short for priority fields", f.StreamID))
		}
		f.Priority = parsePriorityParam(p)
		p = p[5:]
	}
	f.HeaderBlockFragment = p
	return nil
}

func (f *HeadersFrame) AppendPayload(dst []byte) []byte {
	if f.Flags.Has(FlagPriority) {
		dst = f.Priority.appendTo(dst)
	}
	return append(dst, f.HeaderBlockFragment...)
}

func (f *HeadersFrame) PayloadLen() uint32 {
	n := uint32(len(f.HeaderBlockFragment))
	if f.Flags.Has(FlagPriority) {
		n += 5
	}
	return n
}

// PriorityFrame represents an HTTP/2 PRIORITY frame (RFC 7540 Section 6.3).
type PriorityFrame struct {
	FrameHeader
	PriorityParam
}

func (f *PriorityFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PriorityFrame) ParsePayload(p []byte) error {
	if len(p) != 5 {
		return NewStreamError(f.StreamID, ErrCodeFrameSizeError,
			fmt.Sprintf("PRIORITY frame payload must be 5 bytes, got %d", len(p)))
	}
	f.PriorityParam = parsePriorityParam(p)
	return nil
}

func (f *PriorityFrame) AppendPayload(dst []byte) []byte { return f.PriorityParam.appendTo(dst) }
func (f *PriorityFrame) PayloadLen() uint32              { return 5 }

// RSTStreamFrame represents an HTTP/2 RST_STREAM frame (RFC 7540 Section 6.4).
type RSTStreamFrame struct {
	FrameHeader
	ErrorCode ErrorCode
}

func (f *RSTStreamFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *RSTStreamFrame) ParsePayload(p []byte) error {
	if len(p) != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("RST_STREAM frame payload must be 4 bytes, got %d", len(p)))
	}
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(p))
	return nil
}

func (f *RSTStreamFrame) AppendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(f.ErrorCode))
}
func (f *RSTStreamFrame) PayloadLen() uint32 { return 4 }

// Setting is a single SETTINGS parameter.
type Setting struct {
	ID    SettingID
	Value uint32
}

// SettingsFrame represents an HTTP/2 SETTINGS frame (RFC 7540 Section 6.5).
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

func (f *SettingsFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *SettingsFrame) ParsePayload(p []byte) error {
	if f.Flags.Has(FlagAck) {
		if len(p) != 0 {
			return NewConnectionError(ErrCodeFrameSizeError, "SETTINGS ACK frame must have an empty payload")
		}
		return nil
	}
	if len(p)%6 != 0 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("SETTINGS frame payload length %d is not a multiple of 6", len(p)))
	}
	f.Settings = make([]Setting, 0, len(p)/6)
	for i := 0; i < len(p); i += 6 {
		f.Settings = append(f.Settings, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(p[i:])),
			Value: binary.BigEndian.Uint32(p[i+2:]),
		})
	}
	return nil
}

func (f *SettingsFrame) AppendPayload(dst []byte) []byte {
	for _, s := range f.Settings {
		dst = binary.BigEndian.AppendUint16(dst, uint16(s.ID))
		dst = binary.BigEndian.AppendUint32(dst, s.Value)
	}
	return dst
}
func (f *SettingsFrame) PayloadLen() uint32 { return uint32(6 * len(f.Settings)) }

// PushPromiseFrame represents an HTTP/2 PUSH_PROMISE frame (RFC 7540 Section 6.6).
type PushPromiseFrame struct {
	FrameHeader
	PromisedStreamID    uint32
	HeaderBlockFragment []byte
}

func (f *PushPromiseFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PushPromiseFrame) ParsePayload(p []byte) error {
	p, err := stripPadding(f.FrameHeader, p)
	if err != nil {
		return err
	}
	if len(p) < 4 {
		return NewConnectionError(ErrCodeFrameSizeError, "PUSH_PROMISE frame too short for promised stream id")
	}
	f.PromisedStreamID = binary.BigEndian.Uint32(p) & 0x7fffffff
	f.HeaderBlockFragment = p[4:]
	return nil
}

func (f *PushPromiseFrame) AppendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.PromisedStreamID&0x7fffffff)
	return append(dst, f.HeaderBlockFragment...)
}
func (f *PushPromiseFrame) PayloadLen() uint32 { return 4 + uint32(len(f.HeaderBlockFragment)) }

// PingFrame represents an HTTP/2 PING frame (RFC 7540 Section 6.7).
type PingFrame struct {
	FrameHeader
	OpaqueData [8]byte
}

func (f *PingFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PingFrame) ParsePayload(p []byte) error {
	if len(p) != 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("PING frame payload must be 8 bytes, got %d", len(p)))
	}
	copy(f.OpaqueData[:], p)
	return nil
}

func (f *PingFrame) AppendPayload(dst []byte) []byte { return append(dst, f.OpaqueData[:]...) }
func (f *PingFrame) PayloadLen() uint32              { return 8 }

// GoAwayFrame represents an HTTP/2 GOAWAY frame (RFC 7540 Section 6.8).
type GoAwayFrame struct {
	FrameHeader
	LastStreamID        uint32
	ErrorCode           ErrorCode
	AdditionalDebugData []byte
}

func (f *GoAwayFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *GoAwayFrame) ParsePayload(p []byte) error {
	if len(p) < 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("GOAWAY frame payload must be at least 8 bytes, got %d", len(p)))
	}
	f.LastStreamID = binary.BigEndian.Uint32(p) & 0x7fffffff
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(p[4:]))
	f.AdditionalDebugData = p[8:]
	return nil
}

func (f *GoAwayFrame) AppendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.LastStreamID&0x7fffffff)
	dst = binary.BigEndian.AppendUint32(dst, uint32(f.ErrorCode))
	return append(dst, f.AdditionalDebugData...)
}
func (f *GoAwayFrame) PayloadLen() uint32 { return 8 + uint32(len(f.AdditionalDebugData)) }

// WindowUpdateFrame represents an HTTP/2 WINDOW_UPDATE frame (RFC 7540 Section 6.9).
type WindowUpdateFrame struct {
	FrameHeader
	WindowSizeIncrement uint32
}

func (f *WindowUpdateFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *WindowUpdateFrame) ParsePayload(p []byte) error {
	if len(p) != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("WINDOW_UPDATE frame payload must be 4 bytes, got %d", len(p)))
	}
	f.WindowSizeIncrement = binary.BigEndian.Uint32(p) & 0x7fffffff
	return nil
}

func (f *WindowUpdateFrame) AppendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, f.WindowSizeIncrement&0x7fffffff)
}
func (f *WindowUpdateFrame) PayloadLen() uint32 { return 4 }

// ContinuationFrame represents an HTTP/2 CONTINUATION frame (RFC 7540 Section 6.10).
type ContinuationFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *ContinuationFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *ContinuationFrame) ParsePayload(p []byte) error {
	f.HeaderBlockFragment = p
	return nil
}

func (f *ContinuationFrame) AppendPayload(dst []byte) []byte {
	return append(dst, f.HeaderBlockFragment...)
}
func (f *ContinuationFrame) PayloadLen() uint32 { return uint32(len(f.HeaderBlockFragment)) }

// UnknownFrame holds a frame of a type this package does not recognize.
// Receivers must ignore such frames.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *UnknownFrame) ParsePayload(p []byte) error {
	f.Payload = p
	return nil
}

func (f *UnknownFrame) AppendPayload(dst []byte) []byte { return append(dst, f.Payload...) }
func (f *UnknownFrame) PayloadLen() uint32              { return uint32(len(f.Payload)) }

func newFrame(fh FrameHeader) Frame {
	var f Frame
	switch fh.Type {
	case FrameData:
		f = &DataFrame{}
	case FrameHeaders:
		f = &HeadersFrame{}
	case FramePriority:
		f = &PriorityFrame{}
	case FrameRSTStream:
		f = &RSTStreamFrame{}
	case FrameSettings:
		f = &SettingsFrame{}
	case FramePushPromise:
		f = &PushPromiseFrame{}
	case FramePing:
		f = &PingFrame{}
	case FrameGoAway:
		f = &GoAwayFrame{}
	case FrameWindowUpdate:
		f = &WindowUpdateFrame{}
	case FrameContinuation:
		f = &ContinuationFrame{}
	default:
		f = &UnknownFrame{}
	}
	*f.Header() = fh
	return f
}

// ReadFrame reads one complete frame from r. Frames whose declared length
// exceeds maxFrameSize are rejected with FRAME_SIZE_ERROR before the payload
// is read. The returned frame owns its payload buffer.
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	fh, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if fh.Length > maxFrameSize {
		return nil, NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("%s frame length %d exceeds maximum %d", fh.Type, fh.Length, maxFrameSize))
	}
	payload := make([]byte, fh.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading %s payload (%d bytes): %w", fh.Type, fh.Length, err)
	}
	f := newFrame(fh)
	if err := f.ParsePayload(payload); err != nil {
		return nil, err
	}
	return f, nil
}

// DecodeFrame parses one frame from the start of b and returns the number of
// bytes consumed. io.ErrUnexpectedEOF means b does not hold a whole frame yet.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < FrameHeaderLen {
		return nil, 0, io.ErrUnexpectedEOF
	}
	fh := parseFrameHeader(b)
	end := FrameHeaderLen + int(fh.Length)
	if len(b) < end {
		return nil, 0, io.ErrUnexpectedEOF
	}
	payload := append([]byte(nil), b[FrameHeaderLen:end]...)
	f := newFrame(fh)
	if err := f.ParsePayload(payload); err != nil {
		return nil, 0, err
	}
	return f, end, nil
}

// AppendFrame serializes f onto dst. The header length is recomputed from the
// payload, and padding is never emitted.
func AppendFrame(dst []byte, f Frame) []byte {
	h := f.Header()
	h.Length = f.PayloadLen()
	switch h.Type {
	case FrameData, FrameHeaders, FramePushPromise:
		h.Flags &^= FlagPadded
	}
	dst = h.appendTo(dst)
	return f.AppendPayload(dst)
}

// EncodeFrame returns the wire form of f.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, FrameHeaderLen+int(f.PayloadLen())), f)
}

// WriteFrame writes the wire form of f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf := EncodeFrame(f)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s frame (stream %d, %d bytes): %w", f.Header().Type, f.Header().StreamID, len(buf), err)
	}
	return nil
}

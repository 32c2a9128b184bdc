package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2mux/internal/hpack"
)

func outgoing(t *testing.T, r *Registry, id, dep uint32, exclusive bool) *Stream {
	t.Helper()
	s := NewStreamWithPriority(id, PriorityParam{StreamDependency: dep, Exclusive: exclusive, Weight: DefaultWeight})
	require.NoError(t, r.RegisterOutgoing(s))
	return s
}

type walked struct {
	id    uint32
	depth int
}

func walk(r *Registry) []walked {
	var out []walked
	r.Walk(func(s *Stream, depth int) bool {
		out = append(out, walked{s.ID(), depth})
		return true
	})
	return out
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterIncoming(NewStream(1)))
	assert.ErrorIs(t, r.RegisterIncoming(NewStream(1)), ErrStreamExists)

	_, tree, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, Incoming, tree)
	_, ok = r.Find(1, Outgoing)
	assert.False(t, ok)

	s, err := r.PromoteIncomingToOutgoing(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.ID())
	_, tree, _ = r.Lookup(1)
	assert.Equal(t, Outgoing, tree)
	assert.Equal(t, 0, r.Len(Incoming))
	assert.Equal(t, 1, r.Len(Outgoing))
	assert.ErrorIs(t, r.RegisterOutgoing(NewStream(1)), ErrStreamExists)

	_, err = r.PromoteIncomingToOutgoing(99)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestRegistry_PromoteUnknownDependencyFallsBackToRoot(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterIncoming(NewStreamWithPriority(3, PriorityParam{StreamDependency: 41, Weight: 8})))
	_, err := r.PromoteIncomingToOutgoing(3)
	require.NoError(t, err)

	assert.Equal(t, []uint32{3}, r.Children(0))
	p, ok := r.PriorityOf(3)
	require.True(t, ok)
	assert.Zero(t, p.StreamDependency)
	assert.EqualValues(t, 8, p.Weight)
}

func TestRegistry_SelfDependency(t *testing.T) {
	r := NewRegistry(nil)
	err := r.RegisterOutgoing(NewStreamWithPriority(5, PriorityParam{StreamDependency: 5}))
	assert.ErrorIs(t, err, ErrSelfDependency)
	assert.ErrorIs(t, r.Reparent(5, PriorityParam{StreamDependency: 5}), ErrSelfDependency)
}

func TestRegistry_ExclusiveAdoptsSiblings(t *testing.T) {
	r := NewRegistry(nil)
	outgoing(t, r, 1, 0, false)
	outgoing(t, r, 3, 0, false)
	outgoing(t, r, 5, 0, true)

	assert.Equal(t, []uint32{5}, r.Children(0))
	assert.Equal(t, []uint32{1, 3}, r.Children(5))
	p, _ := r.PriorityOf(1)
	assert.EqualValues(t, 5, p.StreamDependency)
}

func TestRegistry_ReparentMovesDescendantUp(t *testing.T) {
	r := NewRegistry(nil)
	outgoing(t, r, 1, 0, false)
	outgoing(t, r, 3, 1, false)
	outgoing(t, r, 5, 3, false)

	require.NoError(t, r.Reparent(1, PriorityParam{StreamDependency: 5, Weight: 32}))

	assert.Equal(t, []walked{{5, 0}, {1, 1}, {3, 2}}, walk(r))
	p, _ := r.PriorityOf(1)
	assert.EqualValues(t, 32, p.Weight)
	assert.Empty(t, r.Children(3))
}

func TestRegistry_ReparentIncomingOnlyRecords(t *testing.T) {
	r := NewRegistry(nil)
	outgoing(t, r, 1, 0, false)
	require.NoError(t, r.RegisterIncoming(NewStream(3)))

	require.NoError(t, r.Reparent(3, PriorityParam{StreamDependency: 1, Weight: 99}))
	assert.Equal(t, []uint32{1}, r.Children(0))

	_, err := r.PromoteIncomingToOutgoing(3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, r.Children(1))

	assert.ErrorIs(t, r.Reparent(77, PriorityParam{StreamDependency: 1}), ErrStreamNotFound)
}

func TestRegistry_WalkStops(t *testing.T) {
	r := NewRegistry(nil)
	outgoing(t, r, 1, 0, false)
	outgoing(t, r, 3, 0, false)
	outgoing(t, r, 5, 1, false)

	var seen []uint32
	r.Walk(func(s *Stream, _ int) bool {
		seen = append(seen, s.ID())
		return len(seen) < 2
	})
	assert.Equal(t, []uint32{1, 5}, seen)
}

func TestRegistry_CloseRunsHook(t *testing.T) {
	r := NewRegistry(nil)
	var hooked []uint32
	r.SetCloseHook(func(id uint32) { hooked = append(hooked, id) })
	require.NoError(t, r.RegisterIncoming(NewStream(1)))
	outgoing(t, r, 3, 0, false)

	assert.False(t, r.IsClosed(1))
	assert.Equal(t, 2, r.Active())

	r.Close(1)
	r.MarkClosed(3)
	assert.True(t, r.IsClosed(1))
	assert.True(t, r.IsClosed(3))
	assert.False(t, r.IsClosed(5), "unknown ids are not closed")
	assert.Equal(t, []uint32{1}, hooked, "MarkClosed must not purge")
	assert.Equal(t, 0, r.Active())

	// closed ids stay registered so they cannot be reused
	assert.ErrorIs(t, r.RegisterIncoming(NewStream(1)), ErrStreamExists)

	r.Release()
	assert.Equal(t, 0, r.Len(Incoming))
	assert.Equal(t, 0, r.Len(Outgoing))
}

func TestStream_HeaderBlockLifecycle(t *testing.T) {
	s := NewStream(1)
	assert.Equal(t, StreamStateIdle, s.State())

	require.NoError(t, s.appendFrame(&HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, StreamID: 1},
		HeaderBlockFragment: []byte{1, 2},
	}))
	assert.Equal(t, StreamStateActive, s.State())
	s.markEndStream()
	require.NoError(t, s.appendFrame(&ContinuationFrame{
		FrameHeader:         FrameHeader{Type: FrameContinuation, StreamID: 1},
		HeaderBlockFragment: []byte{3},
	}), "CONTINUATION may follow END_STREAM while the block is open")

	assert.Equal(t, []byte{1, 2, 3}, s.pendingHeaderBlock())
	assert.Equal(t, 3, s.pendingHeaderBlockLen())
	assert.False(t, s.readyToRoute())

	s.completeHeaderBlock([]hpack.HeaderField{{Name: ":method", Value: "GET"}})
	assert.True(t, s.readyToRoute())
	assert.Len(t, s.Headers(), 1)

	err := s.appendFrame(&DataFrame{FrameHeader: FrameHeader{Type: FrameData, StreamID: 1}})
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeStreamClosed, se.Code)

	assert.True(t, s.markRouted())
	assert.False(t, s.markRouted())
}

func TestStream_BodyAndDeferredReset(t *testing.T) {
	s := NewStream(3)
	require.NoError(t, s.appendFrame(&DataFrame{FrameHeader: FrameHeader{Type: FrameData, StreamID: 3}, Data: []byte("ab")}))
	require.NoError(t, s.appendFrame(&DataFrame{FrameHeader: FrameHeader{Type: FrameData, StreamID: 3}, Data: []byte("cd")}))
	assert.Equal(t, []byte("abcd"), s.Body())
	assert.Len(t, s.Frames(), 2)

	first := NewStreamError(3, ErrCodeRefusedStream, "full")
	s.deferReset(first)
	s.deferReset(NewStreamError(3, ErrCodeProtocolError, "later"))
	assert.Same(t, first, s.takeDeferredReset())
	assert.Nil(t, s.takeDeferredReset())

	s.setState(StreamStateClosed)
	err := s.appendFrame(&DataFrame{FrameHeader: FrameHeader{Type: FrameData, StreamID: 3}})
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeStreamClosed, se.Code)
}

package http2

import (
	"errors"
	"sync"

	"example.com/h2mux/internal/logger"
)

// Tree selects one of the two stream collections kept by a Registry.
type Tree int

const (
	// Incoming holds streams whose request is still being received.
	Incoming Tree = iota
	// Outgoing holds streams whose request is complete and whose response
	// is being produced. Only this tree carries dependency links.
	Outgoing
)

func (t Tree) String() string {
	if t == Incoming {
		return "incoming"
	}
	return "outgoing"
}

var (
	ErrStreamExists   = errors.New("http2: stream id already registered")
	ErrStreamNotFound = errors.New("http2: stream not found")
	ErrSelfDependency = errors.New("http2: stream cannot depend on itself")
)

// Registry tracks the streams of one connection. Streams live in a flat map
// keyed by id; the outgoing dependency tree is expressed through id links, so
// lookups are O(1) and tree walks never recurse.
//
// Closed streams stay registered until Release so their ids are never reused
// and late frames for them can be recognized.
type Registry struct {
	mu       sync.Mutex
	incoming map[uint32]*Stream
	outgoing map[uint32]*Stream
	roots    []uint32 // children of the implicit root (stream 0), outgoing tree
	onClose  func(streamID uint32)
	log      *logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(lg *logger.Logger) *Registry {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Registry{
		incoming: make(map[uint32]*Stream),
		outgoing: make(map[uint32]*Stream),
		log:      lg,
	}
}

// SetCloseHook installs fn to run after Close marks a stream closed. The
// connection uses it to purge the stream's queued output.
func (r *Registry) SetCloseHook(fn func(streamID uint32)) {
	r.mu.Lock()
	r.onClose = fn
	r.mu.Unlock()
}

// RegisterIncoming adds a stream whose request is starting to arrive.
func (r *Registry) RegisterIncoming(s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.knownLocked(s.id) {
		return ErrStreamExists
	}
	r.incoming[s.id] = s
	incrStreamCounter("opened")
	return nil
}

// RegisterOutgoing adds s to the outgoing tree under its declared dependency.
// A dependency on a stream that is not in the outgoing tree falls back to the
// root and is logged.
func (r *Registry) RegisterOutgoing(s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.knownLocked(s.id) {
		return ErrStreamExists
	}
	return r.attachLocked(s)
}

// PromoteIncomingToOutgoing moves a stream whose request has fully arrived
// into the outgoing tree.
func (r *Registry) PromoteIncomingToOutgoing(id uint32) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.incoming[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	delete(r.incoming, id)
	if err := r.attachLocked(s); err != nil {
		r.incoming[id] = s
		return nil, err
	}
	return s, nil
}

// Find returns the stream registered under id in the given tree.
func (r *Registry) Find(id uint32, tree Tree) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s *Stream
	var ok bool
	if tree == Incoming {
		s, ok = r.incoming[id]
	} else {
		s, ok = r.outgoing[id]
	}
	return s, ok
}

// Lookup searches both trees.
func (r *Registry) Lookup(id uint32) (*Stream, Tree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.incoming[id]; ok {
		return s, Incoming, true
	}
	if s, ok := r.outgoing[id]; ok {
		return s, Outgoing, true
	}
	return nil, 0, false
}

// IsClosed reports whether id names a stream that is closed in either tree.
// Unknown ids are not closed.
func (r *Registry) IsClosed(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.incoming[id]; ok && s.State() == StreamStateClosed {
		return true
	}
	if s, ok := r.outgoing[id]; ok && s.State() == StreamStateClosed {
		return true
	}
	return false
}

// Close marks id closed in both trees and runs the close hook, which drops
// any of its frames still waiting to be sent.
func (r *Registry) Close(id uint32) {
	r.mu.Lock()
	r.markClosedLocked(id)
	hook := r.onClose
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
}

// MarkClosed marks id closed without purging queued output. It is used once
// the final frame of a response has been written.
func (r *Registry) MarkClosed(id uint32) {
	r.mu.Lock()
	r.markClosedLocked(id)
	r.mu.Unlock()
}

func (r *Registry) markClosedLocked(id uint32) {
	if s, ok := r.incoming[id]; ok {
		s.setState(StreamStateClosed)
	}
	if s, ok := r.outgoing[id]; ok {
		s.setState(StreamStateClosed)
	}
}

// Reparent applies a PRIORITY frame. Streams still in the incoming tree only
// record the new values, which take effect on promotion. In the outgoing tree
// the stream moves under its new parent; if that parent is currently one of
// its descendants, the parent is first moved up to the stream's former parent
// (RFC 7540 Section 5.3.3). An exclusive dependency adopts all of the new
// parent's other children.
func (r *Registry) Reparent(id uint32, p PriorityParam) error {
	if p.StreamDependency == id {
		return ErrSelfDependency
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.incoming[id]; ok {
		s.dependency = p.StreamDependency
		s.exclusive = p.Exclusive
		if p.Weight != 0 {
			s.weight = p.Weight
		}
		return nil
	}
	s, ok := r.outgoing[id]
	if !ok {
		return ErrStreamNotFound
	}

	dep := p.StreamDependency
	if dep != 0 {
		if _, ok := r.outgoing[dep]; !ok {
			r.log.Warn("Priority dependency not in outgoing tree, using root", logger.LogFields{
				"stream_id":  id,
				"dependency": dep,
			})
			dep = 0
		}
	}

	if dep != 0 && r.isDescendantLocked(dep, id) {
		parent := r.outgoing[dep]
		r.detachLocked(parent)
		parent.dependency = s.dependency
		list := r.childListLocked(parent.dependency)
		*list = append(*list, parent.id)
	}

	r.detachLocked(s)
	s.dependency = dep
	s.exclusive = p.Exclusive
	if p.Weight != 0 {
		s.weight = p.Weight
	}
	r.linkLocked(s)
	return nil
}

// PriorityOf returns the dependency and weight recorded for id.
func (r *Registry) PriorityOf(id uint32) (PriorityParam, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.incoming[id]
	if !ok {
		s, ok = r.outgoing[id]
	}
	if !ok {
		return PriorityParam{}, false
	}
	return PriorityParam{StreamDependency: s.dependency, Weight: s.weight, Exclusive: s.exclusive}, true
}

// Children returns the ids of id's direct children in the outgoing tree.
// Id 0 names the root.
func (r *Registry) Children(id uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		return append([]uint32(nil), r.roots...)
	}
	if s, ok := r.outgoing[id]; ok {
		return append([]uint32(nil), s.children...)
	}
	return nil
}

// Walk visits the outgoing tree depth-first in child order, reporting each
// stream's depth below the root (root children are depth 0). Returning false
// from fn stops the walk. fn must not call back into the registry.
func (r *Registry) Walk(fn func(s *Stream, depth int) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type entry struct {
		id    uint32
		depth int
	}
	stack := make([]entry, 0, len(r.roots))
	for i := len(r.roots) - 1; i >= 0; i-- {
		stack = append(stack, entry{r.roots[i], 0})
	}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s, ok := r.outgoing[e.id]
		if !ok {
			continue
		}
		if !fn(s, e.depth) {
			return
		}
		for i := len(s.children) - 1; i >= 0; i-- {
			stack = append(stack, entry{s.children[i], e.depth + 1})
		}
	}
}

// Len returns the number of streams in tree.
func (r *Registry) Len(tree Tree) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tree == Incoming {
		return len(r.incoming)
	}
	return len(r.outgoing)
}

// Active returns the number of registered streams that are not closed.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.incoming {
		if s.State() != StreamStateClosed {
			n++
		}
	}
	for _, s := range r.outgoing {
		if s.State() != StreamStateClosed {
			n++
		}
	}
	return n
}

// Release drops every stream. Called when the connection closes.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.incoming {
		s.setState(StreamStateClosed)
	}
	for _, s := range r.outgoing {
		s.setState(StreamStateClosed)
	}
	r.incoming = make(map[uint32]*Stream)
	r.outgoing = make(map[uint32]*Stream)
	r.roots = nil
	r.onClose = nil
}

func (r *Registry) knownLocked(id uint32) bool {
	_, in := r.incoming[id]
	_, out := r.outgoing[id]
	return in || out
}

func (r *Registry) attachLocked(s *Stream) error {
	if s.dependency == s.id {
		return ErrSelfDependency
	}
	if s.dependency != 0 {
		if _, ok := r.outgoing[s.dependency]; !ok {
			r.log.Warn("Stream dependency not in outgoing tree, registering at root", logger.LogFields{
				"stream_id":  s.id,
				"dependency": s.dependency,
			})
			s.dependency = 0
		}
	}
	r.outgoing[s.id] = s
	r.linkLocked(s)
	return nil
}

// linkLocked appends s to its parent's child list, adopting the parent's
// existing children first when the dependency is exclusive.
func (r *Registry) linkLocked(s *Stream) {
	list := r.childListLocked(s.dependency)
	if s.exclusive {
		for _, cid := range *list {
			if cid == s.id {
				continue
			}
			if c, ok := r.outgoing[cid]; ok {
				c.dependency = s.id
				s.children = append(s.children, cid)
			}
		}
		*list = (*list)[:0]
	}
	*list = append(*list, s.id)
}

func (r *Registry) detachLocked(s *Stream) {
	list := r.childListLocked(s.dependency)
	for i, cid := range *list {
		if cid == s.id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (r *Registry) childListLocked(parent uint32) *[]uint32 {
	if parent == 0 {
		return &r.roots
	}
	if p, ok := r.outgoing[parent]; ok {
		return &p.children
	}
	return &r.roots
}

// isDescendantLocked reports whether id sits somewhere below ancestor.
func (r *Registry) isDescendantLocked(id, ancestor uint32) bool {
	cur := id
	for steps := 0; steps <= len(r.outgoing); steps++ {
		s, ok := r.outgoing[cur]
		if !ok || s.dependency == 0 {
			return false
		}
		if s.dependency == ancestor {
			return true
		}
		cur = s.dependency
	}
	return false
}

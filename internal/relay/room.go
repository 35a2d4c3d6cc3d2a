package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/HansTydecks/blog-didacta-colab/internal/awareness"
	"github.com/HansTydecks/blog-didacta-colab/internal/crdt"
)

// Persistence policies for room snapshots.
const (
	PolicyManual     = "manual"
	PolicyDisconnect = "disconnect"
	PolicyPeriodic   = "periodic"
)

// ErrNoSnapshot is returned by a Loader when a room has no stored state.
var ErrNoSnapshot = errors.New("relay: no snapshot")

// Loader hydrates a freshly created room from storage.
type Loader interface {
	LoadSnapshot(ctx context.Context, room string) ([]byte, error)
}

// Sink receives room snapshots for persistence. Implementations decide
// whether to write directly or hand off to a queue.
type Sink interface {
	SaveSnapshot(ctx context.Context, room string, snapshot []byte) error
}

// Options configure room behaviour; zero values take the defaults.
type Options struct {
	Loader Loader
	Sink   Sink
	// Policy is one of the Policy* constants; default PolicyDisconnect.
	Policy       string
	PersistEvery time.Duration

	AwarenessTimeout time.Duration
	SweepEvery       time.Duration

	// GCOnRelease collects tombstones when the last session leaves.
	GCOnRelease bool
	// Retain keeps empty rooms resident instead of evicting them.
	Retain bool
}

func (o Options) withDefaults() Options {
	if o.Policy == "" {
		o.Policy = PolicyDisconnect
	}
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = awareness.DefaultTimeout
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = o.AwarenessTimeout / 3
	}
	if o.PersistEvery <= 0 {
		o.PersistEvery = time.Minute
	}
	return o
}

type inbound struct {
	from *Session
	data []byte
}

// Room holds the relay-side replica of one document and the sessions
// attached to it. A single goroutine processes everything, so frames within
// a room are serialized while rooms stay independent of each other.
type Room struct {
	name string
	doc  *crdt.Doc
	aw   *awareness.Awareness
	opts Options

	join    chan *Session
	leave   chan *Session
	inbox   chan inbound
	persist chan struct{}
	quit    chan struct{}
	// done is closed when the room loop has exited; attach uses it to
	// catch joins that raced the shutdown.
	done chan struct{}

	// controlled awareness client ids per session, for cleanup when a
	// connection goes away without a departure message.
	sessions map[*Session]map[uint64]struct{}

	onEmpty func(*Room)
}

func newRoom(name string, opts Options, onEmpty func(*Room)) *Room {
	return &Room{
		name:     name,
		doc:      crdt.NewDoc(0),
		aw:       awareness.New(0),
		opts:     opts.withDefaults(),
		join:     make(chan *Session, 8),
		leave:    make(chan *Session, 8),
		inbox:    make(chan inbound, 256),
		persist:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		sessions: map[*Session]map[uint64]struct{}{},
		onEmpty:  onEmpty,
	}
}

// hydrate loads the stored snapshot, if any, before the room goes live.
func (r *Room) hydrate(ctx context.Context) error {
	if r.opts.Loader == nil {
		return nil
	}
	snap, err := r.opts.Loader.LoadSnapshot(ctx, r.name)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.doc.Load(snap)
}

func (r *Room) run() {
	sweep := time.NewTicker(r.opts.SweepEvery)
	defer sweep.Stop()
	var persistC <-chan time.Time
	if r.opts.Policy == PolicyPeriodic && r.opts.Sink != nil {
		t := time.NewTicker(r.opts.PersistEvery)
		defer t.Stop()
		persistC = t.C
	}
	for {
		select {
		case s := <-r.join:
			r.addSession(s)
		case s := <-r.leave:
			r.dropSession(s)
		case in := <-r.inbox:
			r.handle(in)
		case <-sweep.C:
			r.sweepAwareness()
		case <-persistC:
			r.saveSnapshot()
		case <-r.persist:
			r.saveSnapshot()
		case <-r.quit:
			for s := range r.sessions {
				close(s.send)
				delete(r.sessions, s)
			}
			// done must be closed before the drain: attach re-checks it
			// after sending, so any join landing after the drain gets
			// closed by attach instead of sitting in the buffer.
			close(r.done)
			for {
				select {
				case s := <-r.join:
					close(s.send)
				default:
					return
				}
			}
		}
	}
}

func (r *Room) stop() {
	close(r.quit)
}

// attach hands a new connection to the room loop. A join can race the
// room's eviction: the buffered send succeeds but the loop never picks it
// up. The connection is closed in that case so the client reconnects into
// a fresh room.
func (r *Room) attach(s *Session) {
	select {
	case r.join <- s:
		select {
		case <-r.done:
			s.close()
		default:
		}
	case <-r.quit:
		s.close()
	}
}

// detach is called by the read pump when the connection is gone.
func (r *Room) detach(s *Session) {
	select {
	case r.leave <- s:
	case <-r.quit:
	}
}

// deliver hands an inbound frame to the room loop.
func (r *Room) deliver(s *Session, data []byte) {
	select {
	case r.inbox <- inbound{from: s, data: data}:
	case <-r.quit:
	}
}

// Persist requests a snapshot save outside the regular policy, serialized
// through the room loop.
func (r *Room) Persist() {
	select {
	case r.persist <- struct{}{}:
	default:
	}
}

func (r *Room) addSession(s *Session) {
	r.sessions[s] = map[uint64]struct{}{}
	// Catch-up exchange: ask the client for what we miss; it answers with
	// a step 2 and sends its own step 1 for the reverse direction.
	s.enqueue(EncodeSync(SyncStep1, crdt.EncodeStateVector(r.doc.StateVector())))
	if len(r.aw.States()) > 0 {
		s.enqueue(EncodeAwareness(r.aw.Encode()))
	}
	log.Printf("[Relay] room=%s session joined, sessions=%d", r.name, len(r.sessions))
}

func (r *Room) dropSession(s *Session) {
	controlled, ok := r.sessions[s]
	if !ok {
		return
	}
	delete(r.sessions, s)
	close(s.send)

	if len(controlled) > 0 {
		ids := make([]uint64, 0, len(controlled))
		for id := range controlled {
			ids = append(ids, id)
		}
		r.aw.RemoveStates(ids...)
		r.broadcast(nil, EncodeAwareness(r.aw.Encode(ids...)))
	}
	log.Printf("[Relay] room=%s session left, sessions=%d", r.name, len(r.sessions))

	if r.opts.Policy == PolicyDisconnect {
		r.saveSnapshot()
	}
	if len(r.sessions) == 0 {
		r.release()
	}
}

// release runs when the last session leaves: collect tombstones, make sure
// the result is persisted, and let the registry apply its eviction policy.
func (r *Room) release() {
	if r.opts.GCOnRelease {
		if n := r.doc.RunGarbageCollection(r.doc.StateVector()); n > 0 {
			log.Printf("[Relay] room=%s collected %d tombstones", r.name, n)
		}
	}
	if r.opts.Policy != PolicyManual {
		r.saveSnapshot()
	}
	if r.onEmpty != nil {
		r.onEmpty(r)
	}
}

func (r *Room) handle(in inbound) {
	m, err := DecodeMessage(in.data)
	if err != nil {
		log.Printf("[Relay] room=%s dropping frame: %v", r.name, err)
		return
	}
	switch m.Type {
	case MessageSync:
		r.handleSync(in.from, m)
	case MessageAwareness:
		r.handleAwareness(in.from, m)
	default:
		// Frame type from a newer peer: ignorable.
	}
}

func (r *Room) handleSync(from *Session, m Message) {
	switch m.Sub {
	case SyncStep1:
		sv, err := crdt.DecodeStateVector(m.Payload)
		if err != nil {
			log.Printf("[Relay] room=%s bad state summary: %v", r.name, err)
			return
		}
		diff := r.doc.DiffFrom(sv)
		from.enqueue(EncodeSync(SyncStep2, crdt.EncodeUpdate(diff)))
	case SyncStep2, SyncUpdate:
		u, err := crdt.DecodeUpdate(m.Payload)
		if err != nil {
			log.Printf("[Relay] room=%s bad update: %v", r.name, err)
			return
		}
		if u.Empty() {
			return
		}
		r.doc.ApplyUpdate(u)
		r.broadcast(from, EncodeSync(SyncUpdate, m.Payload))
	}
}

func (r *Room) handleAwareness(from *Session, m Message) {
	change, err := r.aw.Apply(m.Payload)
	if err != nil {
		log.Printf("[Relay] room=%s bad awareness payload: %v", r.name, err)
		return
	}
	controlled := r.sessions[from]
	if controlled != nil {
		for _, id := range change.Added {
			controlled[id] = struct{}{}
		}
		for _, id := range change.Updated {
			controlled[id] = struct{}{}
		}
		for _, id := range change.Removed {
			delete(controlled, id)
		}
	}
	r.broadcast(from, EncodeAwareness(m.Payload))
}

func (r *Room) sweepAwareness() {
	expired := r.aw.Sweep(r.opts.AwarenessTimeout)
	if len(expired) == 0 {
		return
	}
	for _, controlled := range r.sessions {
		for _, id := range expired {
			delete(controlled, id)
		}
	}
	r.broadcast(nil, EncodeAwareness(r.aw.Encode(expired...)))
}

// broadcast fans a frame out to every session except from. Sessions that
// cannot keep up are disconnected rather than allowed to stall the room.
func (r *Room) broadcast(from *Session, frame []byte) {
	for s := range r.sessions {
		if s == from {
			continue
		}
		if !s.enqueue(frame) {
			log.Printf("[Relay] room=%s dropping slow session", r.name)
			s.close()
		}
	}
}

func (r *Room) saveSnapshot() {
	if r.opts.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.opts.Sink.SaveSnapshot(ctx, r.name, r.doc.Snapshot()); err != nil {
		log.Printf("[Relay] room=%s snapshot save failed: %v", r.name, err)
	}
}

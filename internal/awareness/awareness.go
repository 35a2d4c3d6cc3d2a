package awareness

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a remote entry survives without updates
// before a sweep drops it.
const DefaultTimeout = 30 * time.Second

// ErrDecode is returned for malformed awareness payloads.
var ErrDecode = fmt.Errorf("awareness: malformed payload")

// State is one session's ephemeral presence: arbitrary JSON fields such as
// "user" (name, color) and "cursor". It is never persisted and never part
// of the document history.
type State map[string]json.RawMessage

func (s State) clone() State {
	if s == nil {
		return nil
	}
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Change lists the clients affected by one batch of awareness updates.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Awareness tracks the presence states of every session in a room. Each
// entry carries a per-client clock; stale updates lose. Reads return
// snapshots, so handlers observe a consistent view while updates keep
// flowing.
type Awareness struct {
	mu      sync.Mutex
	client  uint64
	clocks  map[uint64]uint64
	states  map[uint64]State
	seen    map[uint64]time.Time
	nextSub int
	subs    map[int]func(Change)

	now func() time.Time
}

// New creates an awareness instance for the given local client id. The
// local state starts absent; SetLocalState announces it.
func New(client uint64) *Awareness {
	return &Awareness{
		client: client,
		clocks: map[uint64]uint64{},
		states: map[uint64]State{},
		seen:   map[uint64]time.Time{},
		subs:   map[int]func(Change){},
		now:    time.Now,
	}
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 { return a.client }

// OnChange registers a handler fired after every effective state change,
// local or remote. The returned function unsubscribes.
func (a *Awareness) OnChange(fn func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}

func (a *Awareness) notify(c Change) {
	if c.empty() {
		return
	}
	a.mu.Lock()
	fns := make([]func(Change), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// States returns a snapshot of all present states keyed by client id.
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.clone()
	}
	return out
}

// LocalState returns a snapshot of the local state, or nil when absent.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.client].clone()
}

// SetLocalState replaces the local state and bumps its clock. A nil state
// announces departure.
func (a *Awareness) SetLocalState(s State) {
	a.mu.Lock()
	a.clocks[a.client]++
	var c Change
	_, had := a.states[a.client]
	switch {
	case s == nil && had:
		delete(a.states, a.client)
		c.Removed = append(c.Removed, a.client)
	case s != nil && had:
		a.states[a.client] = s.clone()
		c.Updated = append(c.Updated, a.client)
	case s != nil:
		a.states[a.client] = s.clone()
		c.Added = append(c.Added, a.client)
	}
	a.seen[a.client] = a.now()
	a.mu.Unlock()
	a.notify(c)
}

// SetLocalStateField updates one field of the local state, creating the
// state if absent.
func (a *Awareness) SetLocalStateField(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	a.mu.Lock()
	s := a.states[a.client].clone()
	if s == nil {
		s = State{}
	}
	s[key] = raw
	a.clocks[a.client]++
	_, had := a.states[a.client]
	a.states[a.client] = s
	a.seen[a.client] = a.now()
	var c Change
	if had {
		c.Updated = append(c.Updated, a.client)
	} else {
		c.Added = append(c.Added, a.client)
	}
	a.mu.Unlock()
	a.notify(c)
	return nil
}

// RemoveStates drops the entries of the given clients, bumping their clocks
// so the removal wins over any in-flight update. Used by the relay when a
// connection goes away without a departure message.
func (a *Awareness) RemoveStates(clients ...uint64) {
	a.mu.Lock()
	var c Change
	for _, id := range clients {
		a.clocks[id]++
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			c.Removed = append(c.Removed, id)
		}
	}
	a.mu.Unlock()
	a.notify(c)
}

// Sweep drops remote entries not refreshed within timeout and returns the
// ids dropped. The local entry is exempt.
func (a *Awareness) Sweep(timeout time.Duration) []uint64 {
	a.mu.Lock()
	cutoff := a.now().Add(-timeout)
	var expired []uint64
	for id := range a.states {
		if id == a.client {
			continue
		}
		if a.seen[id].Before(cutoff) {
			expired = append(expired, id)
		}
	}
	var c Change
	for _, id := range expired {
		a.clocks[id]++
		delete(a.states, id)
		c.Removed = append(c.Removed, id)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	a.mu.Unlock()
	a.notify(c)
	return expired
}

// RunSweeper sweeps at the given interval until ctx is done. Both values
// fall back to DefaultTimeout when zero.
func (a *Awareness) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = DefaultTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Sweep(timeout)
		}
	}
}

// Encode serializes the entries of the given clients, absent entries as
// removals. With no clients it serializes every known entry, which is the
// snapshot a joining session receives.
func (a *Awareness) Encode(clients ...uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(clients) == 0 {
		clients = make([]uint64, 0, len(a.clocks))
		for id := range a.clocks {
			clients = append(clients, id)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	}
	buf := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, id := range clients {
		buf = binary.AppendUvarint(buf, id)
		buf = binary.AppendUvarint(buf, a.clocks[id])
		payload := []byte("null")
		if s, ok := a.states[id]; ok {
			payload, _ = json.Marshal(s)
		}
		buf = binary.AppendUvarint(buf, uint64(len(payload)))
		buf = append(buf, payload...)
	}
	return buf
}

// Apply merges a remote awareness payload. Entries with clocks at or below
// the known clock are ignored; null states remove. Returns the resulting
// change so relays can decide what to forward.
func (a *Awareness) Apply(b []byte) (Change, error) {
	entries, err := decodeEntries(b)
	if err != nil {
		return Change{}, err
	}
	a.mu.Lock()
	var c Change
	now := a.now()
	for _, e := range entries {
		known, tracked := a.clocks[e.client]
		if tracked && e.clock <= known {
			// Equal clocks only matter for removals, which must win
			// over the update they race with.
			if e.clock != known || e.state != nil {
				continue
			}
		}
		a.clocks[e.client] = e.clock
		_, had := a.states[e.client]
		switch {
		case e.state == nil && had:
			delete(a.states, e.client)
			delete(a.seen, e.client)
			c.Removed = append(c.Removed, e.client)
		case e.state == nil:
			// Removal for a client never seen: remember the clock only.
		case had:
			a.states[e.client] = e.state
			a.seen[e.client] = now
			c.Updated = append(c.Updated, e.client)
		default:
			a.states[e.client] = e.state
			a.seen[e.client] = now
			c.Added = append(c.Added, e.client)
		}
	}
	a.mu.Unlock()
	a.notify(c)
	return c, nil
}

type entry struct {
	client uint64
	clock  uint64
	state  State
}

func decodeEntries(b []byte) ([]entry, error) {
	pos := 0
	next := func() (uint64, bool) {
		v, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return 0, false
		}
		pos += n
		return v, true
	}
	count, ok := next()
	if !ok || count > uint64(len(b)) {
		return nil, ErrDecode
	}
	entries := make([]entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e entry
		if e.client, ok = next(); !ok {
			return nil, ErrDecode
		}
		if e.clock, ok = next(); !ok {
			return nil, ErrDecode
		}
		n, ok := next()
		if !ok || n > uint64(len(b)-pos) {
			return nil, ErrDecode
		}
		payload := b[pos : pos+int(n)]
		pos += int(n)
		if string(payload) != "null" {
			var s State
			if err := json.Unmarshal(payload, &s); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecode, err)
			}
			e.state = s
		}
		entries = append(entries, e)
	}
	return entries, nil
}

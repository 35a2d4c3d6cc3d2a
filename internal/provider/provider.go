package provider

import (
	"context"
	"encoding/binary"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HansTydecks/blog-didacta-colab/internal/awareness"
	"github.com/HansTydecks/blog-didacta-colab/internal/crdt"
	"github.com/HansTydecks/blog-didacta-colab/internal/relay"
)

// Status of the relay connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second

	outboundBuffer = 256
	pongWait       = 90 * time.Second
)

// Provider connects a local document replica to a relay room. Edits apply
// locally first and are forwarded while connected; after an outage the
// state-summary exchange on reconnect transfers exactly what either side
// missed.
type Provider struct {
	url string
	doc *crdt.Doc
	aw  *awareness.Awareness

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	out        chan []byte
	conn       *websocket.Conn
	status     Status
	nextSub    int
	statusSubs map[int]func(Status)

	unsubDoc func()
	unsubAw  func()
}

// NewClientID allocates a random nonzero replica id for a new session.
// Zero is reserved for the relay-side replica.
func NewClientID() uint64 {
	for {
		id := uuid.New()
		if v := binary.BigEndian.Uint64(id[:8]); v != 0 {
			return v
		}
	}
}

// New prepares a provider for the given room URL (scheme ws or wss, room in
// the path, ticket in the query if the relay requires one). Connect starts it.
func New(url string, doc *crdt.Doc, aw *awareness.Awareness) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		url:        url,
		doc:        doc,
		aw:         aw,
		ctx:        ctx,
		cancel:     cancel,
		status:     StatusDisconnected,
		statusSubs: map[int]func(Status){},
	}
}

// Doc returns the bound document replica.
func (p *Provider) Doc() *crdt.Doc { return p.doc }

// Awareness returns the bound awareness instance.
func (p *Provider) Awareness() *awareness.Awareness { return p.aw }

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnStatus registers a handler fired on every status transition. The
// returned function unsubscribes.
func (p *Provider) OnStatus(fn func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.statusSubs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.statusSubs, id)
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	fns := make([]func(Status), 0, len(p.statusSubs))
	for _, fn := range p.statusSubs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Connect starts the connection loop. Local edits made while disconnected
// stay in the document and transfer on the next successful handshake.
func (p *Provider) Connect() {
	p.unsubDoc = p.doc.OnUpdate(func(u *crdt.Update, local bool) {
		if local {
			p.sendFrame(relay.EncodeSync(relay.SyncUpdate, crdt.EncodeUpdate(u)))
		}
	})
	local := p.aw.ClientID()
	p.unsubAw = p.aw.OnChange(func(c awareness.Change) {
		for _, id := range append(append(append([]uint64{}, c.Added...), c.Updated...), c.Removed...) {
			if id == local {
				p.sendFrame(relay.EncodeAwareness(p.aw.Encode(local)))
				return
			}
		}
	})
	p.wg.Add(1)
	go p.run()
}

// Close announces departure, stops reconnecting and tears the connection
// down.
func (p *Provider) Close() {
	if p.unsubDoc != nil {
		p.unsubDoc()
	}
	p.aw.SetLocalState(nil)
	if p.unsubAw != nil {
		p.unsubAw()
	}
	// Leave the departure frame a moment to flush.
	time.Sleep(20 * time.Millisecond)
	p.cancel()
	p.wg.Wait()
}

func (p *Provider) run() {
	defer p.wg.Done()
	backoff := initialBackoff
	for {
		if p.ctx.Err() != nil {
			return
		}
		p.setStatus(StatusConnecting)
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(p.ctx, p.url, nil)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Printf("[Provider] dial %s failed: %v", p.url, err)
			p.setStatus(StatusDisconnected)
			// Jittered exponential backoff.
			delay := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(delay):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff
		p.setStatus(StatusConnected)
		p.serve(conn)
		p.setStatus(StatusDisconnected)
	}
}

// serve runs one connection until it fails: a writer goroutine drains the
// outbound queue while this goroutine reads and dispatches frames.
func (p *Provider) serve(conn *websocket.Conn) {
	out := make(chan []byte, outboundBuffer)
	p.mu.Lock()
	p.out = out
	p.conn = conn
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range out {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}()

	// Handshake: tell the relay what we have and announce presence.
	p.enqueue(conn, out, relay.EncodeSync(relay.SyncStep1, crdt.EncodeStateVector(p.doc.StateVector())))
	if p.aw.LocalState() != nil {
		p.enqueue(conn, out, relay.EncodeAwareness(p.aw.Encode(p.aw.ClientID())))
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	stop := make(chan struct{})
	go func() {
		select {
		case <-p.ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		p.handleFrame(conn, out, data)
	}

	close(stop)
	p.mu.Lock()
	p.out = nil
	p.conn = nil
	close(out)
	p.mu.Unlock()
	<-done
	conn.Close()
}

func (p *Provider) handleFrame(conn *websocket.Conn, out chan []byte, data []byte) {
	m, err := relay.DecodeMessage(data)
	if err != nil {
		log.Printf("[Provider] dropping frame: %v", err)
		return
	}
	switch m.Type {
	case relay.MessageSync:
		switch m.Sub {
		case relay.SyncStep1:
			sv, err := crdt.DecodeStateVector(m.Payload)
			if err != nil {
				log.Printf("[Provider] bad state summary: %v", err)
				return
			}
			diff := p.doc.DiffFrom(sv)
			p.enqueue(conn, out, relay.EncodeSync(relay.SyncStep2, crdt.EncodeUpdate(diff)))
		case relay.SyncStep2, relay.SyncUpdate:
			u, err := crdt.DecodeUpdate(m.Payload)
			if err != nil {
				log.Printf("[Provider] bad update: %v", err)
				return
			}
			p.doc.ApplyUpdate(u)
		}
	case relay.MessageAwareness:
		if _, err := p.aw.Apply(m.Payload); err != nil {
			log.Printf("[Provider] bad awareness payload: %v", err)
		}
	}
}

// sendFrame queues a frame for the current connection, dropping it when
// offline; the reconnect handshake covers anything missed. The queue is
// only closed under the same lock, so the send cannot race the teardown.
// A full queue means the writer has stalled; silently dropping the frame
// would leave the relay waiting on the gap forever, so the connection is
// failed instead and the reconnect exchange recovers everything.
func (p *Provider) sendFrame(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return
	}
	select {
	case p.out <- frame:
	default:
		log.Printf("[Provider] outbound queue full, failing connection")
		if p.conn != nil {
			p.conn.Close()
		}
	}
}

// enqueue is for frames built inside the read loop, where the queue is
// known to be open. Overflow fails the connection, same as sendFrame.
func (p *Provider) enqueue(conn *websocket.Conn, out chan []byte, frame []byte) {
	select {
	case out <- frame:
	default:
		log.Printf("[Provider] outbound queue full, failing connection")
		conn.Close()
	}
}

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/HansTydecks/blog-didacta-colab/internal/awareness"
	"github.com/HansTydecks/blog-didacta-colab/internal/collab"
	"github.com/HansTydecks/blog-didacta-colab/internal/crdt"
	"github.com/HansTydecks/blog-didacta-colab/internal/provider"
	"github.com/HansTydecks/blog-didacta-colab/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDocs stands in for the Mongo store so the flow runs without external
// services.
type memDocs struct {
	byToken map[string]*collab.Document
}

func (m *memDocs) GetByToken(_ context.Context, token string) (*collab.Document, error) {
	doc, ok := m.byToken[token]
	if !ok {
		return nil, collab.ErrNotFound
	}
	return doc, nil
}

func (m *memDocs) AddAuthor(_ context.Context, docID string, a collab.Author) error {
	for _, doc := range m.byToken {
		if doc.ID == docID {
			doc.Authors = append(doc.Authors, a)
			return nil
		}
	}
	return collab.ErrNotFound
}

type env struct {
	collabSrv *httptest.Server
	relaySrv  *httptest.Server
}

func setupEnv(t *testing.T, docs ...*collab.Document) *env {
	t.Helper()

	key, err := collab.GeneratePrivateKey()
	require.NoError(t, err)
	tickets := collab.NewTicketService(key, time.Hour)

	store := &memDocs{byToken: map[string]*collab.Document{}}
	for _, d := range docs {
		store.byToken[d.Token] = d
	}
	media := collab.NewMediaStore(t.TempDir(), 1<<20)
	collabSrv := httptest.NewServer(collab.NewServer(store, tickets, media))

	registry := relay.NewRegistry(relay.Options{})
	relaySrv := httptest.NewServer(relay.NewServer(registry, tickets))

	t.Cleanup(func() {
		collabSrv.Close()
		relaySrv.Close()
		registry.Shutdown()
	})
	return &env{collabSrv: collabSrv, relaySrv: relaySrv}
}

type joinResult struct {
	Author struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Color string `json:"color"`
	} `json:"author"`
	Room   string `json:"room"`
	Ticket string `json:"ticket"`
}

func (e *env) join(t *testing.T, token, name string) joinResult {
	t.Helper()
	body, err := json.Marshal(map[string]string{"name": name})
	require.NoError(t, err)

	resp, err := http.Post(e.collabSrv.URL+"/api/collab/"+token+"/join", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result joinResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (e *env) relayURL(room, ticket string) string {
	base := "ws" + strings.TrimPrefix(e.relaySrv.URL, "http")
	return base + "/" + room + "?ticket=" + url.QueryEscape(ticket)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestJoinEditConverge(t *testing.T) {
	doc := &collab.Document{
		ID:     "post-77",
		Token:  "invite-77",
		Title:  "Bees in the school garden",
		Status: collab.StatusDraft,
	}
	e := setupEnv(t, doc)

	ada := e.join(t, "invite-77", "Ada")
	grace := e.join(t, "invite-77", "Grace")
	assert.Equal(t, "post-77", ada.Room)
	assert.NotEqual(t, ada.Author.ID, grace.Author.ID)

	adaID := provider.NewClientID()
	adaDoc := crdt.NewDoc(adaID)
	adaProv := provider.New(e.relayURL(ada.Room, ada.Ticket), adaDoc, awareness.New(adaID))
	adaProv.Connect()
	defer adaProv.Close()

	graceID := provider.NewClientID()
	graceDoc := crdt.NewDoc(graceID)
	graceProv := provider.New(e.relayURL(grace.Room, grace.Ticket), graceDoc, awareness.New(graceID))
	graceProv.Connect()
	defer graceProv.Close()

	waitFor(t, func() bool { return adaProv.Status() == provider.StatusConnected })
	waitFor(t, func() bool { return graceProv.Status() == provider.StatusConnected })

	adaDoc.InsertText(0, "Bees are ")
	adaDoc.InsertText(9, "great")

	waitFor(t, func() bool { return graceDoc.Text() == "Bees are great" })
	waitFor(t, func() bool { return adaDoc.Text() == graceDoc.Text() })
}

func TestRelayRejectsForeignTicket(t *testing.T) {
	docA := &collab.Document{ID: "post-a", Token: "tok-a", Status: collab.StatusDraft}
	docB := &collab.Document{ID: "post-b", Token: "tok-b", Status: collab.StatusDraft}
	e := setupEnv(t, docA, docB)

	joined := e.join(t, "tok-a", "Ada")

	// A ticket for post-a must not open post-b.
	req, err := http.NewRequest(http.MethodGet, e.relaySrv.URL+"/post-b?ticket="+url.QueryEscape(joined.Ticket), nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPresenceAcrossServices(t *testing.T) {
	doc := &collab.Document{ID: "post-9", Token: "tok-9", Status: collab.StatusDraft}
	e := setupEnv(t, doc)

	ada := e.join(t, "tok-9", "Ada")
	grace := e.join(t, "tok-9", "Grace")

	adaID := provider.NewClientID()
	adaDoc := crdt.NewDoc(adaID)
	adaAw := awareness.New(adaID)
	adaProv := provider.New(e.relayURL(ada.Room, ada.Ticket), adaDoc, adaAw)
	adaBinding := provider.NewTextBinding(adaDoc, adaAw, nil)
	require.NoError(t, adaBinding.SetUser(provider.User{Name: ada.Author.Name, Color: ada.Author.Color}))
	adaProv.Connect()
	defer adaProv.Close()
	defer adaBinding.Close()

	graceID := provider.NewClientID()
	graceDoc := crdt.NewDoc(graceID)
	graceAw := awareness.New(graceID)
	graceProv := provider.New(e.relayURL(grace.Room, grace.Ticket), graceDoc, graceAw)
	graceBinding := provider.NewTextBinding(graceDoc, graceAw, nil)
	require.NoError(t, graceBinding.SetUser(provider.User{Name: grace.Author.Name, Color: grace.Author.Color}))
	graceProv.Connect()
	defer graceProv.Close()
	defer graceBinding.Close()

	waitFor(t, func() bool {
		for _, u := range adaBinding.ConnectedUsers() {
			if u.Name == "Grace" {
				return true
			}
		}
		return false
	})
	waitFor(t, func() bool {
		for _, u := range graceBinding.ConnectedUsers() {
			if u.Name == "Ada" {
				return true
			}
		}
		return false
	})
}

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	docs    map[string]*Document
	authors []Author
}

func newStubStore(docs ...*Document) *stubStore {
	s := &stubStore{docs: map[string]*Document{}}
	for _, d := range docs {
		s.docs[d.Token] = d
	}
	return s
}

func (s *stubStore) GetByToken(_ context.Context, token string) (*Document, error) {
	doc, ok := s.docs[token]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *stubStore) AddAuthor(_ context.Context, docID string, a Author) error {
	s.authors = append(s.authors, a)
	return nil
}

type stubTickets struct{}

func (stubTickets) IssueTicket(room, authorID, name string) (string, error) {
	return "ticket-for-" + room, nil
}

func draftDoc() *Document {
	return &Document{
		ID:     "doc-1",
		Token:  "tok-1",
		Title:  "Our class trip",
		Status: StatusDraft,
		Authors: []Author{
			{ID: "a-1", Name: "Ada", Color: "#e91e63", JoinedAt: time.Now()},
		},
	}
}

func newTestServer(t *testing.T, docs ...*Document) (*Server, *stubStore) {
	t.Helper()
	store := newStubStore(docs...)
	media := NewMediaStore(t.TempDir(), 1024)
	return NewServer(store, stubTickets{}, media), store
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestJoinSuccess(t *testing.T) {
	srv, store := newTestServer(t, draftDoc())

	w := postJSON(t, srv, "/api/collab/tok-1/join", joinRequest{Name: "Grace"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp joinResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Grace", resp.Author.Name)
	assert.NotEmpty(t, resp.Author.ID)
	assert.Contains(t, cursorPalette, resp.Author.Color)
	assert.Equal(t, "doc-1", resp.Room)
	assert.Equal(t, "ticket-for-doc-1", resp.Ticket)
	assert.Equal(t, "Our class trip", resp.Document.Title)

	require.Len(t, store.authors, 1)
	assert.Equal(t, resp.Author.ID, store.authors[0].ID)
}

func TestJoinUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc())
	w := postJSON(t, srv, "/api/collab/nope/join", joinRequest{Name: "Grace"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinPublishedDocument(t *testing.T) {
	doc := draftDoc()
	doc.Status = StatusPublished
	srv, _ := newTestServer(t, doc)
	w := postJSON(t, srv, "/api/collab/tok-1/join", joinRequest{Name: "Grace"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestJoinNameValidation(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc())

	for _, name := range []string{"", "   ", strings.Repeat("x", 51)} {
		w := postJSON(t, srv, "/api/collab/tok-1/join", joinRequest{Name: name})
		assert.Equal(t, http.StatusBadRequest, w.Code, "name %q", name)
	}

	// Multibyte names count runes, not bytes.
	w := postJSON(t, srv, "/api/collab/tok-1/join", joinRequest{Name: strings.Repeat("ü", 50)})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoomInfo(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc())

	req := httptest.NewRequest(http.MethodGet, "/api/collab/tok-1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp roomInfoResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Our class trip", resp.Title)
	assert.Equal(t, StatusDraft, resp.Status)
	require.Len(t, resp.Authors, 1)
	assert.Equal(t, "Ada", resp.Authors[0].Name)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc())
	req := httptest.NewRequest(http.MethodOptions, "/api/collab/tok-1/join", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func multipartUpload(t *testing.T, srv *Server, path, filename, mime string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	partHeader.Set("Content-Type", mime)
	part, err := mw.CreatePart(partHeader)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestMediaUploadAndServe(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc())

	png := []byte{0x89, 'P', 'N', 'G', 0, 0, 0, 0}
	w := multipartUpload(t, srv, "/api/collab/tok-1/media", "photo.png", "image/png", png)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var media Media
	require.NoError(t, json.NewDecoder(w.Body).Decode(&media))
	assert.Equal(t, "photo.png", media.OriginalName)
	assert.True(t, strings.HasPrefix(media.URL, "/api/uploads/doc-1/"), media.URL)
	assert.True(t, strings.HasSuffix(media.URL, ".png"), media.URL)

	req := httptest.NewRequest(http.MethodGet, media.URL, nil)
	got := httptest.NewRecorder()
	srv.ServeHTTP(got, req)
	require.Equal(t, http.StatusOK, got.Code)
	body, err := io.ReadAll(got.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, png, body)
}

func TestMediaUploadRejectsType(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc())
	w := multipartUpload(t, srv, "/api/collab/tok-1/media", "evil.html", "text/html", []byte("<script>"))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestMediaUploadRejectsOversize(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc()) // 1 KiB cap
	big := bytes.Repeat([]byte{0xab}, 2048)
	w := multipartUpload(t, srv, "/api/collab/tok-1/media", "big.png", "image/png", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMediaUploadCapsBodyAtIntake(t *testing.T) {
	// Far above the limit plus multipart allowance: the body must be cut
	// off during parsing, not after buffering the whole upload.
	srv, _ := newTestServer(t, draftDoc()) // 1 KiB cap
	huge := bytes.Repeat([]byte{0xcd}, 256<<10)
	w := multipartUpload(t, srv, "/api/collab/tok-1/media", "huge.png", "image/png", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMediaServeRefusesTraversal(t *testing.T) {
	srv, _ := newTestServer(t, draftDoc())
	req := httptest.NewRequest(http.MethodGet, "/api/uploads/doc-1/..%2f..%2fsecret", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusOK, w.Code)
}

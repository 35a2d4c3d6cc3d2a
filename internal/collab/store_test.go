package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	require.NoError(t, err)

	if err := client.Ping(ctx, nil); err != nil {
		t.Skip("MongoDB not available, skipping integration test")
	}

	db := client.Database("collab_store_test")
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		db.Drop(cleanupCtx)
		client.Disconnect(cleanupCtx)
	})

	store := NewStore(db)
	require.NoError(t, store.EnsureIndexes(ctx))
	return store
}

func TestStoreCreateAndGetByToken(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, "Volcano project")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.NotEmpty(t, doc.Token)
	assert.Equal(t, StatusDraft, doc.Status)

	got, err := store.GetByToken(ctx, doc.Token)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "Volcano project", got.Title)

	_, err = store.GetByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAddAuthor(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, "Field notes")
	require.NoError(t, err)

	author := NewAuthor("Grace")
	require.NoError(t, store.AddAuthor(ctx, doc.ID, author))

	got, err := store.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got.Authors, 1)
	assert.Equal(t, "Grace", got.Authors[0].Name)

	assert.ErrorIs(t, store.AddAuthor(ctx, "missing", author), ErrNotFound)
}

func TestStoreSetStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, "Final draft")
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, doc.ID, StatusPublished))

	got, err := store.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got.Status)

	assert.ErrorIs(t, store.SetStatus(ctx, "missing", StatusDraft), ErrNotFound)
}

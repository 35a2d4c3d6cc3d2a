package collab

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store persists collaborative documents and their author records.
type Store struct {
	coll *mongo.Collection
}

func NewStore(db *mongo.Database) *Store {
	return &Store{coll: db.Collection("collab_documents")}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// CreateDocument registers a new draft with a fresh join token.
func (s *Store) CreateDocument(ctx context.Context, title string) (*Document, error) {
	now := time.Now()
	doc := &Document{
		ID:        uuid.New().String(),
		Token:     uuid.New().String(),
		Title:     title,
		Status:    StatusDraft,
		Authors:   []Author{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetByToken resolves a join token to its document.
func (s *Store) GetByToken(ctx context.Context, token string) (*Document, error) {
	var doc Document
	err := s.coll.FindOne(ctx, bson.M{"token": token}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetByID resolves a document id.
func (s *Store) GetByID(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// AddAuthor appends a participant record to the document.
func (s *Store) AddAuthor(ctx context.Context, docID string, a Author) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": docID}, bson.M{
		"$push": bson.M{"authors": a},
		"$set":  bson.M{"updatedAt": time.Now()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus moves a document between draft and published.
func (s *Store) SetStatus(ctx context.Context, docID, status string) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": docID}, bson.M{
		"$set": bson.M{"status": status, "updatedAt": time.Now()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

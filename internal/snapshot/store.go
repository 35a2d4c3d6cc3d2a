package snapshot

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/blake3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/HansTydecks/blog-didacta-colab/internal/relay"
)

// RoomID derives the stable storage id for a room name.
func RoomID(room string) string {
	hash := blake3.Sum256([]byte(room))
	return hex.EncodeToString(hash[:16])
}

type record struct {
	ID        string    `bson:"_id"`
	Room      string    `bson:"room"`
	Snapshot  []byte    `bson:"snapshot"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore persists room snapshots, one document per room. It serves as
// both the relay's loader and, when no queue is in between, its sink.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection("doc_snapshots")}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) SaveSnapshot(ctx context.Context, room string, snapshot []byte) error {
	rec := record{
		ID:        RoomID(room),
		Room:      room,
		Snapshot:  snapshot,
		UpdatedAt: time.Now(),
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, opts)
	return err
}

func (s *MongoStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	var rec record
	err := s.coll.FindOne(ctx, bson.M{"_id": RoomID(room)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, relay.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return rec.Snapshot, nil
}

func (s *MongoStore) DeleteSnapshot(ctx context.Context, room string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": RoomID(room)})
	return err
}

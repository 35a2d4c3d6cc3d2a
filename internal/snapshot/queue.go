package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName   = "SNAPSHOTS"
	durableName  = "SnapshotWriter"
	subjectRoot  = "snapshots"
	writeTimeout = 10 * time.Second
)

// SaveTask is one queued snapshot write.
type SaveTask struct {
	Room     string    `json:"room"`
	Snapshot []byte    `json:"snapshot"`
	SavedAt  time.Time `json:"savedAt"`
}

// Publisher queues snapshot writes on JetStream so the relay's edit path
// never waits on storage. It implements the relay sink interface.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	return &Publisher{js: js}, nil
}

func (p *Publisher) SaveSnapshot(ctx context.Context, room string, snapshot []byte) error {
	task := SaveTask{Room: room, Snapshot: snapshot, SavedAt: time.Now()}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	// Room names may contain characters NATS treats as token separators;
	// the hashed id is subject-safe.
	subject := subjectRoot + "." + RoomID(room)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// Writer is the storage the consumer drains into.
type Writer interface {
	SaveSnapshot(ctx context.Context, room string, snapshot []byte) error
}

// Consumer drains queued snapshot writes into storage.
type Consumer struct {
	js     jetstream.JetStream
	store  Writer
	stream string
}

func NewConsumer(nc *nats.Conn, store Writer) (*Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	return &Consumer{js: js, store: store, stream: streamName}, nil
}

// Start begins consuming. It blocks until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.stream,
		Subjects:  []string{subjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       durableName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: subjectRoot + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	defer iter.Stop()

	log.Println("[Snapshot] Consumer started, waiting for messages...")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, err := iter.Next()
			if err != nil {
				continue
			}
			if err := c.processMsg(ctx, msg); err != nil {
				log.Printf("[Snapshot] Failed to process message: %v", err)
				msg.Nak()
			} else {
				msg.Ack()
			}
		}
	}
}

func (c *Consumer) processMsg(ctx context.Context, msg jetstream.Msg) error {
	var task SaveTask
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.store.SaveSnapshot(writeCtx, task.Room, task.Snapshot)
}

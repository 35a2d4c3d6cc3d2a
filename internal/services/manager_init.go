package services

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/HansTydecks/blog-didacta-colab/internal/collab"
	"github.com/HansTydecks/blog-didacta-colab/internal/config"
	"github.com/HansTydecks/blog-didacta-colab/internal/relay"
	"github.com/HansTydecks/blog-didacta-colab/internal/snapshot"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Factories are variables so tests can inject fakes.
var (
	mongoClientFactory = func(ctx context.Context, cfg config.StorageConfig) (*mongo.Client, error) {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, err
		}
		return client, nil
	}
	natsConnFactory = func(url string) (*nats.Conn, error) {
		return nats.Connect(url)
	}
)

func (m *Manager) Init(ctx context.Context) error {
	if m.needsMongo() {
		if err := m.initStorage(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
	}
	if m.needsNATS() {
		if err := m.initNATS(); err != nil {
			return fmt.Errorf("nats init: %w", err)
		}
	}
	if m.opts.RunRelay || m.opts.RunCollab {
		if err := m.initTicketService(); err != nil {
			return fmt.Errorf("ticket service init: %w", err)
		}
	}

	if m.opts.RunRelay {
		if err := m.initRelayServer(ctx); err != nil {
			return fmt.Errorf("relay init: %w", err)
		}
	}
	if m.opts.RunCollab {
		if err := m.initCollabServer(ctx); err != nil {
			return fmt.Errorf("collab init: %w", err)
		}
	}
	if m.opts.RunSnapshotWorker {
		if err := m.initSnapshotWorker(); err != nil {
			return fmt.Errorf("snapshot worker init: %w", err)
		}
	}
	return nil
}

func (m *Manager) needsMongo() bool {
	return m.opts.RunRelay || m.opts.RunCollab || m.opts.RunSnapshotWorker
}

func (m *Manager) needsNATS() bool {
	return m.opts.RunRelay || m.opts.RunSnapshotWorker
}

func (m *Manager) initStorage(ctx context.Context) error {
	client, err := mongoClientFactory(ctx, m.cfg.Storage)
	if err != nil {
		return err
	}
	m.mongoClient = client
	m.db = client.Database(m.cfg.Storage.DatabaseName)
	return nil
}

func (m *Manager) initNATS() error {
	nc, err := natsConnFactory(m.cfg.NATS.URL)
	if err != nil {
		return err
	}
	m.natsConn = nc
	return nil
}

func (m *Manager) initTicketService() error {
	key, err := collab.EnsureKey(m.cfg.Collab.TicketKeyPath)
	if err != nil {
		return err
	}
	m.ticketService = collab.NewTicketService(key, m.cfg.Collab.TicketTTL.Std())
	return nil
}

func (m *Manager) initRelayServer(ctx context.Context) error {
	snapStore := snapshot.NewMongoStore(m.db)
	if err := snapStore.EnsureIndexes(ctx); err != nil {
		return err
	}

	// Snapshot writes go through JetStream so a slow Mongo never stalls a
	// room loop; reads hydrate directly from the store.
	publisher, err := snapshot.NewPublisher(m.natsConn)
	if err != nil {
		return err
	}

	m.registry = relay.NewRegistry(relay.Options{
		Loader:           snapStore,
		Sink:             publisher,
		Policy:           m.cfg.Relay.PersistPolicy,
		PersistEvery:     m.cfg.Relay.PersistEvery.Std(),
		AwarenessTimeout: m.cfg.Relay.AwarenessTimeout.Std(),
		GCOnRelease:      m.cfg.Relay.GCOnRelease,
		Retain:           m.cfg.Relay.Retain,
	})

	srv := relay.NewServer(m.registry, m.ticketService)
	m.servers = append(m.servers, &http.Server{
		Addr:    listenAddr(m.opts.ListenHost, m.cfg.Relay.Port),
		Handler: srv,
	})
	m.serverNames = append(m.serverNames, "Session Relay")
	return nil
}

func (m *Manager) initCollabServer(ctx context.Context) error {
	store := collab.NewStore(m.db)
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}
	media := collab.NewMediaStore(m.cfg.Collab.UploadsDir, m.cfg.Collab.MaxUploadBytes)

	srv := collab.NewServer(store, m.ticketService, media)
	m.servers = append(m.servers, &http.Server{
		Addr:    listenAddr(m.opts.ListenHost, m.cfg.Collab.Port),
		Handler: srv,
	})
	m.serverNames = append(m.serverNames, "Collab API")
	return nil
}

func (m *Manager) initSnapshotWorker() error {
	consumer, err := snapshot.NewConsumer(m.natsConn, snapshot.NewMongoStore(m.db))
	if err != nil {
		return err
	}
	m.consumer = consumer
	return nil
}

func (m *Manager) Start(ctx context.Context) {
	for i, srv := range m.servers {
		name := m.serverNames[i]
		srv := srv
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			log.Printf("Starting %s on %s", name, srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("%s error: %v", name, err)
			}
		}()
	}

	if m.consumer != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			log.Println("Starting Snapshot Worker...")
			if err := m.consumer.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Snapshot Worker error: %v", err)
			}
		}()
	}
}

func listenAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

package services

import (
	"net/http"
	"sync"

	"github.com/HansTydecks/blog-didacta-colab/internal/collab"
	"github.com/HansTydecks/blog-didacta-colab/internal/config"
	"github.com/HansTydecks/blog-didacta-colab/internal/relay"
	"github.com/HansTydecks/blog-didacta-colab/internal/snapshot"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
)

type Options struct {
	RunRelay          bool
	RunCollab         bool
	RunSnapshotWorker bool

	// ListenHost defaults to localhost.
	ListenHost string
}

type Manager struct {
	cfg  *config.Config
	opts Options

	servers     []*http.Server
	serverNames []string

	mongoClient *mongo.Client
	db          *mongo.Database
	natsConn    *nats.Conn

	registry      *relay.Registry
	ticketService *collab.TicketService
	consumer      *snapshot.Consumer

	wg sync.WaitGroup
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	if opts.ListenHost == "" {
		opts.ListenHost = "localhost"
	}
	return &Manager{
		cfg:  cfg,
		opts: opts,
	}
}

func (m *Manager) TicketService() *collab.TicketService {
	return m.ticketService
}

func (m *Manager) Registry() *relay.Registry {
	return m.registry
}

package services

import (
	"context"
	"log"
)

func (m *Manager) Shutdown(ctx context.Context) {
	for i, srv := range m.servers {
		log.Printf("Stopping %s...", m.serverNames[i])
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down %s: %v", m.serverNames[i], err)
		}
	}

	// Persist and stop the rooms before the connections go away.
	if m.registry != nil {
		m.registry.Shutdown()
	}

	// Wait for background tasks (servers, snapshot worker)
	log.Println("Waiting for background tasks to finish...")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Background tasks finished.")
	case <-ctx.Done():
		log.Println("Timeout waiting for background tasks.")
	}

	// Close NATS connection
	if m.natsConn != nil {
		log.Println("Closing NATS connection...")
		m.natsConn.Close()
	}

	// Disconnect Mongo last; the registry may still be flushing snapshots.
	if m.mongoClient != nil {
		if err := m.mongoClient.Disconnect(ctx); err != nil {
			log.Printf("Error disconnecting MongoDB: %v", err)
		}
	}
}

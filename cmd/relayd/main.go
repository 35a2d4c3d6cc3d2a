package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HansTydecks/blog-didacta-colab/internal/config"
	"github.com/HansTydecks/blog-didacta-colab/internal/services"
)

func main() {
	var (
		runRelay  = flag.Bool("relay", false, "run the session relay")
		runCollab = flag.Bool("collab", false, "run the collab API")
		runWorker = flag.Bool("snapshot-worker", false, "run the snapshot worker")
		runAll    = flag.Bool("all", false, "run every service")
		host      = flag.String("host", "localhost", "listen host")
	)
	flag.Parse()

	opts := services.Options{
		RunRelay:          *runRelay || *runAll,
		RunCollab:         *runCollab || *runAll,
		RunSnapshotWorker: *runWorker || *runAll,
		ListenHost:        *host,
	}
	if !opts.RunRelay && !opts.RunCollab && !opts.RunSnapshotWorker {
		log.Fatal("Nothing to run. Pass -relay, -collab, -snapshot-worker or -all.")
	}

	cfg := config.LoadConfig()
	mgr := services.NewManager(cfg, opts)

	initCtx, initCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer initCancel()
	if err := mgr.Init(initCtx); err != nil {
		log.Fatalf("Init failed: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	mgr.Start(runCtx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")
	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
}

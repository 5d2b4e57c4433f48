// Command blockvaultd runs the content-addressed block store: the batch
// controller, its worker pool, and the HTTP surface, wired the way the
// donor's cmd/server/main.go wires its own server — signal-driven graceful
// shutdown, Jaeger tracing started before anything else.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/abiolaogu/blockvault/internal/alloc"
	"github.com/abiolaogu/blockvault/internal/config"
	"github.com/abiolaogu/blockvault/internal/controller"
	"github.com/abiolaogu/blockvault/internal/filesize"
	"github.com/abiolaogu/blockvault/internal/httpapi"
	"github.com/abiolaogu/blockvault/internal/kv"
	"github.com/abiolaogu/blockvault/internal/metrics"
	"github.com/abiolaogu/blockvault/internal/tracing"
	"github.com/abiolaogu/blockvault/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "blockvaultd",
		Usage: "content-addressed block store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a JSON config file"},
			&cli.StringFlag{Name: "data-file", Usage: "data file path, overrides config"},
			&cli.StringFlag{Name: "kv-dir", Usage: "KV store directory, overrides config"},
			&cli.StringFlag{Name: "bind-addr", Usage: "HTTP bind address, overrides config"},
			&cli.IntFlag{Name: "workers", Usage: "worker count, overrides config"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("blockvaultd: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if v := c.String("data-file"); v != "" {
		cfg.DataFile = v
	}
	if v := c.String("kv-dir"); v != "" {
		cfg.KVDir = v
	}
	if v := c.String("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v := c.Int("workers"); v != 0 {
		cfg.WorkerCount = v
	}

	if err := tracing.InitTracing(cfg.JaegerEndpoint); err != nil {
		log.Printf("blockvaultd: tracing disabled: %v", err)
	}

	store, err := kv.Open(cfg.KVDir)
	if err != nil {
		return err
	}
	file, err := filesize.Open(cfg.DataFile)
	if err != nil {
		return err
	}
	allocator := alloc.New(store, file)

	log.Println("blockvaultd: recovering from any unclean shutdown")
	if err := controller.Recover(store, allocator); err != nil {
		return err
	}

	ctrl := controller.New(allocator, cfg.QueueCapacity)
	ctx, cancel := context.WithCancel(context.Background())

	workers := make([]*worker.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := xxhash.Sum64String(uuid.New().String())
		chans := ctrl.RegisterWorker(workerID)
		workers = append(workers, worker.New(workerID, chans, file.Fd(), cfg.CacheCapacity))
	}

	go func() {
		if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("blockvaultd: controller stopped: %v", err)
		}
	}()

	srv := httpapi.NewServer(workers, metrics.New())
	httpServer := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("blockvaultd: listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("blockvaultd: HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("blockvaultd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("blockvaultd: HTTP shutdown error: %v", err)
	}

	for _, w := range workers {
		w.Close()
	}
	cancel()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Printf("blockvaultd: tracing shutdown error: %v", err)
	}
	if err := file.Close(); err != nil {
		log.Printf("blockvaultd: data file close error: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("blockvaultd: KV store close error: %v", err)
	}

	log.Println("blockvaultd: stopped")
	return nil
}

// Command pageflow-api serves the document platform's HTTP surface: uploads,
// the SSE progress stream, the collaboration websocket, health, and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pageflowhq/pageflow/internal/collab"
	"github.com/pageflowhq/pageflow/internal/config"
	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/ingest"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/objstore"
	"github.com/pageflowhq/pageflow/internal/server"
	"github.com/pageflowhq/pageflow/internal/store"
	"github.com/pageflowhq/pageflow/internal/stream"
	"github.com/pageflowhq/pageflow/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.Component("pageflow-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewRedisBus(
		redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}),
		redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}),
		events.WithBuffer(cfg.SubscriberBuffer),
	)
	defer bus.Close()

	nc, err := worker.Connect(cfg.NATSURL, "pageflow-api")
	if err != nil {
		log.Error("NATS connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	storage := objstore.NewS3(objstore.S3Config{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		Bucket:       cfg.S3Bucket,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathStyle,
	})

	hub := collab.NewHub(bus)
	go hub.Run()

	srv := server.New(server.Deps{
		Store:  st,
		Ingest: ingest.NewHandler(st, storage, worker.NewClient(nc), cfg),
		Stream: stream.NewHandler(st, bus, cfg),
		Hub:    hub,
		Cfg:    cfg,
	})

	go func() {
		log.Info("API listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown incomplete", "error", err)
	}
	hub.Shutdown()
}

// Command pageflow-worker runs the processing pipeline: the NATS RPC
// surface accepting jobs and the background engine driving them page by
// page.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/pageflowhq/pageflow/internal/config"
	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/store"
	"github.com/pageflowhq/pageflow/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.Component("pageflow-worker")

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

	nc, err := worker.Connect(cfg.NATSURL, "pageflow-worker")
	if err != nil {
		log.Error("NATS connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	engine := worker.NewEngine(st, bus, cfg.PageDelay, cfg.SimulatedPages)
	svc := worker.NewService(st, bus, engine)
	rpc := worker.NewServer(nc, svc)
	if err := rpc.Start(); err != nil {
		log.Error("RPC start failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")

	// Stop taking new work. Running tasks are abandoned: a Running job left
	// behind is safe to re-drive.
	rpc.Stop()
}

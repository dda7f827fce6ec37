package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/epokhe/pkvs/core"
	"github.com/epokhe/pkvs/server"
	"github.com/epokhe/pkvs/store"
)

func main() {
	var (
		port    = flag.Int("port", 8080, "HTTP listen port")
		memory  = flag.Int64("memory_threshold", 100_000_000, "per-partition memtable budget in bytes")
		dataDir = flag.String("data_dir", "pkvs_data", "path to data directory")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() // nolint:errcheck
	log := logger.Sugar()

	st, err := store.Open(*dataDir,
		store.WithEvictThreshold(*memory),
		store.WithLogger(log),
	)
	if err != nil {
		log.Fatalf("could not open the store: %v", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: server.New(st, log).Handler(),
	}

	// Stop on SIGINT or SIGTERM, completing in-flight requests first
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// housekeeping ticks every second across all units in parallel
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Housekeeping(); err != nil {
					if errors.Is(err, core.ErrCorruptSegment) {
						log.Fatalf("housekeeping: %v", err)
					}
					log.Errorf("housekeeping: %v", err)
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("http shutdown: %v", err)
		}
	}()

	log.Infof("listening on :%d", *port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}

	// best-effort final housekeeping pass: like any tick it flushes only
	// partitions over budget or past the 20s flush interval, and dirties
	// left unflushed are lost
	if err := st.Housekeeping(); err != nil {
		log.Errorf("final housekeeping: %v", err)
	}

	st.Close()
}

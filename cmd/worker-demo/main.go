package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unmeshed/go-sdk/client"
	"github.com/unmeshed/go-sdk/config"
	"github.com/unmeshed/go-sdk/internal/transport"
	"github.com/unmeshed/go-sdk/stepctx"
	"github.com/unmeshed/go-sdk/worker"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	c, err := client.New(cfg, logger)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	host := transport.HostName()

	echo := worker.Worker{
		Name:          "echo",
		MaxInProgress: 10,
		Domain:        worker.DomainIO,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			if delay, ok := input["delayMs"].(float64); ok && delay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(delay) * time.Millisecond):
				}
			}
			item := stepctx.MustFrom(ctx)
			return map[string]any{
				"echo":        input["message"],
				"timestamp":   time.Now().UnixMilli(),
				"processedBy": host,
				"stepName":    item.StepName,
			}, nil
		},
	}

	checksum := worker.Worker{
		Name:          "checksum",
		MaxInProgress: 4,
		Domain:        worker.DomainCPU,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			data, ok := input["data"].(string)
			if !ok {
				return nil, fmt.Errorf("input field %q must be a string", "data")
			}
			sum := sha256.Sum256([]byte(data))
			return map[string]any{"sha256": hex.EncodeToString(sum[:])}, nil
		},
	}

	for _, w := range []worker.Worker{echo, checksum} {
		if err := c.RegisterWorker(w); err != nil {
			log.Fatalf("failed to register worker %s: %v", w.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("failed to start client: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	c.Stop()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/threadline/comment-engine/internal/messaging"
	"github.com/threadline/comment-engine/internal/stream"
)

// envelope wraps a bus event with its subject so dashboards can route
// decisions and actions to different panes.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	log.Println("Starting moderation stream service...")

	listenAddr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "modstream"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	hub := stream.NewHub()

	forward := func(eventType string) func([]byte) {
		return func(data []byte) {
			out, err := json.Marshal(envelope{Type: eventType, Payload: data})
			if err != nil {
				log.Printf("[modstream] marshal %s event: %v", eventType, err)
				return
			}
			hub.Broadcast(out)
		}
	}

	if err := natsClient.SubscribeDecisions(forward("decision")); err != nil {
		log.Fatalf("failed to subscribe to decisions: %v", err)
	}
	if err := natsClient.SubscribeActions(forward("action")); err != nil {
		log.Fatalf("failed to subscribe to actions: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/v1/stream", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{Addr: listenAddr, Handler: mux}

	log.Printf("Moderation stream service running")
	log.Printf("  listen_addr: %s", listenAddr)
	log.Printf("  nats_url:    %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
		hub.Close()
		natsClient.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

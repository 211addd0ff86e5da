// ABOUTME: Fake upstream agent flow for local runs and E2E tests; streams NDJSON envelopes over HTTP.
// ABOUTME: Usage: fake-flow [-addr localhost:9090] [-delay 50ms]; "fail" and "hang" in the query change the outcome
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/2389/coven-stream/internal/runner"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "HTTP listen address")
	delay := flag.Duration("delay", 50*time.Millisecond, "delay between partial chunks")
	flag.Parse()

	if err := run(*addr, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(runner.NewEcho(runner.EchoOptions{Delay: delay})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("fake flow listening on %s (POST /run)", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newHandler serves POST /run: the body is a runner.Request and the response
// is one JSON envelope per line, flushed as produced.
func newHandler(flow runner.Runner) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		var req runner.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			http.Error(w, "query is required", http.StatusBadRequest)
			return
		}

		events, err := flow.Run(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.Printf("flow started [%s]: %s", req.SessionID, req.Query)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		enc := json.NewEncoder(w)
		for env := range events {
			if err := enc.Encode(env); err != nil {
				log.Printf("write error [%s]: %v", req.SessionID, err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	return mux
}

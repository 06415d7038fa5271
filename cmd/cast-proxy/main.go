// Package main is the entry point for cast-proxy.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cast-proxy-go/internal/app"
)

func main() {
	// External collaborators (cast dialer, device discovery, source
	// resolver) plug in here; the proxy surface works without them.
	application, err := app.New(app.Deps{})
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	defer application.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Printf("server error: %v", err)
		os.Exit(1)
	}
}

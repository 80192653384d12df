package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tickrelay/server/internal/app"
	"tickrelay/server/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadProxy(".env")
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := app.RunProxy(ctx, cfg, app.Options{}); err != nil {
		log.Fatalf("%v", err)
	}
}

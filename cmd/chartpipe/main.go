package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	// Registers the client-go auth providers kubeconfigs may reference.
	_ "k8s.io/client-go/plugin/pkg/client/auth"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

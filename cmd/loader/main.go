// Command loader runs the streaming analytics-events loader: it reads
// the config, wires the pipeline, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loader/internal/app"
	"loader/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize loader: %v", err)
	}

	if err := a.Start(); err != nil {
		log.Fatalf("failed to start loader: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Race the OS signal against the pipeline exiting on its own (e.g. a
	// fatal insert error, spec.md §7 FatalInsertError): either way we fall
	// through to Shutdown, but only an unrequested exit carries a runErr
	// we've already consumed here, so Wait must not be called again below.
	var runErr error
	var consumedRunErr bool
	select {
	case <-quit:
		fmt.Println("shutting down loader...")
	case runErr = <-a.RunErr():
		consumedRunErr = true
		log.Printf("loader exited unexpectedly: %v", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		log.Printf("loader forced to shutdown: %v", err)
	}

	if !consumedRunErr {
		runErr = a.Wait()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("loader exited with error: %v", runErr)
		fmt.Println("loader stopped")
		os.Exit(1)
	}

	fmt.Println("loader stopped")
}

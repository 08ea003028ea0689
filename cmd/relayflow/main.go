// Command relayflow runs the mediator configured from RELAYFLOW_* environment
// variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/relayflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := relayflow.LoadConfig()
	if err != nil {
		return err
	}

	logger := relayflow.NewTextLogger(os.Stdout, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := relayflow.NewService(ctx, cfg, logger, relayflow.ServiceDependencies{
		Hooks: relayflow.AlertingHooks(func(ec relayflow.EventContext, resp relayflow.Response) {
			logger.Info("Event not fully delivered", relayflow.LogFields{
				"event_id":    ec.EventID,
				"event_type":  ec.EventType,
				"intake":      ec.Intake,
				"status_code": resp.Code(),
				"duration_ms": ec.Duration.Milliseconds(),
			})
		}),
	})
	if err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("relayflow stopped", nil)
	return nil
}

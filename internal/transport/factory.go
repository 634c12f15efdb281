package transport

import (
	"context"
	"fmt"

	"preserve-go/internal/config"
	"preserve-go/internal/pv"
)

// NewTransportFromConfig creates a Transport based on the configuration type.
func NewTransportFromConfig(ctx context.Context, cfg config.TransportConfig, logger pv.Logger) (pv.Transport, error) {
	switch cfg.Type {
	case "nats", "":
		t, err := NewNATSTransport(ctx, NATSOptions{
			URL:            cfg.URL,
			Stream:         cfg.Stream,
			SubjectPrefix:  cfg.SubjectPrefix,
			PollInterval:   cfg.PollInterval.Duration,
			ConnectTimeout: cfg.ConnectTimeout.Duration,
		}, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "memory":
		return NewMemoryTransport(cfg.PollInterval.Duration), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

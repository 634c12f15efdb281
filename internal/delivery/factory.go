package delivery

import (
	"preserve-go/internal/config"
	"preserve-go/internal/pv"
)

// NewDelivererFromConfig builds a Deliverer from the import settings.
func NewDelivererFromConfig(cfg config.ImportConfig, logger pv.Logger) *Deliverer {
	return NewDeliverer(Options{
		Attempts:  cfg.DeliveryAttempts,
		Timeout:   cfg.DeliveryTimeout.Duration,
		AllowFile: cfg.AllowFileDelivery,
	}, logger)
}

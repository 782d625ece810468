package bus

import (
	"github.com/loomctl/loom/internal/common/config"
	"github.com/loomctl/loom/internal/common/logger"
)

// New selects a NATS-backed bus when cfg.URL is set, otherwise falls
// back to the in-memory bus for single-node deployments.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}

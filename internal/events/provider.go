package events

import (
	"fmt"
	"strings"

	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/logger"
	"github.com/parley/parley/internal/events/bus"
)

// Connect builds the configured event bus and returns it with its shutdown
// function. An empty NATS URL selects the in-process bus, which keeps
// single-binary deployments free of brokers.
func Connect(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}

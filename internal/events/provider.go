package events

import (
	"fmt"
	"strings"

	"github.com/aviary-dev/aviary/internal/common/config"
	"github.com/aviary-dev/aviary/internal/common/logger"
	"github.com/aviary-dev/aviary/internal/events/bus"
)

// Provide builds the configured event bus implementation.
// A cleanup function is returned for shutdown.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if cfg.Events.Bus == "nats" && strings.TrimSpace(cfg.Events.NATSURL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return memBus, cleanup, nil
}

package coordinator

import (
	"log/slog"
	"time"

	"github.com/stacklok/pos-sync/internal/config"
)

// defaultInterval is used when the configured interval is not positive
const defaultInterval = time.Duration(config.DefaultIntervalMinutes) * time.Minute

// getSyncInterval extracts the cycle interval from the configuration
func getSyncInterval(cfg *config.Config) time.Duration {
	if cfg != nil {
		if interval := cfg.GetInterval(); interval > 0 {
			return interval
		}
		slog.Warn("Invalid sync interval, using default",
			"interval_minutes", cfg.Interval,
			"default", defaultInterval)
	}
	return defaultInterval
}

package engine

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-safety/pkg/config"
)

// ConfigSource publishes configuration revisions. config.FileProvider
// implements it.
type ConfigSource interface {
	Subscribe() <-chan *config.Config
}

// Watch reloads the engine with every revision from source until ctx is done
// or the source closes its channel. Rejected revisions are logged by Reload
// and leave the active generation in place.
func (e *Engine) Watch(ctx context.Context, source ConfigSource) {
	updates := source.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if err := e.Reload(ctx, cfg); err != nil {
				continue
			}
			e.logger.Info("configuration update applied",
				slog.Int64("generation", e.Generation()),
				slog.Int("policies", len(cfg.Policies)))
		}
	}
}

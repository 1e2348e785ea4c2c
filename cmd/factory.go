// File: cmd/factory.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/api/schemas"
	"github.com/xkilldash9x/spacegraph/internal/config"
	"github.com/xkilldash9x/spacegraph/internal/eventlog"
	"github.com/xkilldash9x/spacegraph/internal/runtime"
)

// Components holds the initialized services a command needs: the scene core
// and, when enabled, the durable event journal attached to it.
type Components struct {
	Core    *runtime.Core
	Journal *eventlog.Journal
	logger  *zap.Logger
}

// buildComponents wires the runtime core from the loaded configuration and
// optionally loads the bootstrap scene named by scene.bootstrap.
func buildComponents(logger *zap.Logger) (*Components, error) {
	cfg := config.Get()

	core, err := runtime.New(cfg.Runtime(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build scene core: %w", err)
	}

	c := &Components{Core: core, logger: logger}

	if cfg.Journal.Enabled {
		journal, err := eventlog.Open(cfg.Journal.Path, logger)
		if err != nil {
			core.Close()
			return nil, fmt.Errorf("failed to open event journal: %w", err)
		}
		core.Subscribe(journal)
		c.Journal = journal
	}

	if cfg.Scene.Bootstrap != "" {
		if err := c.loadBootstrap(cfg.Scene.Bootstrap); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Components) loadBootstrap(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bootstrap scene %q: %w", path, err)
	}
	var doc schemas.BootstrapFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse bootstrap scene %q: %w", path, err)
	}
	if err := c.Core.LoadBootstrap(&doc); err != nil {
		return fmt.Errorf("failed to load bootstrap scene %q: %w", path, err)
	}
	c.logger.Info("Loaded bootstrap scene",
		zap.String("path", path),
		zap.String("scene_id", c.Core.Store().SceneID()))
	return nil
}

// Close shuts the core down and closes the journal.
func (c *Components) Close() {
	c.Core.Close()
	if c.Journal != nil {
		if err := c.Journal.Close(); err != nil {
			c.logger.Warn("Failed to close event journal", zap.Error(err))
		}
	}
}

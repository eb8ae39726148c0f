package server

import (
	"github.com/artbin/dlog/internal/config"
	"github.com/artbin/dlog/internal/logging"
)

// WatchConfig reloads path when it changes while the server runs. Call it
// before Start.
func (s *Server) WatchConfig(path string) error {
	manager := config.NewConfigManager(s.config, path)
	manager.SetOnUpdate(s.handleConfigReload)

	watcher, err := config.NewConfigWatcher(&config.WatcherConfig{
		FilePath: path,
		OnChange: func(_, newCfg *config.Config) { manager.Set(newCfg) },
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.configManager = manager
	s.configWatcher = watcher
	s.mu.Unlock()

	s.logger.Info("config file watcher created", "file", path)
	return nil
}

// ConfigManager returns the manager created by WatchConfig, or nil.
func (s *Server) ConfigManager() *config.ConfigManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configManager
}

// handleConfigReload applies the runtime-changeable settings of newCfg.
func (s *Server) handleConfigReload(oldCfg, newCfg *config.Config) {
	if oldCfg.Logging.Level != newCfg.Logging.Level {
		s.logger.SetLevel(logging.ParseLevel(newCfg.Logging.Level))
		s.logger.Info("log level changed",
			"old", oldCfg.Logging.Level,
			"new", newCfg.Logging.Level,
		)
	}

	if sections := config.RestartRequired(oldCfg, newCfg); len(sections) > 0 {
		s.logger.Warn("config changes require a restart", "sections", sections)
	}
}

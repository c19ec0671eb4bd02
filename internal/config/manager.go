package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager owns the live configuration. Reads hand out value copies
// (snapshots); a request captures one snapshot at start and never sees a
// mid-flight settings change.
type Manager struct {
	mu       sync.RWMutex
	current  Config
	base     Config // as loaded at startup; target of Reset
	logger   *zap.Logger
	onChange []func(Config)
}

// NewManager wraps a loaded configuration.
func NewManager(cfg *Config, logger *zap.Logger) *Manager {
	return &Manager{current: *cfg, base: *cfg, logger: logger}
}

// Snapshot returns an immutable copy of the live configuration.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback invoked with the new configuration after
// every successful update or reload.
func (m *Manager) OnChange(fn func(Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Update applies a set of dotted-path overrides ("retrieval.final_k": 5)
// on top of the live configuration. The merged result is validated before
// it becomes visible; an invalid update leaves the live config untouched.
func (m *Manager) Update(settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}
	scratch := viper.New()
	for k, val := range settings {
		scratch.Set(k, val)
	}

	m.mu.Lock()
	next := m.current
	if err := scratch.Unmarshal(&next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("apply settings: %w", err)
	}
	next.ApplyPreset()
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.current = next
	handlers := append([]func(Config){}, m.onChange...)
	m.mu.Unlock()

	m.logger.Info("Settings updated", zap.Int("keys", len(settings)))
	for _, fn := range handlers {
		fn(next)
	}
	return nil
}

// Reset restores the configuration loaded at startup.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.current = m.base
	next := m.current
	handlers := append([]func(Config){}, m.onChange...)
	m.mu.Unlock()

	m.logger.Info("Settings reset to startup values")
	for _, fn := range handlers {
		fn(next)
	}
}

// Watch hot-reloads the configuration file on change. A reload that fails
// to parse or validate is logged and dropped; the live config stands.
func (m *Manager) Watch(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		next := Defaults()
		if err := v.Unmarshal(&next); err != nil {
			m.logger.Warn("Config reload failed, keeping previous", zap.Error(err))
			return
		}
		next.ApplyPreset()
		if err := next.Validate(); err != nil {
			m.logger.Warn("Config reload invalid, keeping previous", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.current = next
		handlers := append([]func(Config){}, m.onChange...)
		m.mu.Unlock()
		m.logger.Info("Config reloaded", zap.String("file", e.Name))
		for _, fn := range handlers {
			fn(next)
		}
	})
	v.WatchConfig()
	return nil
}

// Export renders the live configuration as YAML for the settings endpoint.
func (m *Manager) Export() ([]byte, error) {
	snap := m.Snapshot()
	return yaml.Marshal(snap)
}

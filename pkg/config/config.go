// Package config implements named, validated configuration sections
// loaded from disk through github.com/spf13/viper, with
// github.com/fsnotify/fsnotify-driven hot-reload for settings that may
// change without a process restart.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the contract every loadable configuration section implements.
type Config interface {
	GetName() string
	Validate() error
}

// ChangeListener is notified when a watched config section is reloaded.
type ChangeListener interface {
	OnConfigChanged(name string, newConfig, oldConfig Config) error
}

// Manager loads and hot-reloads named configuration sections from a
// single config file.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	loaded    map[string]Config
	listeners map[string][]ChangeListener
	watcher   *fsnotify.Watcher
}

// NewManager creates a Manager reading from path (e.g. "gateway.yaml").
func NewManager(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	m := &Manager{
		v:         v,
		loaded:    make(map[string]Config),
		listeners: make(map[string][]ChangeListener),
	}
	return m, nil
}

// Load decodes the section named by cfg.GetName() into cfg and validates
// it. Callers pass a pointer whose GetName()/Validate() methods identify
// the top-level config key to bind.
func (m *Manager) Load(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.v.Sub(cfg.GetName())
	if sub != nil {
		if err := sub.Unmarshal(cfg); err != nil {
			return fmt.Errorf("config: unmarshal %s: %w", cfg.GetName(), err)
		}
	} else if err := m.v.UnmarshalKey(cfg.GetName(), cfg); err != nil {
		return fmt.Errorf("config: unmarshal %s: %w", cfg.GetName(), err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: invalid %s: %w", cfg.GetName(), err)
	}
	m.loaded[cfg.GetName()] = cfg
	return nil
}

// AddListener registers l to be notified whenever the section named name
// is reloaded from disk.
func (m *Manager) AddListener(name string, l ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[name] = append(m.listeners[name], l)
}

// WatchAndReload starts an fsnotify watch on the underlying config file
// and reloads+revalidates+notifies on every write event. Reload errors
// are returned on errCh rather than panicking the watch goroutine, since
// a malformed on-disk edit must never take down a running process.
func (m *Manager) WatchAndReload(errCh chan<- error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := w.Add(m.v.ConfigFileUsed()); err != nil {
		w.Close()
		return fmt.Errorf("config: watching %s: %w", m.v.ConfigFileUsed(), err)
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.reloadAll(); err != nil && errCh != nil {
					errCh <- err
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if errCh != nil {
					errCh <- err
				}
			}
		}
	}()
	return nil
}

func (m *Manager) reloadAll() error {
	m.mu.Lock()
	if err := m.v.ReadInConfig(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("config: re-reading config: %w", err)
	}
	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.mu.RLock()
		old := m.loaded[name]
		m.mu.RUnlock()
		if err := m.Load(old); err != nil {
			return err
		}
		m.mu.RLock()
		listeners := append([]ChangeListener(nil), m.listeners[name]...)
		newCfg := m.loaded[name]
		m.mu.RUnlock()
		for _, l := range listeners {
			if err := l.OnConfigChanged(name, newCfg, old); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close stops the file watcher, if one was started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// SPDX-License-Identifier: ice License 1.0

// Package nodecfg owns the node's mutable runtime state: a JSON side-file
// written wholesale on every mutation and watched for external edits.
package nodecfg

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

type (
	// Config is the full persisted state. Unknown future fields in the file
	// survive a load/save round trip only if added here, so additions are
	// append-only.
	Config struct {
		Owner           string   `json:"owner"`
		PubKeys         []string `json:"pubkeys"`
		Relays          []string `json:"relays"`
		CacheLevel      int      `json:"cache_level"`
		RequireReadAuth bool     `json:"require_read_auth"`
		PublicAddresses []string `json:"public_addresses"`
		LogsEnabled     bool     `json:"logs_enabled"`
	}

	// Manager serializes access to the config and keeps the file in sync.
	Manager struct {
		path string

		mx        sync.Mutex
		cfg       Config
		lastSaved []byte
		observers []func(Config)
		watcher   *fsnotify.Watcher
		watchDone chan struct{}
	}
)

func defaultConfig() Config {
	return Config{
		PubKeys:         []string{},
		Relays:          []string{},
		PublicAddresses: []string{},
		CacheLevel:      2,
		LogsEnabled:     true,
	}
}

// Load reads the config file at path, creating it with defaults when it
// does not exist. Fields missing from an existing file keep their default
// values (additive defaulting), and the file is rewritten so it is always
// complete on disk.
func Load(path string) (*Manager, error) {
	mgr := &Manager{path: path, cfg: defaultConfig()}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrapf(err, "failed to read node config %v", path)
	default:
		if err = json.Unmarshal(data, &mgr.cfg); err != nil {
			return nil, errors.Wrapf(err, "malformed node config %v", path)
		}
	}
	if err = mgr.saveLocked(); err != nil {
		return nil, err
	}

	return mgr, nil
}

// Snapshot returns a deep copy safe to hold across mutations.
func (m *Manager) Snapshot() Config {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.cfg.clone()
}

func (m *Manager) Owner() string {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.cfg.Owner
}

// Update applies one mutation and persists the whole file before
// returning. Observers run after the write, outside the lock.
func (m *Manager) Update(mutate func(*Config)) error {
	m.mx.Lock()
	mutate(&m.cfg)
	err := m.saveLocked()
	snapshot := m.cfg.clone()
	observers := append([]func(Config){}, m.observers...)
	m.mx.Unlock()
	if err != nil {
		return err
	}
	for _, observer := range observers {
		observer(snapshot)
	}

	return nil
}

// AdoptOwner installs pubkey as the node owner if none is set yet. Used by
// the first-AUTH bootstrap. Reports whether adoption happened.
func (m *Manager) AdoptOwner(pubkey string) bool {
	adopted := false
	if err := m.Update(func(cfg *Config) {
		if cfg.Owner == "" && pubkey != "" {
			cfg.Owner = pubkey
			adopted = true
		}
	}); err != nil {
		log.Printf("WARN: failed to persist adopted owner %v: %v", pubkey, err)
	}

	return adopted
}

// OnChange registers an observer for every change, whether made through
// Update or picked up from an external file edit.
func (m *Manager) OnChange(observer func(Config)) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.observers = append(m.observers, observer)
}

// saveLocked writes the file wholesale: marshal to a temp file in the same
// directory, then rename over the target so readers never see a torn write.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(&m.cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal node config")
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp node config")
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return errors.Wrap(err, "failed to write temp node config")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return errors.Wrap(err, "failed to flush temp node config")
	}
	if err = os.Rename(tmp.Name(), m.path); err != nil {
		_ = os.Remove(tmp.Name())

		return errors.Wrapf(err, "failed to replace node config %v", m.path)
	}
	m.lastSaved = data

	return nil
}

// Watch follows external edits of the file until Close. Self-inflicted
// writes are recognized by content and skipped.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create config watcher")
	}
	if err = watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()

		return errors.Wrapf(err, "failed to watch %v", filepath.Dir(m.path))
	}
	m.mx.Lock()
	m.watcher = watcher
	m.watchDone = make(chan struct{})
	m.mx.Unlock()
	go m.watchLoop(watcher)

	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher) {
	defer close(m.watchDone)
	for {
		select {
		case event, open := <-watcher.Events:
			if !open {
				return
			}
			if event.Name != m.path || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			m.reload()
		case err, open := <-watcher.Errors:
			if !open {
				return
			}
			log.Printf("WARN: node config watcher: %v", err)
		}
	}
}

func (m *Manager) reload() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		log.Printf("WARN: failed to re-read node config %v: %v", m.path, err)

		return
	}
	m.mx.Lock()
	if string(data) == string(m.lastSaved) {
		m.mx.Unlock()

		return
	}
	cfg := defaultConfig()
	if err = json.Unmarshal(data, &cfg); err != nil {
		m.mx.Unlock()
		log.Printf("WARN: ignoring malformed node config edit %v: %v", m.path, err)

		return
	}
	m.cfg = cfg
	m.lastSaved = data
	snapshot := cfg.clone()
	observers := append([]func(Config){}, m.observers...)
	m.mx.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
}

// Close stops the watcher and persists the current state one last time.
func (m *Manager) Close() error {
	m.mx.Lock()
	watcher := m.watcher
	done := m.watchDone
	m.watcher = nil
	err := m.saveLocked()
	m.mx.Unlock()
	if watcher != nil {
		_ = watcher.Close()
		<-done
	}

	return err
}

func (c *Config) clone() Config {
	clone := *c
	clone.PubKeys = append([]string{}, c.PubKeys...)
	clone.Relays = append([]string{}, c.Relays...)
	clone.PublicAddresses = append([]string{}, c.PublicAddresses...)

	return clone
}

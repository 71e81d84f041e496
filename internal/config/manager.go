package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"famsched/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Validator vets a parsed config. A non-nil error keeps the current config.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the committed config and tells subscribers about validated
// changes to the file.
type Manager struct {
	path      string
	log       logx.Logger
	validator Validator

	mu  sync.RWMutex
	cfg *Config
	sum [sha256.Size]byte

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

func (m *Manager) SetValidator(fn Validator) { m.validator = fn }

func (m *Manager) read() (*Config, [sha256.Size]byte, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, norm, err := decode(m.path, raw)
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("%s: %w", m.path, err)
	}
	return cfg, sha256.Sum256(norm), nil
}

func (m *Manager) validate(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// Load reads, validates and commits the file. Subscribers are not told.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, sum, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := m.validate(ctx, cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, sum)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, sum [sha256.Size]byte) {
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

// Get returns the committed config. Callers must not modify it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. It reports true when the content changed,
// passed validation and was published.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	cfg, sum, err := m.read()
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	same := m.cfg != nil && sum == m.sum
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if err := m.validate(ctx, cfg); err != nil {
		return false, fmt.Errorf("config rejected: %w", err)
	}
	m.commit(cfg, sum)
	m.publish(cfg)
	return true, nil
}

// Subscribe returns a channel that always holds the newest published config
// the subscriber has not read yet. Older unread configs are replaced.
// cancel closes the channel.
func (m *Manager) Subscribe() (updates <-chan *Config, cancel func()) {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		// Only publish sends, under subMu, so after draining there is room.
		select {
		case <-ch:
			m.log.Debug("unread config replaced by a newer one")
		default:
		}
		ch <- cfg
	}
}

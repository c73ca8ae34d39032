package valkey

import (
	"fmt"
	"sync"

	"linecap/config"
	"linecap/trigger"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	namespace  string
	mu         sync.RWMutex
}

// NewManager creates a new Valkey manager. Keys are rooted at namespace.
func NewManager(namespace string) *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
		namespace:  namespace,
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()

	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop OUTSIDE the lock to prevent blocking
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// Start starts a publisher by name.
func (m *Manager) Start(name string) error {
	pub := m.Get(name)
	if pub == nil {
		return fmt.Errorf("valkey publisher not found: %s", name)
	}
	return pub.Start()
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			} else {
				debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishCapture hands c to every running publisher.
func (m *Manager) PublishCapture(c *trigger.Capture) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishCapture(c)
		}
	}
}

// Package mqtt publishes accepted captures to MQTT brokers.
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"linecap/config"
	"linecap/logging"
	"linecap/trigger"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// MaxPublishWorkers is the number of goroutines draining a publisher's queue.
const MaxPublishWorkers = 2

// MaxPublishQueueSize is the number of captures a publisher buffers before
// dropping new ones.
const MaxPublishQueueSize = 100

// ErrNotRunning is returned when publishing through a stopped publisher.
var ErrNotRunning = errors.New("mqtt publisher not running")

type publishJob struct {
	topic   string
	payload []byte
}

// Publisher handles one broker connection and publishes captures to it.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	queue    chan publishJob
	wg       sync.WaitGroup
	stopChan chan struct{}

	published uint64
	dropped   uint64
	failed    uint64
}

// NewPublisher creates a publisher for a single broker. Topics are rooted
// at namespace.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		queue:     make(chan publishJob, MaxPublishQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%d", p.namespace, time.Now().UnixNano()%100000)
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logMQTT("Connection to %s lost: %v", p.Address(), err)
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		client.Disconnect(0)
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	// Double-check we're not already running
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.startWorkers()
	return nil
}

func (p *Publisher) startWorkers() {
	p.mu.RLock()
	queue, stop := p.queue, p.stopChan
	p.mu.RUnlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		p.wg.Add(1)
		go p.worker(queue, stop)
	}
}

func (p *Publisher) worker(queue <-chan publishJob, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			if err := p.send(job); err != nil {
				atomic.AddUint64(&p.failed, 1)
				logMQTT("Publish to %s failed: %v", job.topic, err)
			} else {
				atomic.AddUint64(&p.published, 1)
			}
		}
	}
}

func (p *Publisher) send(job publishJob) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return ErrNotRunning
	}

	token := client.Publish(job.topic, p.config.QoS, p.config.Retain, job.payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Stop disconnects from the MQTT broker. Queued captures are discarded.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.queue = make(chan publishJob, MaxPublishQueueSize)
	p.mu.Unlock()

	close(oldStop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for publish workers to stop")
	}

	// Disconnect outside the lock
	client.Disconnect(500)
}

// BuildTopic returns <namespace>[/<selector>]/<category>/<line>/<file>.
func BuildTopic(namespace, selector string, c *trigger.Capture) string {
	parts := []string{namespace}
	if selector != "" {
		parts = append(parts, selector)
	}
	parts = append(parts, string(c.Category), topicSegment(c.Line), topicSegment(c.File))
	return strings.Join(parts, "/")
}

// topicSegment strips characters MQTT reserves inside a topic level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// PublishCapture queues c for publication. It never blocks; when the queue
// is full the capture is dropped. It reports whether c was queued.
func (p *Publisher) PublishCapture(c *trigger.Capture) bool {
	p.mu.RLock()
	running := p.running
	queue := p.queue
	p.mu.RUnlock()
	if !running {
		return false
	}

	payload, err := c.ToJSON()
	if err != nil {
		return false
	}
	return p.enqueue(queue, publishJob{topic: BuildTopic(p.namespace, p.config.Selector, c), payload: payload})
}

func (p *Publisher) enqueue(queue chan publishJob, job publishJob) bool {
	select {
	case queue <- job:
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		logMQTT("Queue full on %s, dropped capture for %s", p.Name(), job.topic)
		return false
	}
}

// Stats returns the number of published, dropped and failed captures.
func (p *Publisher) Stats() (published, dropped, failed uint64) {
	return atomic.LoadUint64(&p.published), atomic.LoadUint64(&p.dropped), atomic.LoadUint64(&p.failed)
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Manager fans captures out to every configured broker.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher, replacing any with the same name.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	old := m.publishers[pub.Name()]
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()

	if old != nil && old != pub {
		old.Stop()
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
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

// PublishCapture hands c to every running publisher.
func (m *Manager) PublishCapture(c *trigger.Capture) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishCapture(c)
		}
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

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"linecap/config"
	"linecap/logging"
	"linecap/trigger"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
}

// Manager manages multiple Kafka producer connections.
type Manager struct {
	producers map[string]*Producer
	mu        sync.RWMutex

	// Worker pool for bounded publish goroutines
	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool

	dropped uint64
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// NewManager creates a new Kafka manager with its workers running.
func NewManager() *Manager {
	m := &Manager{
		producers:    make(map[string]*Producer),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	queue, stop := m.publishQueue, m.stopChan
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			cfg := job.producer.config
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload, cfg.MaxRetries, cfg.RetryBackoff); err != nil {
				logKafka("Failed to publish %s to %s: %v", job.key, cfg.Name, err)
			}
			cancel()
		}
	}
}

// AddCluster adds a Kafka cluster. An existing cluster of the same name is
// kept.
func (m *Manager) AddCluster(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg)
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
	}
	m.mu.Unlock()

	if exists {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	return names
}

func (m *Manager) list() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	return producers
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.Connect()
}

// ConnectEnabled connects to all enabled Kafka clusters in the background.
func (m *Manager) ConnectEnabled() {
	for _, p := range m.list() {
		if p.config.Enabled {
			go func(p *Producer) {
				if err := p.Connect(); err != nil {
					logKafka("Failed to connect %s: %v", p.Name(), err)
				}
			}(p)
		}
	}
}

// StopAll stops the workers and disconnects every cluster. Queued captures
// are discarded.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.started {
		oldStop := m.stopChan
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
		m.mu.Unlock()

		close(oldStop)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	} else {
		m.mu.Unlock()
	}

	for _, p := range m.list() {
		p.Disconnect()
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	producer := m.GetProducer(name)
	if producer == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return producer.GetStatus(), producer.GetError()
}

// LoadFromConfig registers every persisted cluster.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig) {
	for _, kc := range cfgs {
		c := FromConfig(kc)
		m.AddCluster(&c)
	}
}

// PublishCapture queues c for every connected cluster, keyed by line and
// file so captures of one output keep their order. It never blocks.
func (m *Manager) PublishCapture(c *trigger.Capture) {
	m.startWorkers()

	var payload []byte
	for _, p := range m.list() {
		if p.GetStatus() != StatusConnected || p.config.Topic == "" {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = c.ToJSON(); err != nil {
				return
			}
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    p.config.Topic,
			key:      c.Key(),
			payload:  payload,
		})
	}
}

func (m *Manager) enqueue(job publishJob) bool {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
		return true
	default:
		atomic.AddUint64(&m.dropped, 1)
		logKafka("Publish queue full, dropping capture %s", job.key)
		return false
	}
}

// Dropped returns the number of captures dropped on a full queue.
func (m *Manager) Dropped() uint64 {
	return atomic.LoadUint64(&m.dropped)
}

// AnyPublishing returns true if any cluster is connected with a topic.
func (m *Manager) AnyPublishing() bool {
	for _, p := range m.list() {
		if p.GetStatus() == StatusConnected && p.config.Topic != "" {
			return true
		}
	}
	return false
}

// Package valkey stores the latest capture per output in Valkey/Redis and
// optionally announces each capture on a Pub/Sub channel.
package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"linecap/config"
	"linecap/logging"
	"linecap/trigger"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// MaxQueueSize is the number of captures a publisher buffers before
// dropping new ones.
const MaxQueueSize = 100

// ErrNotRunning is returned when storing through a stopped publisher.
var ErrNotRunning = errors.New("valkey publisher not running")

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// CaptureKey returns <namespace>[:<selector>]:<category>:<line>:<file>.
func CaptureKey(namespace, selector string, c *trigger.Capture) string {
	return joinKey(namespace, selector, string(c.Category), c.Line, c.File)
}

// ChangesChannel returns the Pub/Sub channel captures are announced on.
func ChangesChannel(namespace, selector string) string {
	return joinKey(namespace, selector, "captures")
}

// Publisher writes captures to one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex

	queue    chan *trigger.Capture
	stopChan chan struct{}
	wg       sync.WaitGroup

	stored  uint64
	dropped uint64
	failed  uint64
}

// NewPublisher creates a new Valkey publisher. Keys are rooted at namespace.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		queue:     make(chan *trigger.Capture, MaxQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running
	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	p.queue = make(chan *trigger.Capture, MaxQueueSize)

	p.wg.Add(1)
	go p.worker(client, p.queue, p.stopChan)

	return nil
}

func (p *Publisher) worker(client *redis.Client, queue <-chan *trigger.Capture, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case c := <-queue:
			if err := p.store(client, c); err != nil {
				atomic.AddUint64(&p.failed, 1)
				debugLog("Valkey store error (%s): %v", p.config.Name, err)
			} else {
				atomic.AddUint64(&p.stored, 1)
			}
		}
	}
}

// store sets the capture key with the configured TTL, then publishes the
// capture when enabled.
func (p *Publisher) store(client *redis.Client, c *trigger.Capture) error {
	data, err := c.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal capture: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := CaptureKey(p.namespace, p.config.Selector, c)
	if err := client.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	if p.config.PublishChanges {
		if err := client.Publish(ctx, ChangesChannel(p.namespace, p.config.Selector), data).Err(); err != nil {
			return fmt.Errorf("failed to publish %s: %w", key, err)
		}
	}
	return nil
}

// Stop disconnects from the Valkey server. Queued captures are discarded.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2500 * time.Millisecond):
		// A store is capped by its own 2s timeout.
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// PublishCapture queues c for storage. It never blocks and reports whether
// c was queued.
func (p *Publisher) PublishCapture(c *trigger.Capture) bool {
	p.mu.RLock()
	running := p.running
	queue := p.queue
	p.mu.RUnlock()
	if !running {
		return false
	}

	select {
	case queue <- c:
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		debugLog("Queue full on %s, dropped capture %s", p.config.Name, CaptureKey(p.namespace, p.config.Selector, c))
		return false
	}
}

// Stats returns the number of stored, dropped and failed captures.
func (p *Publisher) Stats() (stored, dropped, failed uint64) {
	return atomic.LoadUint64(&p.stored), atomic.LoadUint64(&p.dropped), atomic.LoadUint64(&p.failed)
}

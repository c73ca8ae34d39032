// Package config handles configuration persistence for linecap.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"linecap/modbus"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Category routes captures to a family of output files. Monitoring
// behaves the same for every category.
type Category string

const (
	CategoryTraceability Category = "Traceability"
	CategoryErrorCodes   Category = "ErrorCodes"
	CategoryDownTime     Category = "DownTime"
)

// Categories returns all categories in display order.
func Categories() []Category {
	return []Category{CategoryTraceability, CategoryErrorCodes, CategoryDownTime}
}

// ParseCategory matches a category name exactly.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Config holds the complete application configuration.
type Config struct {
	Namespace    string         `yaml:"namespace"` // prefix for broker topics and keys
	PLCs         []PLCConfig    `yaml:"plcs"`
	Traceability []OutputConfig `yaml:"traceability"`
	ErrorCodes   []OutputConfig `yaml:"error_codes"`
	DownTime     []OutputConfig `yaml:"down_time"`
	PollRate     time.Duration  `yaml:"poll_rate"`
	AutoStart    bool           `yaml:"auto_start,omitempty"` // start monitoring when the TUI opens
	Web          WebConfig      `yaml:"web"`
	MQTT         []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey       []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka        []KafkaConfig  `yaml:"kafka,omitempty"`
	UI           UIConfig       `yaml:"ui,omitempty"`

	// Callers that modify config should Lock(), modify, then UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// PLCConfig describes one Modbus TCP controller on the line.
type PLCConfig struct {
	Name      string        `yaml:"name" json:"name"`           // line name, unique
	Equipment string        `yaml:"equipment" json:"equipment"` // secondary label written to every row
	Address   string        `yaml:"address" json:"address"`
	Port      int           `yaml:"port" json:"port"`
	UnitID    byte          `yaml:"unit_id,omitempty" json:"unit_id,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"` // 0 = no deadline
}

// ClientOptions converts the PLC entry into Modbus client options.
func (p *PLCConfig) ClientOptions() modbus.Options {
	return modbus.Options{
		Address: p.Address,
		Port:    p.Port,
		UnitID:  p.UnitID,
		Timeout: p.Timeout,
	}
}

// OutputConfig describes one captured register block and where its rows go.
type OutputConfig struct {
	FileName        string `yaml:"file_name" json:"file_name"`
	Folder          string `yaml:"folder" json:"folder"`
	RegisterType    string `yaml:"register_type" json:"register_type"`
	StartRegister   uint16 `yaml:"start_register" json:"start_register"`
	Range           uint16 `yaml:"range" json:"range"`
	TriggerType     string `yaml:"trigger_type" json:"trigger_type"`
	TriggerRegister uint16 `yaml:"trigger_register" json:"trigger_register"`

	// Set by AllOutputs; not persisted because the list an output sits in
	// already names its category.
	Category Category `yaml:"-" json:"category"`
	Index    int      `yaml:"-" json:"index"`
}

// ID identifies the output within its category.
func (o *OutputConfig) ID() string {
	return fmt.Sprintf("%s/%d:%s", o.Category, o.Index, o.FileName)
}

// UIConfig stores console preferences.
type UIConfig struct {
	ASCIIMode bool `yaml:"ascii_mode,omitempty"`
	LogLines  int  `yaml:"log_lines,omitempty"` // retained status lines, default 1000
}

// WebConfig holds HTTP API server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
	Retain   bool   `yaml:"retain,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // also PUBLISH each capture
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// Optional booleans are pointers so "unset" can fall back to a default.
type KafkaConfig struct {
	Name             string        `yaml:"name"`
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	Topic            string        `yaml:"topic"`
	UseTLS           bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string        `yaml:"username,omitempty"`
	Password         string        `yaml:"password,omitempty"`
	RequiredAcks     int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty"`
	AutoCreateTopics *bool         `yaml:"auto_create_topics,omitempty"`
}

// DefaultPollRate is the trigger poll interval used when none is configured.
const DefaultPollRate = 100 * time.Millisecond

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:    "linecap",
		PLCs:         []PLCConfig{},
		Traceability: []OutputConfig{},
		ErrorCodes:   []OutputConfig{},
		DownTime:     []OutputConfig{},
		PollRate:     DefaultPollRate,
		Web: WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		UI: UIConfig{LogLines: 1000},
	}
}

// DefaultPath returns the default configuration file path (~/.linecap/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".linecap", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are then written back on a best-effort basis.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path)
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = DefaultPollRate
	}
	if cfg.UI.LogLines <= 0 {
		cfg.UI.LogLines = 1000
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback run after each successful save.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// Snapshot returns copies of the PLC list and the flattened outputs, taken
// under the data lock, for handing to a monitoring session.
func (c *Config) Snapshot() ([]PLCConfig, []OutputConfig) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	plcs := make([]PLCConfig, len(c.PLCs))
	copy(plcs, c.PLCs)
	return plcs, c.AllOutputs()
}

// Outputs returns a pointer to the output list for a category.
func (c *Config) Outputs(cat Category) *[]OutputConfig {
	switch cat {
	case CategoryTraceability:
		return &c.Traceability
	case CategoryErrorCodes:
		return &c.ErrorCodes
	case CategoryDownTime:
		return &c.DownTime
	}
	return nil
}

// AllOutputs flattens the three category lists, stamping each copy with its
// category and position.
func (c *Config) AllOutputs() []OutputConfig {
	var all []OutputConfig
	for _, cat := range Categories() {
		for i, o := range *c.Outputs(cat) {
			o.Category = cat
			o.Index = i
			all = append(all, o)
		}
	}
	return all
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC by name.
func (c *Config) RemovePLC(name string) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePLC replaces an existing PLC configuration.
func (c *Config) UpdatePLC(name string, updated PLCConfig) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs[i] = updated
			return true
		}
	}
	return false
}

// FindOutput returns the first output in a category writing the given base
// file name, or nil.
func (c *Config) FindOutput(cat Category, fileName string) *OutputConfig {
	list := c.Outputs(cat)
	if list == nil {
		return nil
	}
	for i := range *list {
		if (*list)[i].FileName == fileName {
			return &(*list)[i]
		}
	}
	return nil
}

// AddOutput appends an output to a category.
func (c *Config) AddOutput(cat Category, out OutputConfig) error {
	list := c.Outputs(cat)
	if list == nil {
		return fmt.Errorf("unknown category %q", cat)
	}
	*list = append(*list, out)
	return nil
}

// RemoveOutput removes the output at index within a category.
func (c *Config) RemoveOutput(cat Category, index int) bool {
	list := c.Outputs(cat)
	if list == nil || index < 0 || index >= len(*list) {
		return false
	}
	*list = append((*list)[:index], (*list)[index+1:]...)
	return true
}

// UpdateOutput replaces the output at index within a category.
func (c *Config) UpdateOutput(cat Category, index int, updated OutputConfig) bool {
	list := c.Outputs(cat)
	if list == nil || index < 0 || index >= len(*list) {
		return false
	}
	(*list)[index] = updated
	return true
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// Validate checks that descriptors are well formed. It reports every
// problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for i, p := range c.PLCs {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("plc %d: name is required", i))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("plc %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
		if net.ParseIP(p.Address) == nil {
			errs = append(errs, fmt.Errorf("plc %q: invalid address %q", p.Name, p.Address))
		}
		if p.Port < 1 || p.Port > 65535 {
			errs = append(errs, fmt.Errorf("plc %q: port must be 1-65535", p.Name))
		}
	}

	for _, o := range c.AllOutputs() {
		errs = append(errs, o.validate()...)
	}

	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		errs = append(errs, fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots"))
	}
	return errors.Join(errs...)
}

// validate checks one output. A missing folder or file name is left to the
// watcher, which logs it and skips the write so sibling outputs keep running.
func (o *OutputConfig) validate() []error {
	var errs []error
	if o.Range < 1 {
		errs = append(errs, fmt.Errorf("output %s: range must be at least 1", o.ID()))
	}
	if _, err := modbus.ParseKind(o.RegisterType); err != nil {
		errs = append(errs, fmt.Errorf("output %s: register_type: %w", o.ID(), err))
	}
	if _, err := modbus.ParseKind(o.TriggerType); err != nil {
		errs = append(errs, fmt.Errorf("output %s: trigger_type: %w", o.ID(), err))
	}
	return errs
}

// IsValidNamespace returns true if the namespace contains only
// alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

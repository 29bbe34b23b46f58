// Package config defines the configuration surface for the virta
// delivery pipeline. Configuration is loaded from YAML or JSON files,
// defaults are applied for anything unset, and Validate rejects
// combinations the pipeline cannot honor at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/virta/pkg/domain"
)

// Overflow policies for the aggregation key table.
const (
	OverflowRejectNewKeys = "reject_new_keys"
	OverflowEvictLRU      = "evict_lru"
)

// Config is the root configuration for a virta instance.
type Config struct {
	// Instance identifier included in health snapshots. Defaults to a
	// generated UUID when empty.
	InstanceID string `yaml:"instance_id" json:"instance_id"`

	Lanes        LanesConfig        `yaml:"lanes" json:"lanes"`
	Router       RouterConfig       `yaml:"router" json:"router"`
	Backpressure BackpressureConfig `yaml:"backpressure" json:"backpressure"`
	Aggregation  AggregationConfig  `yaml:"aggregation" json:"aggregation"`
	Ledger       LedgerConfig       `yaml:"ledger" json:"ledger"`
	Gap          GapConfig          `yaml:"gap" json:"gap"`
	Health       HealthConfig       `yaml:"health" json:"health"`
	Consumer     ConsumerConfig     `yaml:"consumer" json:"consumer"`
	Sink         SinkConfig         `yaml:"sink" json:"sink"`
	Producer     ProducerConfig     `yaml:"producer" json:"producer"`
}

// Producer backends.
const (
	ProducerSynthetic = "synthetic"
	ProducerKernel    = "kernel"
)

// ProducerConfig selects and tunes the event source.
type ProducerConfig struct {
	// Type is synthetic or kernel.
	Type      string                  `yaml:"type" json:"type"`
	Kernel    KernelProducerConfig    `yaml:"kernel" json:"kernel"`
	Synthetic SyntheticProducerConfig `yaml:"synthetic" json:"synthetic"`
}

// KernelProducerConfig points at the ring buffer map pinned by the
// separately deployed BPF programs.
type KernelProducerConfig struct {
	PinPath     string        `yaml:"pin_path" json:"pin_path"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
}

// SyntheticProducerConfig drives the load-generating producer.
type SyntheticProducerConfig struct {
	// Rate is events per second across all sources.
	Rate  float64 `yaml:"rate" json:"rate"`
	Burst int     `yaml:"burst" json:"burst"`
	// Sources is the number of distinct source IDs to emit from.
	Sources int `yaml:"sources" json:"sources"`
	// PayloadBytes sizes each event's payload.
	PayloadBytes int `yaml:"payload_bytes" json:"payload_bytes"`
}

// Sink backends.
const (
	SinkStdout = "stdout"
	SinkNATS   = "nats"
)

// SinkConfig selects and tunes the delivery sink.
type SinkConfig struct {
	// Type is stdout or nats.
	Type string     `yaml:"type" json:"type"`
	NATS NATSConfig `yaml:"nats" json:"nats"`
}

// NATSConfig holds NATS sink settings.
type NATSConfig struct {
	URL            string        `yaml:"url" json:"url"`
	Name           string        `yaml:"name" json:"name"`
	SubjectPrefix  string        `yaml:"subject_prefix" json:"subject_prefix"`
	MaxReconnects  int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// LanesConfig sizes the three priority buffers.
type LanesConfig struct {
	Critical LaneConfig `yaml:"critical" json:"critical"`
	Normal   LaneConfig `yaml:"normal" json:"normal"`
	Debug    LaneConfig `yaml:"debug" json:"debug"`
}

// LaneConfig holds per-lane buffer settings.
type LaneConfig struct {
	// Capacity is the fixed slot count of the lane buffer. Must be a
	// power of two so the ring can mask instead of mod.
	Capacity int `yaml:"capacity" json:"capacity"`
}

// ForLane returns the lane config for the given lane ID.
func (l *LanesConfig) ForLane(lane domain.LaneID) LaneConfig {
	switch lane {
	case domain.LaneCritical:
		return l.Critical
	case domain.LaneNormal:
		return l.Normal
	default:
		return l.Debug
	}
}

// ClassifierRule maps an event type to a delivery lane.
type ClassifierRule struct {
	// Type is the numeric event type, e.g. 0x0201.
	Type uint16 `yaml:"type" json:"type"`
	// Lane is the lane name: critical, normal or debug.
	Lane string `yaml:"lane" json:"lane"`
}

// RouterConfig controls event classification and admission.
type RouterConfig struct {
	// MaxPayloadBytes rejects events whose payload exceeds this size
	// before any sequence number is allocated. 0 means no limit.
	MaxPayloadBytes int `yaml:"max_payload_bytes" json:"max_payload_bytes"`

	// DefaultLane receives events whose type matches no rule.
	DefaultLane string `yaml:"default_lane" json:"default_lane"`

	// Rules map explicit event types to lanes. Types matching no rule
	// go to DefaultLane.
	Rules []ClassifierRule `yaml:"rules" json:"rules"`
}

// BackpressureConfig tunes the sampling controller.
type BackpressureConfig struct {
	// Interval between fill-ratio evaluations.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// HighWatermark is the fill ratio above which sampling engages.
	HighWatermark float64 `yaml:"high_watermark" json:"high_watermark"`

	// NormalFloor and DebugFloor bound how far sampling can descend
	// for each lane. Critical is never sampled.
	NormalFloor float64 `yaml:"normal_floor" json:"normal_floor"`
	DebugFloor  float64 `yaml:"debug_floor" json:"debug_floor"`
}

// AggregationConfig controls the time-boxed accumulation window.
type AggregationConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Window  time.Duration `yaml:"window" json:"window"`

	// Types lists the event types that fold into the window instead of
	// being routed individually.
	Types []uint16 `yaml:"types" json:"types"`

	// MaxEntries bounds the key table within one window.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// OverflowPolicy is reject_new_keys or evict_lru.
	OverflowPolicy string `yaml:"overflow_policy" json:"overflow_policy"`

	// FlushLane carries the per-window summary events.
	FlushLane string `yaml:"flush_lane" json:"flush_lane"`
}

// LedgerConfig bounds drop episode retention.
type LedgerConfig struct {
	// MaxRecords is the episode count after which the oldest records
	// are evicted. Totals survive eviction.
	MaxRecords int `yaml:"max_records" json:"max_records"`
}

// GapConfig tunes sequence reconciliation.
type GapConfig struct {
	// ResumeFromFirstObserved treats the first sequence seen on a lane
	// as the baseline instead of flagging everything before it.
	ResumeFromFirstObserved bool `yaml:"resume_from_first_observed" json:"resume_from_first_observed"`
}

// HealthConfig controls snapshot publication.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`

	// DegradedFillRatio and UnhealthyDropRate feed the level heuristic.
	DegradedFillRatio float64 `yaml:"degraded_fill_ratio" json:"degraded_fill_ratio"`
}

// ConsumerConfig tunes the drain loop.
type ConsumerConfig struct {
	// BatchSize caps events drained per lane visit.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// PollTimeout bounds the wait for new events before re-checking
	// higher priority lanes and shutdown.
	PollTimeout time.Duration `yaml:"poll_timeout" json:"poll_timeout"`
}

// Load reads configuration from path. YAML and JSON are both accepted,
// chosen by extension with a YAML-first fallback for anything else.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
		if err != nil {
			err = json.Unmarshal(data, cfg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.Lanes.Critical.Capacity == 0 {
		c.Lanes.Critical.Capacity = 8192
	}
	if c.Lanes.Normal.Capacity == 0 {
		c.Lanes.Normal.Capacity = 4096
	}
	if c.Lanes.Debug.Capacity == 0 {
		c.Lanes.Debug.Capacity = 1024
	}
	if c.Router.MaxPayloadBytes == 0 {
		c.Router.MaxPayloadBytes = 4096
	}
	if c.Router.DefaultLane == "" {
		c.Router.DefaultLane = domain.LaneNormal.String()
	}
	if len(c.Router.Rules) == 0 {
		c.Router.Rules = []ClassifierRule{
			{Type: uint16(domain.TypeOOMKill), Lane: domain.LaneCritical.String()},
			{Type: uint16(domain.TypePrivilegeEscalation), Lane: domain.LaneCritical.String()},
			{Type: uint16(domain.TypeModuleLoad), Lane: domain.LaneCritical.String()},
			{Type: uint16(domain.TypePtraceAttach), Lane: domain.LaneCritical.String()},
			{Type: uint16(domain.TypeFileOpen), Lane: domain.LaneDebug.String()},
			{Type: uint16(domain.TypeFileWrite), Lane: domain.LaneDebug.String()},
		}
	}
	if c.Backpressure.Interval == 0 {
		c.Backpressure.Interval = 100 * time.Millisecond
	}
	if c.Backpressure.HighWatermark == 0 {
		c.Backpressure.HighWatermark = 0.75
	}
	if c.Backpressure.NormalFloor == 0 {
		c.Backpressure.NormalFloor = 0.25
	}
	if c.Backpressure.DebugFloor == 0 {
		c.Backpressure.DebugFloor = 0.05
	}
	if c.Aggregation.Window == 0 {
		c.Aggregation.Window = time.Second
	}
	if c.Aggregation.MaxEntries == 0 {
		c.Aggregation.MaxEntries = 1024
	}
	if c.Aggregation.OverflowPolicy == "" {
		c.Aggregation.OverflowPolicy = OverflowRejectNewKeys
	}
	if c.Aggregation.FlushLane == "" {
		c.Aggregation.FlushLane = domain.LaneNormal.String()
	}
	if c.Ledger.MaxRecords == 0 {
		c.Ledger.MaxRecords = 1024
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 10 * time.Second
	}
	if c.Health.DegradedFillRatio == 0 {
		c.Health.DegradedFillRatio = 0.8
	}
	if c.Consumer.BatchSize == 0 {
		c.Consumer.BatchSize = 256
	}
	if c.Consumer.PollTimeout == 0 {
		c.Consumer.PollTimeout = 50 * time.Millisecond
	}
	if c.Sink.Type == "" {
		c.Sink.Type = SinkStdout
	}
	if c.Sink.NATS.URL == "" {
		c.Sink.NATS.URL = "nats://localhost:4222"
	}
	if c.Sink.NATS.Name == "" {
		c.Sink.NATS.Name = "virta"
	}
	if c.Sink.NATS.SubjectPrefix == "" {
		c.Sink.NATS.SubjectPrefix = "virta.events"
	}
	if c.Sink.NATS.MaxReconnects == 0 {
		c.Sink.NATS.MaxReconnects = 10
	}
	if c.Sink.NATS.ReconnectWait == 0 {
		c.Sink.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Sink.NATS.ConnectTimeout == 0 {
		c.Sink.NATS.ConnectTimeout = 5 * time.Second
	}
	if c.Producer.Type == "" {
		c.Producer.Type = ProducerSynthetic
	}
	if c.Producer.Kernel.PinPath == "" {
		c.Producer.Kernel.PinPath = "/sys/fs/bpf/virta/events"
	}
	if c.Producer.Kernel.ReadTimeout == 0 {
		c.Producer.Kernel.ReadTimeout = 100 * time.Millisecond
	}
	if c.Producer.Synthetic.Rate == 0 {
		c.Producer.Synthetic.Rate = 1000
	}
	if c.Producer.Synthetic.Burst == 0 {
		c.Producer.Synthetic.Burst = 100
	}
	if c.Producer.Synthetic.Sources == 0 {
		c.Producer.Synthetic.Sources = 4
	}
	if c.Producer.Synthetic.PayloadBytes == 0 {
		c.Producer.Synthetic.PayloadBytes = 64
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	for _, lc := range []struct {
		name string
		cap  int
	}{
		{"lanes.critical", c.Lanes.Critical.Capacity},
		{"lanes.normal", c.Lanes.Normal.Capacity},
		{"lanes.debug", c.Lanes.Debug.Capacity},
	} {
		if lc.cap < 2 {
			return fmt.Errorf("%s.capacity must be at least 2, got %d", lc.name, lc.cap)
		}
		if lc.cap&(lc.cap-1) != 0 {
			return fmt.Errorf("%s.capacity must be a power of two, got %d", lc.name, lc.cap)
		}
	}
	if c.Lanes.Critical.Capacity < c.Lanes.Normal.Capacity {
		return fmt.Errorf("lanes.critical.capacity %d must not be smaller than lanes.normal.capacity %d",
			c.Lanes.Critical.Capacity, c.Lanes.Normal.Capacity)
	}
	if c.Router.MaxPayloadBytes < 0 {
		return fmt.Errorf("router.max_payload_bytes must not be negative, got %d", c.Router.MaxPayloadBytes)
	}
	if _, err := domain.ParseLane(c.Router.DefaultLane); err != nil {
		return fmt.Errorf("router.default_lane: %w", err)
	}
	for i, rule := range c.Router.Rules {
		if _, err := domain.ParseLane(rule.Lane); err != nil {
			return fmt.Errorf("router.rules[%d]: %w", i, err)
		}
	}
	if c.Backpressure.Interval < 10*time.Millisecond {
		return fmt.Errorf("backpressure.interval must be at least 10ms, got %s", c.Backpressure.Interval)
	}
	if c.Backpressure.HighWatermark <= 0 || c.Backpressure.HighWatermark >= 1 {
		return fmt.Errorf("backpressure.high_watermark must be in (0, 1), got %g", c.Backpressure.HighWatermark)
	}
	for _, fl := range []struct {
		name  string
		value float64
	}{
		{"backpressure.normal_floor", c.Backpressure.NormalFloor},
		{"backpressure.debug_floor", c.Backpressure.DebugFloor},
	} {
		if fl.value < 0 || fl.value > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %g", fl.name, fl.value)
		}
	}
	if c.Aggregation.MaxEntries < 1 {
		return fmt.Errorf("aggregation.max_entries must be positive, got %d", c.Aggregation.MaxEntries)
	}
	switch c.Aggregation.OverflowPolicy {
	case OverflowRejectNewKeys, OverflowEvictLRU:
	default:
		return fmt.Errorf("aggregation.overflow_policy must be %q or %q, got %q",
			OverflowRejectNewKeys, OverflowEvictLRU, c.Aggregation.OverflowPolicy)
	}
	if _, err := domain.ParseLane(c.Aggregation.FlushLane); err != nil {
		return fmt.Errorf("aggregation.flush_lane: %w", err)
	}
	if c.Aggregation.Window < 10*time.Millisecond {
		return fmt.Errorf("aggregation.window must be at least 10ms, got %s", c.Aggregation.Window)
	}
	if c.Ledger.MaxRecords < 1 {
		return fmt.Errorf("ledger.max_records must be positive, got %d", c.Ledger.MaxRecords)
	}
	if c.Health.Interval < time.Second {
		return fmt.Errorf("health.interval must be at least 1s, got %s", c.Health.Interval)
	}
	if c.Consumer.BatchSize < 1 {
		return fmt.Errorf("consumer.batch_size must be positive, got %d", c.Consumer.BatchSize)
	}
	if c.Consumer.PollTimeout < time.Millisecond {
		return fmt.Errorf("consumer.poll_timeout must be at least 1ms, got %s", c.Consumer.PollTimeout)
	}
	switch c.Sink.Type {
	case SinkStdout, SinkNATS:
	default:
		return fmt.Errorf("sink.type must be %q or %q, got %q", SinkStdout, SinkNATS, c.Sink.Type)
	}
	switch c.Producer.Type {
	case ProducerSynthetic, ProducerKernel:
	default:
		return fmt.Errorf("producer.type must be %q or %q, got %q",
			ProducerSynthetic, ProducerKernel, c.Producer.Type)
	}
	if c.Producer.Synthetic.Rate < 0 {
		return fmt.Errorf("producer.synthetic.rate must not be negative, got %g", c.Producer.Synthetic.Rate)
	}
	return nil
}

// CompiledRules resolves the router rule list into domain types. The
// returned map contains only explicit rules; everything else goes to
// the default lane.
func (c *RouterConfig) CompiledRules() (map[domain.EventType]domain.LaneID, domain.LaneID, error) {
	def, err := domain.ParseLane(c.DefaultLane)
	if err != nil {
		return nil, 0, err
	}
	rules := make(map[domain.EventType]domain.LaneID, len(c.Rules))
	for i, rule := range c.Rules {
		lane, err := domain.ParseLane(rule.Lane)
		if err != nil {
			return nil, 0, fmt.Errorf("rule %d: %w", i, err)
		}
		rules[domain.EventType(rule.Type)] = lane
	}
	return rules, def, nil
}

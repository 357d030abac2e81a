package vbus

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the VBus bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge        BridgeConfig        `yaml:"bridge"`
	Bus           BusSettings         `yaml:"bus"`
	Headers       HeadersConfig       `yaml:"headers"`
	Publish       PublishConfig       `yaml:"publish"`
	Fields        FieldsConfig        `yaml:"fields"`
	Specification SpecificationConfig `yaml:"specification"`
	Recorder      ListenerConfig      `yaml:"recorder"`
	Telemetry     ListenerConfig      `yaml:"telemetry"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health reporting.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`
}

// BusSettings contains bus daemon connection and exchange timing settings.
type BusSettings struct {
	// Connection is the daemon URL; the scheme selects the transport.
	//   - "tcp://localhost:7053"
	//   - "unix:///run/vbusd.sock"
	//   - "serial:///dev/ttyUSB0"
	Connection string `yaml:"connection"`

	// BaudRate applies to serial connections. Default: 9600.
	BaudRate int `yaml:"baud_rate"`

	// ConnectTimeout is the maximum time to wait for connection (seconds).
	// Default: 10 seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ValueTimeout controls get/set retries.
	ValueTimeout ValueTimeoutConfig `yaml:"value_timeout"`

	// Arbitration controls bus acquisition polling.
	Arbitration ArbitrationConfig `yaml:"arbitration"`
}

// ValueTimeoutConfig is the linear backoff of get/set exchanges.
type ValueTimeoutConfig struct {
	// Timeout is the first attempt's response timeout (milliseconds).
	Timeout int `yaml:"timeout"`

	// TimeoutIncr is added on every retry (milliseconds).
	TimeoutIncr int `yaml:"timeout_incr"`

	// Tries is the total number of attempts.
	Tries int `yaml:"tries"`
}

// ArbitrationConfig bounds bus acquisition.
type ArbitrationConfig struct {
	// PollInterval is the delay between free-bus checks (milliseconds).
	PollInterval int `yaml:"poll_interval"`

	// MaxAttempts is the number of checks before giving up.
	MaxAttempts int `yaml:"max_attempts"`

	// HandshakeTimeout bounds each free-bus and release handshake (milliseconds).
	HandshakeTimeout int `yaml:"handshake_timeout"`
}

// HeadersConfig controls header consolidation.
type HeadersConfig struct {
	// Interval is the consolidation tick for the recorder, telemetry and
	// settle logging (seconds). Default: 10 seconds.
	Interval int `yaml:"interval"`

	// TTL is the maximum age of a consolidated header (seconds).
	// Zero keeps headers until replaced.
	TTL int `yaml:"ttl"`

	// SettleDump logs the discovered field names once the bus has settled.
	SettleDump bool `yaml:"settle_dump"`
}

// PublishConfig controls the MQTT publish cycle.
type PublishConfig struct {
	// RootTopic is the MQTT root. Default: "resol".
	RootTopic string `yaml:"root_topic"`

	// Interval is the publish period (seconds). Zero disables publishing,
	// value polling and write-back subscriptions.
	Interval int `yaml:"interval"`

	// Encoding is "json" or "urlencoded". Default: json.
	Encoding string `yaml:"encoding"`

	// QoS is the MQTT quality of service for published values.
	QoS int `yaml:"qos"`

	// Retain publishes values as retained messages.
	Retain bool `yaml:"retain"`
}

// FieldsConfig maps controller values and decoded header fields to MQTT keys.
type FieldsConfig struct {
	Values map[string]ValueFieldConfig  `yaml:"values"`
	Header map[string]HeaderFieldConfig `yaml:"header"`
}

// ValueFieldConfig describes one value reached by get/set requests.
type ValueFieldConfig struct {
	// ID is the controller's value identifier.
	ID int `yaml:"id"`

	// Type enables scaling and, with every member set, write validation.
	Type *ValueTypeConfig `yaml:"type"`

	// Writeable subscribes <root>/<key>/set.
	Writeable bool `yaml:"writeable"`

	// Save asks the controller to persist written values.
	Save bool `yaml:"save"`
}

// ValueTypeConfig is the type descriptor of a controller value.
type ValueTypeConfig struct {
	Precision *int     `yaml:"precision"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
}

// complete reports whether every member is set.
func (t *ValueTypeConfig) complete() bool {
	return t != nil && t.Precision != nil && t.Min != nil && t.Max != nil
}

// HeaderFieldConfig maps a key to one decoded field or a function of several.
//
// Either form is accepted:
//
//	temp1: "00_0010_7E11_10_0100_000_2"
//	delta: {op: difference, fields: [a, b], precision: 1}
type HeaderFieldConfig struct {
	Field     string   `yaml:"field"`
	Op        string   `yaml:"op"`
	Fields    []string `yaml:"fields"`
	Precision *int     `yaml:"precision"`
}

// UnmarshalYAML implements yaml.Unmarshaler for the scalar shorthand.
func (h *HeaderFieldConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		h.Field = node.Value
		return nil
	}
	type plain HeaderFieldConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*h = HeaderFieldConfig(p)
	return nil
}

// fieldIDs returns the referenced decoded field ids.
func (h HeaderFieldConfig) fieldIDs() []string {
	if h.Field != "" {
		return append([]string{h.Field}, h.Fields...)
	}
	return h.Fields
}

// SpecificationConfig locates the packet specification.
type SpecificationConfig struct {
	// File is the YAML packet specification path.
	File string `yaml:"file"`
}

// ListenerConfig toggles an optional snapshot listener.
type ListenerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VBUS_BRIDGE_SECTION_KEY
// For example: VBUS_BRIDGE_BUS_CONNECTION, VBUS_BRIDGE_PUBLISH_INTERVAL
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "vbus-bridge-01",
			HealthInterval: 30,
		},
		Bus: BusSettings{
			Connection:     DefaultDaemonConnection,
			BaudRate:       defaultBaudRate,
			ConnectTimeout: 10,
			ValueTimeout: ValueTimeoutConfig{
				Timeout:     int(DefaultValueTimeout / time.Millisecond),
				TimeoutIncr: int(DefaultValueTimeoutIncr / time.Millisecond),
				Tries:       DefaultValueTries,
			},
			Arbitration: ArbitrationConfig{
				PollInterval:     int(DefaultArbitrationInterval / time.Millisecond),
				MaxAttempts:      DefaultArbitrationAttempts,
				HandshakeTimeout: int(DefaultHandshakeTimeout / time.Millisecond),
			},
		},
		Headers: HeadersConfig{
			Interval: 10,
			TTL:      60,
		},
		Publish: PublishConfig{
			RootTopic: DefaultRootTopic,
			Interval:  30,
			Encoding:  string(EncodingJSON),
			QoS:       1,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VBUS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("VBUS_BRIDGE_BUS_CONNECTION"); v != "" {
		cfg.Bus.Connection = v
	}
	if v := os.Getenv("VBUS_BRIDGE_PUBLISH_ROOT_TOPIC"); v != "" {
		cfg.Publish.RootTopic = v
	}
	if v := os.Getenv("VBUS_BRIDGE_PUBLISH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Publish.Interval = n
		}
	}
	if v := os.Getenv("VBUS_BRIDGE_PUBLISH_ENCODING"); v != "" {
		cfg.Publish.Encoding = v
	}
	if v := os.Getenv("VBUS_BRIDGE_SPECIFICATION_FILE"); v != "" {
		cfg.Specification.File = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateBus()...)
	errs = append(errs, c.validateHeaders()...)
	errs = append(errs, c.validatePublish()...)
	errs = append(errs, c.validateFields()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	return errs
}

func (c *Config) validateBus() []string {
	var errs []string
	if c.Bus.Connection == "" {
		errs = append(errs, "bus.connection is required")
	} else if _, _, err := parseConnectionURL(c.Bus.Connection); err != nil {
		errs = append(errs, fmt.Sprintf("bus.connection %q is invalid: %v", c.Bus.Connection, err))
	}
	if c.Bus.ConnectTimeout < 1 {
		errs = append(errs, "bus.connect_timeout must be at least 1 second")
	}
	if c.Bus.ValueTimeout.Timeout < 1 {
		errs = append(errs, "bus.value_timeout.timeout must be at least 1 ms")
	}
	if c.Bus.ValueTimeout.TimeoutIncr < 0 {
		errs = append(errs, "bus.value_timeout.timeout_incr cannot be negative")
	}
	if c.Bus.ValueTimeout.Tries < 1 {
		errs = append(errs, "bus.value_timeout.tries must be at least 1")
	}
	if c.Bus.Arbitration.PollInterval < 1 {
		errs = append(errs, "bus.arbitration.poll_interval must be at least 1 ms")
	}
	if c.Bus.Arbitration.MaxAttempts < 1 {
		errs = append(errs, "bus.arbitration.max_attempts must be at least 1")
	}
	if c.Bus.Arbitration.HandshakeTimeout < 1 {
		errs = append(errs, "bus.arbitration.handshake_timeout must be at least 1 ms")
	}
	return errs
}

func (c *Config) validateHeaders() []string {
	var errs []string
	if c.Headers.Interval < 1 {
		errs = append(errs, "headers.interval must be at least 1 second")
	}
	if c.Headers.TTL < 0 {
		errs = append(errs, "headers.ttl cannot be negative")
	}
	return errs
}

func (c *Config) validatePublish() []string {
	var errs []string
	if c.Publish.RootTopic == "" {
		errs = append(errs, "publish.root_topic is required")
	}
	if strings.ContainsAny(c.Publish.RootTopic, "+#") {
		errs = append(errs, fmt.Sprintf("publish.root_topic %q must not contain wildcards", c.Publish.RootTopic))
	}
	if c.Publish.Interval < 0 {
		errs = append(errs, "publish.interval cannot be negative")
	}
	switch Encoding(c.Publish.Encoding) {
	case EncodingJSON, EncodingURL:
	default:
		errs = append(errs, fmt.Sprintf("publish.encoding %q is invalid (use json or urlencoded)", c.Publish.Encoding))
	}
	if c.Publish.QoS < 0 || c.Publish.QoS > 2 {
		errs = append(errs, "publish.qos must be 0, 1, or 2")
	}
	return errs
}

// validateFields checks structural problems. A writeable value with an
// incomplete type is not an error here: it resolves to ValueMisconfigured
// and is reported when write subscriptions are set up.
func (c *Config) validateFields() []string {
	var errs []string

	for key, v := range c.Fields.Values {
		if key == "" || strings.ContainsAny(key, "/+#") {
			errs = append(errs, fmt.Sprintf("fields.values key %q is invalid", key))
		}
		if v.ID < 0 || v.ID > 0xFFFF {
			errs = append(errs, fmt.Sprintf("fields.values.%s.id %d is out of range", key, v.ID))
		}
		if v.Type != nil && v.Type.Precision != nil && (*v.Type.Precision < 0 || *v.Type.Precision > 6) {
			errs = append(errs, fmt.Sprintf("fields.values.%s.type.precision must be between 0 and 6", key))
		}
		if v.Type.complete() && *v.Type.Min > *v.Type.Max {
			errs = append(errs, fmt.Sprintf("fields.values.%s.type.min is greater than max", key))
		}
		if v.Type.complete() {
			for _, bound := range []float64{*v.Type.Min, *v.Type.Max} {
				if _, err := ToRaw(bound, *v.Type.Precision); err != nil {
					errs = append(errs, fmt.Sprintf("fields.values.%s.type range does not fit a raw 32-bit value", key))
					break
				}
			}
		}
	}

	for key, h := range c.Fields.Header {
		if key == "" || strings.ContainsAny(key, "/+#") {
			errs = append(errs, fmt.Sprintf("fields.header key %q is invalid", key))
		}
		op := MappingOp(h.Op)
		if !op.Valid() {
			errs = append(errs, fmt.Sprintf("fields.header.%s.op %q is invalid", key, h.Op))
		}
		ids := h.fieldIDs()
		switch {
		case len(ids) == 0:
			errs = append(errs, fmt.Sprintf("fields.header.%s requires a field id", key))
		case op == OpField && len(ids) != 1:
			errs = append(errs, fmt.Sprintf("fields.header.%s maps %d fields without an op", key, len(ids)))
		}
	}

	return errs
}

// FieldMap resolves the field configuration into its runtime form.
func (c *Config) FieldMap() *FieldMap {
	values := make([]ValueConfig, 0, len(c.Fields.Values))
	for key, v := range c.Fields.Values {
		values = append(values, resolveValue(key, v))
	}

	header := make([]HeaderMapping, 0, len(c.Fields.Header))
	for key, h := range c.Fields.Header {
		header = append(header, HeaderMapping{
			Key:       key,
			Op:        MappingOp(h.Op),
			FieldIDs:  slices.Clone(h.fieldIDs()),
			Precision: h.Precision,
		})
	}

	return NewFieldMap(values, header)
}

// resolveValue turns a configured value into its access variant.
func resolveValue(key string, v ValueFieldConfig) ValueConfig {
	vc := ValueConfig{
		Key:  key,
		ID:   uint16(v.ID), //nolint:gosec // range checked in Validate
		Kind: ValueReadOnly,
		Save: v.Save,
	}
	if v.Type != nil && v.Type.Precision != nil {
		vc.Precision = *v.Type.Precision
	}

	if !v.Writeable {
		return vc
	}

	if !v.Type.complete() {
		vc.Kind = ValueMisconfigured
		vc.Problem = missingTypeMembers(v.Type)
		return vc
	}

	vc.Kind = ValueWriteable
	vc.Range = &ValueRange{Min: *v.Type.Min, Max: *v.Type.Max}
	return vc
}

func missingTypeMembers(t *ValueTypeConfig) string {
	if t == nil {
		return "writeable field has no type"
	}
	var missing []string
	if t.Precision == nil {
		missing = append(missing, "precision")
	}
	if t.Min == nil {
		missing = append(missing, "min")
	}
	if t.Max == nil {
		missing = append(missing, "max")
	}
	return "writeable field type lacks " + strings.Join(missing, ", ")
}

// ToDaemonConfig converts bus settings to a DaemonConfig for the client.
func (c *Config) ToDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Connection:     c.Bus.Connection,
		BaudRate:       c.Bus.BaudRate,
		ConnectTimeout: time.Duration(c.Bus.ConnectTimeout) * time.Second,
	}
}

// ArbiterConfig returns the arbitration settings for the given controller.
func (c *Config) ArbiterConfig(ctrl BusController, metrics *Metrics) ArbiterConfig {
	return ArbiterConfig{
		Controller:       ctrl,
		PollInterval:     time.Duration(c.Bus.Arbitration.PollInterval) * time.Millisecond,
		MaxAttempts:      c.Bus.Arbitration.MaxAttempts,
		HandshakeTimeout: time.Duration(c.Bus.Arbitration.HandshakeTimeout) * time.Millisecond,
		Metrics:          metrics,
	}
}

// AccessorConfig returns the value exchange settings for the given exchanger.
func (c *Config) AccessorConfig(x ValueExchanger, metrics *Metrics) AccessorConfig {
	return AccessorConfig{
		Exchanger:   x,
		Timeout:     time.Duration(c.Bus.ValueTimeout.Timeout) * time.Millisecond,
		TimeoutIncr: time.Duration(c.Bus.ValueTimeout.TimeoutIncr) * time.Millisecond,
		Tries:       c.Bus.ValueTimeout.Tries,
		Metrics:     metrics,
	}
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetHeadersInterval returns the consolidation tick as a Duration.
func (c *Config) GetHeadersInterval() time.Duration {
	return time.Duration(c.Headers.Interval) * time.Second
}

// GetHeadersTTL returns the header time-to-live as a Duration.
func (c *Config) GetHeadersTTL() time.Duration {
	return time.Duration(c.Headers.TTL) * time.Second
}

// GetPublishInterval returns the publish period; zero means disabled.
func (c *Config) GetPublishInterval() time.Duration {
	return time.Duration(c.Publish.Interval) * time.Second
}

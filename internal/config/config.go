// Package config loads ledgerops configuration: network limits, polling,
// rate limiting, the atomic-channel breaker and the retry policy table.
//
// A file is first checked against an embedded CUE schema, then decoded
// strictly over Default, then converted into the immutable values the
// components take.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerops/internal/builder"
	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/gateway"
	"github.com/roach88/ledgerops/internal/retry"
	"github.com/roach88/ledgerops/internal/validate"
)

//go:embed schema.cue
var schemaSource string

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full configuration document.
type Config struct {
	Network       string    `yaml:"network"`
	AtomicChannel bool      `yaml:"atomic_channel"`
	Limits        Limits    `yaml:"limits"`
	Polling       Polling   `yaml:"polling"`
	RateLimit     RateLimit `yaml:"rate_limit"`
	Breaker       Breaker   `yaml:"breaker"`
	Retry         Retry     `yaml:"retry"`
}

type Limits struct {
	MaxTransactionSize int    `yaml:"max_transaction_size"`
	TransfersPerGroup  int    `yaml:"transfers_per_group"`
	MaxRecipients      int    `yaml:"max_recipients"`
	RentFloor          uint64 `yaml:"rent_floor"`
	AccountRent        uint64 `yaml:"account_rent"`
}

type Polling struct {
	MaxPolls int      `yaml:"max_polls"`
	Interval Duration `yaml:"interval"`
}

// RateLimit bounds standard-channel submissions. RPS 0 disables it.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Breaker struct {
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	OpenTimeout         Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32   `yaml:"half_open_requests"`
}

type Retry struct {
	MaxGlobalRetries int               `yaml:"max_global_retries"`
	BaseFee          uint64            `yaml:"base_fee"`
	MaxFee           uint64            `yaml:"max_fee"`
	MaxDelay         Duration          `yaml:"max_delay"`
	Policies         map[string]Policy `yaml:"policies"`
}

// Policy is the file form of retry.Policy. A policy entry in a file
// replaces the built-in entry for that kind as a whole.
type Policy struct {
	MaxRetries        int      `yaml:"max_retries"`
	BaseDelay         Duration `yaml:"base_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	Jitter            bool     `yaml:"jitter,omitempty"`
	EscalateFee       bool     `yaml:"escalate_fee,omitempty"`
	FeeMultiplier     float64  `yaml:"fee_multiplier,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := validate.DefaultLimits()
	breaker := gateway.DefaultBreakerSettings()
	policies := retry.DefaultPolicies()

	cfg := &Config{
		Network:       "simnet",
		AtomicChannel: true,
		Limits: Limits{
			MaxTransactionSize: builder.DefaultMaxTransactionSize,
			TransfersPerGroup:  builder.DefaultTransfersPerGroup,
			MaxRecipients:      limits.MaxRecipients,
			RentFloor:          limits.RentFloor,
			AccountRent:        limits.AccountRent,
		},
		Polling: Polling{MaxPolls: 30, Interval: Duration(500 * time.Millisecond)},
		Breaker: Breaker{
			ConsecutiveFailures: breaker.ConsecutiveFailures,
			OpenTimeout:         Duration(breaker.OpenTimeout),
			HalfOpenRequests:    breaker.HalfOpenRequests,
		},
		Retry: Retry{
			MaxGlobalRetries: retry.DefaultMaxGlobalRetries,
			BaseFee:          retry.DefaultBaseFee,
			MaxFee:           retry.DefaultMaxFee,
			MaxDelay:         Duration(retry.DefaultMaxDelay),
			Policies:         map[string]Policy{},
		},
	}
	for _, kind := range policies.Kinds() {
		p, _ := policies.Lookup(kind)
		cfg.Retry.Policies[string(kind)] = Policy{
			MaxRetries:        p.MaxRetries,
			BaseDelay:         Duration(p.BaseDelay),
			BackoffMultiplier: p.BackoffMultiplier,
			Jitter:            p.Jitter,
			EscalateFee:       p.EscalateFee,
			FeeMultiplier:     p.FeeMultiplier,
		}
	}
	return cfg
}

// SchemaError reports a document rejected by the CUE schema.
type SchemaError struct {
	Source string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: schema: %v", e.Source, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Load reads the file at path. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates and decodes data. source names the document in errors.
func Parse(source string, data []byte) (*Config, error) {
	if err := checkSchema(source, data); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: decode: %w", source, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, nil
}

// checkSchema unifies the document with #Config. YAML is converted to
// JSON first since CUE reads JSON natively.
func checkSchema(source string, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%s: parse: %w", source, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s: convert: %w", source, err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(raw, cue.Filename(source))
	if err := value.Err(); err != nil {
		return &SchemaError{Source: source, Err: err}
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Source: source, Err: err}
	}
	return nil
}

// Validate checks the constraints the schema cannot express.
func (c *Config) Validate() error {
	if _, err := c.RetryPolicies(); err != nil {
		return err
	}
	if c.Retry.MaxFee < c.Retry.BaseFee {
		return fmt.Errorf("retry.max_fee %d is below retry.base_fee %d", c.Retry.MaxFee, c.Retry.BaseFee)
	}
	if c.Limits.AccountRent < c.Limits.RentFloor {
		return fmt.Errorf("limits.account_rent %d is below limits.rent_floor %d", c.Limits.AccountRent, c.Limits.RentFloor)
	}
	return nil
}

// RetryPolicies converts the policy table.
func (c *Config) RetryPolicies() (retry.Policies, error) {
	m := make(map[chain.Kind]retry.Policy, len(c.Retry.Policies))
	for name, p := range c.Retry.Policies {
		kind, err := chain.ParseKind(name)
		if err != nil {
			return retry.Policies{}, fmt.Errorf("retry.policies: %w", err)
		}
		m[kind] = retry.Policy{
			MaxRetries:        p.MaxRetries,
			BaseDelay:         p.BaseDelay.D(),
			BackoffMultiplier: p.BackoffMultiplier,
			Jitter:            p.Jitter,
			EscalateFee:       p.EscalateFee,
			FeeMultiplier:     p.FeeMultiplier,
		}
	}
	policies, err := retry.NewPolicies(m)
	if err != nil {
		return retry.Policies{}, fmt.Errorf("retry.policies: %w", err)
	}
	return policies, nil
}

// ValidatorLimits returns the validator limits with configured overrides.
func (c *Config) ValidatorLimits() validate.Limits {
	l := validate.DefaultLimits()
	l.MaxRecipients = c.Limits.MaxRecipients
	l.RentFloor = c.Limits.RentFloor
	l.AccountRent = c.Limits.AccountRent
	return l
}

// BreakerSettings returns the atomic-channel breaker settings.
func (c *Config) BreakerSettings() gateway.BreakerSettings {
	return gateway.BreakerSettings{
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		OpenTimeout:         c.Breaker.OpenTimeout.D(),
		HalfOpenRequests:    c.Breaker.HalfOpenRequests,
	}
}

// GatewayOptions returns the gateway options implied by the config.
func (c *Config) GatewayOptions() []gateway.Option {
	opts := []gateway.Option{
		gateway.WithPolling(c.Polling.MaxPolls, c.Polling.Interval.D()),
		gateway.WithBreaker(c.BreakerSettings()),
	}
	if c.RateLimit.RPS > 0 {
		opts = append(opts, gateway.WithRateLimit(c.RateLimit.RPS, c.RateLimit.Burst))
	}
	return opts
}

// RetryOptions returns the controller options implied by the config.
func (c *Config) RetryOptions() []retry.Option {
	return []retry.Option{
		retry.WithMaxGlobalRetries(c.Retry.MaxGlobalRetries),
		retry.WithFees(c.Retry.BaseFee, c.Retry.MaxFee),
		retry.WithMaxDelay(c.Retry.MaxDelay.D()),
	}
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

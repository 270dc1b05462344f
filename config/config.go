// Package config loads the aicihost configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	schemavalidator "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/aici-sdk/go/host"
)

var validate = validator.New()

// Config is the aicihost configuration file. Zero values mean "use the
// default", and CLI flags override whatever is set here.
type Config struct {
	// Guest is the path of the controller WASM module.
	Guest string `yaml:"guest" json:"guest,omitempty" jsonschema:"description=Path of the guest WASM module"`
	// Vocab is a tokenizer.json, a JSON vocabulary or an encoded trie (.trie).
	Vocab string `yaml:"vocab" json:"vocab,omitempty" jsonschema:"description=Vocabulary file: tokenizer.json or encoded .trie"`
	// ModuleName is the import module of the host calls.
	ModuleName string `yaml:"module_name" json:"module_name,omitempty" jsonschema:"default=env"`
	// FailurePolicy is "terminate" or "noop".
	FailurePolicy string `yaml:"failure_policy" json:"failure_policy,omitempty" validate:"omitempty,oneof=terminate noop" jsonschema:"enum=terminate,enum=noop"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	// LogFormat is text or json.
	LogFormat string `yaml:"log_format" json:"log_format,omitempty" validate:"omitempty,oneof=text json" jsonschema:"enum=text,enum=json"`
	// MetricsFile receives the Prometheus metrics in text format after a run.
	MetricsFile string `yaml:"metrics_file" json:"metrics_file,omitempty"`
	// Stop lists token ids that end generation.
	Stop []uint32 `yaml:"stop" json:"stop,omitempty"`
	// MaxNewTokens bounds the tokens appended after the prompt.
	MaxNewTokens uint32 `yaml:"max_new_tokens" json:"max_new_tokens,omitempty"`
	// MaxArgSize bounds the argument blob in bytes.
	MaxArgSize int `yaml:"max_arg_size" json:"max_arg_size,omitempty" validate:"gte=0"`
	// MaxInputSize bounds the bytes of one guest print or tokenize call.
	MaxInputSize int `yaml:"max_input_size" json:"max_input_size,omitempty" validate:"gte=0"`
	// MaxPrintSize bounds the captured guest output in bytes.
	MaxPrintSize int `yaml:"max_print_size" json:"max_print_size,omitempty" validate:"gte=0"`
	// MemoryLimitPages caps guest memory in 64 KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" json:"memory_limit_pages,omitempty" validate:"lte=65536" jsonschema:"maximum=65536"`
}

// Load reads and validates the file at path. A missing file yields an empty
// Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is operator supplied
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r and validates it against the schema and the
// field constraints. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var compiled = sync.OnceValues(func() (*schemavalidator.Schema, error) {
	data, err := Schema()
	if err != nil {
		return nil, err
	}
	const url = "aicihost.schema.json"
	compiler := schemavalidator.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to add config schema: %w", err)
	}
	return compiler.Compile(url)
})

// ValidateDocument checks a YAML document against the config schema. An
// empty document is valid.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	// normalize YAML scalars to JSON types
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var obj any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}

	sch, err := compiled()
	if err != nil {
		return err
	}
	if err := sch.Validate(obj); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Policy returns the configured failure policy.
func (c *Config) Policy() host.FailurePolicy {
	p, _ := host.ParseFailurePolicy(c.FailurePolicy)
	return p
}

// RuntimeOptions maps the set limits to runtime options.
func (c *Config) RuntimeOptions() []host.Option {
	opts := []host.Option{host.WithFailurePolicy(c.Policy())}
	if c.ModuleName != "" {
		opts = append(opts, host.WithModuleName(c.ModuleName))
	}
	if c.MaxNewTokens > 0 {
		opts = append(opts, host.WithMaxNewTokens(c.MaxNewTokens))
	}
	if c.MaxArgSize > 0 {
		opts = append(opts, host.WithMaxArgSize(c.MaxArgSize))
	}
	if c.MaxInputSize > 0 {
		opts = append(opts, host.WithMaxInputSize(c.MaxInputSize))
	}
	if c.MaxPrintSize > 0 {
		opts = append(opts, host.WithMaxPrintSize(c.MaxPrintSize))
	}
	if c.MemoryLimitPages > 0 {
		opts = append(opts, host.WithMemoryLimitPages(c.MemoryLimitPages))
	}
	return opts
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{DoNotReference: true}
	data, err := json.MarshalIndent(r.Reflect(&Config{}), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config schema: %w", err)
	}
	return data, nil
}

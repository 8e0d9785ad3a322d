package engine

import (
	"bytes"
	"io"
	"os"

	"github.com/mstoykov/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/target"
)

// Config is the file and environment form of Options. Empty fields mean
// "use the default".
type Config struct {
	Compiler string   `yaml:"compiler" envconfig:"WASMENGINE_COMPILER"`
	Engine   string   `yaml:"engine" envconfig:"WASMENGINE_ENGINE"`
	Features []string `yaml:"features" envconfig:"WASMENGINE_FEATURES"`
	Target   string   `yaml:"target" envconfig:"WASMENGINE_TARGET"`
}

// NewConfig returns a config that selects every default.
func NewConfig() Config {
	return Config{}
}

// Apply returns c with every field set in cfg overriding it.
func (c Config) Apply(cfg Config) Config {
	if cfg.Compiler != "" {
		c.Compiler = cfg.Compiler
	}
	if cfg.Engine != "" {
		c.Engine = cfg.Engine
	}
	if len(cfg.Features) > 0 {
		c.Features = cfg.Features
	}
	if cfg.Target != "" {
		c.Target = cfg.Target
	}
	return c
}

// ParseConfig decodes a YAML document. Unknown keys are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, errors.Load("decode engine config", err)
	}
	return c, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Load("read "+path, err)
	}
	return ParseConfig(bytes.NewReader(data))
}

// ConfigFromEnv reads the WASMENGINE_* variables from env.
func ConfigFromEnv(env map[string]string) (Config, error) {
	var c Config
	if err := envconfig.Process("", &c, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return Config{}, errors.Load("read engine environment", err)
	}
	return c, nil
}

// ConsolidateConfig layers defaults, the optional file at path and then
// the environment, later sources winning.
func ConsolidateConfig(path string, env map[string]string) (Config, error) {
	result := NewConfig()
	if path != "" {
		fileConf, err := LoadConfig(path)
		if err != nil {
			return Config{}, err
		}
		result = result.Apply(fileConf)
	}
	envConf, err := ConfigFromEnv(env)
	if err != nil {
		return Config{}, err
	}
	return result.Apply(envConf), nil
}

// Options converts the config into engine options.
func (c Config) Options() (Options, error) {
	var opts Options
	if c.Compiler != "" {
		k, err := compiler.ParseKind(c.Compiler)
		if err != nil {
			return Options{}, invalidConfig("compiler", err)
		}
		opts.Compiler = &k
	}
	if c.Engine != "" {
		k, err := ParseKind(c.Engine)
		if err != nil {
			return Options{}, invalidConfig("engine", err)
		}
		opts.Kind = &k
	}
	if len(c.Features) > 0 {
		f, err := target.ParseFeatures(c.Features)
		if err != nil {
			return Options{}, invalidConfig("features", err)
		}
		opts.Features = &f
	}
	if c.Target != "" {
		var t target.Target
		if err := t.UnmarshalText([]byte(c.Target)); err != nil {
			return Options{}, invalidConfig("target", err)
		}
		opts.Target = &t
	}
	return opts, nil
}

// FromConfig builds an engine from a config.
func FromConfig(c Config) (*Engine, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	return New(opts)
}

func invalidConfig(field string, err error) error {
	return errors.New(errors.PhaseConfigure, errors.KindInvalidInput).
		Path(field).
		Cause(err).
		Detail("invalid %s", field).
		Build()
}

package browseruse

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/guseggert/workerrpc/internal/files"
	"github.com/guseggert/workerrpc/process"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

const (
	defaultPython    = "python3"
	defaultScript    = "agent.py"
	defaultMaxSteps  = 20
	defaultTimeoutMS = 120000
)

// Environment variables read by ConfigFromEnv.
const (
	EnvPython = "BROWSERUSE_PYTHON"
	EnvModel  = "BROWSERUSE_MODEL"
	EnvProxy  = "BROWSERUSE_PROXY"
)

// Config describes the worker process and the options passed to it through its environment.
type Config struct {
	// Python is the interpreter used to run Script.
	Python string `toml:"python"`
	// Script is the worker script. If empty, agent.py is searched for in the working directory and its parents.
	Script string `toml:"script"`

	Headless  bool   `toml:"headless"`
	MaxSteps  int    `toml:"max_steps"`
	Model     string `toml:"model"`
	Proxy     string `toml:"proxy"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		Python:    defaultPython,
		Headless:  true,
		MaxSteps:  defaultMaxSteps,
		TimeoutMS: defaultTimeoutMS,
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv overrides the interpreter, model and proxy of cfg with any that are set in the environment.
func ConfigFromEnv(cfg Config) Config {
	if v := os.Getenv(EnvPython); v != "" {
		cfg.Python = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvProxy); v != "" {
		cfg.Proxy = v
	}
	return cfg
}

func (c Config) Validate() error {
	if c.Python == "" {
		return errors.New("python interpreter required")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMS)
	}
	return nil
}

// Timeout is the per-request timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Env returns the worker's environment variables.
func (c Config) Env() []string {
	return []string{
		"BROWSERUSE_HEADLESS=" + strconv.FormatBool(c.Headless),
		"BROWSERUSE_MAX_STEPS=" + strconv.Itoa(c.MaxSteps),
		"BROWSERUSE_MODEL=" + c.Model,
		"BROWSERUSE_PROXY=" + c.Proxy,
		"BROWSERUSE_TIMEOUT_MS=" + strconv.Itoa(c.TimeoutMS),
	}
}

// Command returns the command that runs the worker.
func (c Config) Command(log *zap.SugaredLogger) (*process.Command, error) {
	script := c.Script
	if script == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting wd: %w", err)
		}
		script, err = files.FindUp(defaultScript, wd)
		if err != nil {
			return nil, fmt.Errorf("finding %s: %w", defaultScript, err)
		}
		if script == "" {
			return nil, fmt.Errorf("unable to find %s in %s or its parents", defaultScript, wd)
		}
	}
	return &process.Command{
		Path: c.Python,
		// unbuffered, so responses aren't held back in the worker's stdout buffer
		Args: []string{"-u", script},
		Env:  c.Env(),
		Log:  log,
	}, nil
}

package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/joho/godotenv"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int       `json:"version" yaml:"version"` // fixed 0 for now
	Verbose  bool      `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Parallel int       `json:"parallel,omitempty" yaml:"parallel,omitempty"` // 0 => unlimited
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Report   *Report   `json:"report,omitempty" yaml:"report,omitempty"`
	Tasks    []Task    `json:"tasks" yaml:"tasks"`
}

// Schedule of repeated runs, exactly one field must be set.
type Schedule struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"` // time.ParseDuration format
}

// Report destinations of run reports.
type Report struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

type Task struct {
	Name    string            `json:"name" yaml:"name"`
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvFile string            `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Stdout  Stream            `json:"stdout" yaml:"stdout,omitempty"`
	Stderr  Stream            `json:"stderr" yaml:"stderr,omitempty"`
}

// Stream controls console echo of one output stream.
type Stream struct {
	Print  *bool   `json:"print,omitempty" yaml:"print,omitempty"`   // nil => true
	Prefix *string `json:"prefix,omitempty" yaml:"prefix,omitempty"` // nil => task name, "" => no prefix
}

func (s Stream) PrintEnabled() bool {
	return s.Print == nil || *s.Print
}

func (s Stream) PrefixOr(def string) string {
	if s.Prefix == nil {
		return def
	}
	return *s.Prefix
}

// Environ returns the environment of the task: env_file entries overridden by
// env. Values starting with $ are expanded from the current environment. It
// returns nil when neither is configured, so the child inherits the caller's
// environment.
func (t Task) Environ() (map[string]string, error) {
	if t.Env == nil && t.EnvFile == "" {
		return nil, nil
	}
	env := make(map[string]string, len(t.Env))
	if t.EnvFile != "" {
		fromFile, err := godotenv.Read(t.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading env_file %s: %w", t.EnvFile, err)
		}
		maps.Copy(env, fromFile)
	}
	for k, v := range t.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env[k] = v
	}
	return env, nil
}

// LoadConfig validates YAML from r against the CUE schema and decodes it to
// Config. Schema violations are reported as *ConfigError.
func LoadConfig(r io.Reader) (*Config, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, ErrEmptyConfig
	}
	yamlFile, err := yaml.Extract("config.yaml", src)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	unified, err := unify(cueCtx.BuildFile(yamlFile))
	if err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := out.check(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks a Config built in code against the same schema LoadConfig
// uses.
func (c Config) Validate() error {
	if _, err := unify(cueCtx.Encode(c)); err != nil {
		return err
	}
	return c.check()
}

func unify(v cue.Value) (cue.Value, error) {
	if v.Err() != nil {
		return cue.Value{}, newConfigError(v.Err())
	}
	unified := schema.Unify(v)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return cue.Value{}, newConfigError(err)
	}
	return unified, nil
}

// check covers what the schema can't express.
func (c Config) check() error {
	if c.Schedule == nil {
		return nil
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	return nil
}

func (s Schedule) Validate() error {
	switch {
	case s.Cron != "" && s.Every != "":
		return errors.New("cron and every are mutually exclusive")
	case s.Cron != "":
		_, err := ParseCron(s.Cron)
		return err
	case s.Every != "":
		_, err := s.Interval()
		return err
	default:
		return errors.New("both cron and every are empty")
	}
}

// Interval parses Every.
func (s Schedule) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(s.Every)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("every: must be positive, got %s", d)
	}
	return d, nil
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Tasks: []Task{
			{
				Name: "hello",
				Path: "/bin/sh",
				Args: []string{"-c", "echo hello from shelltask"},
			},
		},
	}
}

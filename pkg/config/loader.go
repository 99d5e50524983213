package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed schema/config.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLSYNC_"

// Loader reads configuration files, applies environment overrides, and
// validates the result.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader with the embedded schema compiled.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema/config.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Config")),
		validator: v,
		lookupEnv: os.LookupEnv,
	}, nil
}

// Load reads the file at path, or starts from defaults when path is empty,
// then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Load reads the file at path, or starts from defaults when path is empty,
// then applies environment overrides and validates.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = l.decodeYAML(data, path, cfg)
		case ".cue":
			err = l.decodeCUE(data, path, cfg)
		default:
			return nil, fmt.Errorf("unsupported config format %q: use .yaml, .yml, or .cue", filepath.Ext(path))
		}
		if err != nil {
			return nil, err
		}
	}

	if err := l.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes YAML content over the defaults without env overrides or validation.
func (l *Loader) ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := l.decodeYAML(data, "inline", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseCUE decodes CUE content over the defaults without env overrides or validation.
func (l *Loader) ParseCUE(data []byte) (*Config, error) {
	cfg := Default()
	if err := l.decodeCUE(data, "inline", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) decodeYAML(data []byte, filename string, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document leaves the defaults in place
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

// decodeCUE unifies the document with the closed schema, requires every
// field to be concrete, and decodes the exported JSON over cfg.
func (l *Loader) decodeCUE(data []byte, filename string, cfg *Config) error {
	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

// convertCUEErrors flattens a CUE error list into ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// envOverride maps one environment variable onto a field.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envOverrides = []envOverride{
	{"DEVICE_ID", func(c *Config, v string) error { c.Device.ID = v; return nil }},
	{"REMOTE_BASE_URL", func(c *Config, v string) error { c.Remote.BaseURL = v; return nil }},
	{"REMOTE_TOKEN", func(c *Config, v string) error { c.Remote.Token = v; return nil }},
	{"STORE_DSN", func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	{"EVIDENCE_KIND", func(c *Config, v string) error { c.Evidence.Kind = v; return nil }},
	{"EVIDENCE_PATH", func(c *Config, v string) error { c.Evidence.Path = v; return nil }},
	{"OUTCOME_SCRIPT", func(c *Config, v string) error { c.Outcome.Script = v; return nil }},
	{"WAKE_SPOOL_DIR", func(c *Config, v string) error { c.Wake.SpoolDir = v; return nil }},
	{"LISTEN_ADDR", func(c *Config, v string) error { c.Listen.Addr = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = strings.ToLower(v); return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
	{"POLL_BASE_INTERVAL", func(c *Config, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		c.Scheduler.BaseInterval = d
		return nil
	}},
}

// ApplyEnv applies CALLSYNC_* environment overrides to cfg.
func (l *Loader) ApplyEnv(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := l.lookupEnv(EnvPrefix + o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

// Validate checks struct constraints and cross-field rules.
func (l *Loader) Validate(cfg *Config) error {
	var out ValidationErrors

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			out = append(out, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: describeFieldError(fe),
			})
		}
	}

	inWindow := false
	for _, o := range cfg.Resolver.Offsets {
		if o <= cfg.Resolver.Window {
			inWindow = true
			break
		}
	}
	if len(cfg.Resolver.Offsets) > 0 && !inWindow {
		out = append(out, ValidationError{
			Path:    "resolver.offsets",
			Message: fmt.Sprintf("no check offset falls inside the %s window", cfg.Resolver.Window),
		})
	}

	if err := cfg.TelemetryConfig("validate").Validate(); err != nil {
		out = append(out, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be an absolute URL"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt", "gte", "lt", "lte", "min", "max":
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	case "gtefield":
		return fmt.Sprintf("must not be less than %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

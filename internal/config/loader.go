package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MalformedConfigError reports configuration values that could not be parsed
// to their expected type or failed validation. It is fatal at startup.
type MalformedConfigError struct {
	Problems []string
	Err      error // first underlying parse error, if any
}

func (e *MalformedConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "malformed configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("malformed configuration:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

func (e *MalformedConfigError) Unwrap() error { return e.Err }

// Load resolves configuration from the process environment merged with the
// KEY=VALUE file at envFile. An empty envFile falls back to LOADER_ENV_FILE
// and then to the default ".env". A missing file is not an error.
// The process environment is never modified.
func Load(envFile string) (*Config, error) {
	environ := Environ()

	if envFile == "" {
		envFile = environ["LOADER_ENV_FILE"]
	}
	if envFile == "" {
		envFile = ".env"
	}

	fileVars, err := ReadEnvFile(envFile)
	if err != nil {
		return nil, err
	}

	cfg, err := Resolve(Merge(environ, fileVars))
	if err != nil {
		return nil, err
	}
	cfg.Loader.EnvFile = envFile
	return cfg, nil
}

// Environ returns a snapshot of the process environment as a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}

// ReadEnvFile reads KEY=VALUE pairs from path.
//
// Blank lines, lines starting with '#', and lines without '=' are skipped.
// The first '=' separates key from value and both are trimmed; an "export "
// prefix on the key is dropped. The value is otherwise taken literally: '$'
// and '#' are ordinary characters. A value wrapped in matching single or
// double quotes loses the quotes. A missing file yields an empty map.
func ReadEnvFile(path string) (map[string]string, error) {
	vars := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return vars, nil
		}
		return nil, fmt.Errorf("open env file %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if key == "" {
			continue
		}
		vars[key] = unquote(key, strings.TrimSpace(value))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}

	return vars, nil
}

// unquote strips one pair of matching surrounding quotes. Single-quoted values
// go through godotenv, which keeps their content literal.
func unquote(key, value string) string {
	if len(value) < 2 {
		return value
	}
	first, last := value[0], value[len(value)-1]
	if first != last || (first != '\'' && first != '"') {
		return value
	}

	inner := value[1 : len(value)-1]
	if first == '\'' && !strings.ContainsRune(inner, '\'') {
		if parsed, err := godotenv.Unmarshal(key + "=" + value); err == nil {
			if v, ok := parsed[key]; ok {
				return v
			}
		}
	}
	return inner
}

// Merge returns a new map holding environ plus every pair from file whose key
// is unset or empty in environ. Non-empty environment values always win; an
// empty one counts as unset, matching how Resolve treats it.
func Merge(environ, file map[string]string) map[string]string {
	merged := make(map[string]string, len(environ)+len(file))
	for k, v := range environ {
		merged[k] = v
	}
	for k, v := range file {
		if cur := merged[k]; cur == "" {
			merged[k] = v
		}
	}
	return merged
}

// Resolve builds a Config from env, applying defaults for unset values and
// validating the result. Parse and validation failures are reported together
// as a *MalformedConfigError.
func Resolve(env map[string]string) (*Config, error) {
	cfg := &Config{}
	lookup := func(key string) string { return env[key] }

	merr := &MalformedConfigError{}
	loadStruct(reflect.ValueOf(cfg).Elem(), lookup, merr)

	if len(merr.Problems) == 0 {
		merr.Problems = cfg.validate()
	}
	if len(merr.Problems) > 0 {
		return nil, merr
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from lookup, recording every
// unparseable value in merr.
func loadStruct(v reflect.Value, lookup func(string) string, merr *MalformedConfigError) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			loadStruct(fieldVal, lookup, merr)
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := lookup(envName)
		if value == "" {
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			merr.Problems = append(merr.Problems, fmt.Sprintf("invalid value for %s=%q: %v", envName, value, err))
			if merr.Err == nil {
				merr.Err = err
			}
		}
	}
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns a *MalformedConfigError describing all validation failures.
func (c *Config) Validate() error {
	if problems := c.validate(); len(problems) > 0 {
		return &MalformedConfigError{Problems: problems}
	}
	return nil
}

func (c *Config) validate() []string {
	var errs []string

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT (%d) must be 1-65535", c.Database.Port))
	}
	if c.Database.Host == "" {
		errs = append(errs, "DB_HOST must not be empty")
	}
	if c.Database.ConnectTimeout < 0 {
		errs = append(errs, "LOADER_CONNECT_TIMEOUT must be non-negative")
	}
	validSSL := map[string]bool{"disable": true, "allow": true, "prefer": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[c.Database.SSLMode] {
		errs = append(errs, fmt.Sprintf("DB_SSLMODE (%q) must be one of: disable, allow, prefer, require, verify-ca, verify-full", c.Database.SSLMode))
	}

	if c.Loader.BatchSize <= 0 {
		errs = append(errs, "LOADER_BATCH_SIZE must be positive")
	}
	validModes := map[string]bool{"cascade": true, "sequential": true}
	if !validModes[strings.ToLower(c.Loader.ResetMode)] {
		errs = append(errs, fmt.Sprintf("LOADER_RESET_MODE (%q) must be one of: cascade, sequential", c.Loader.ResetMode))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	return errs
}

package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
}

// WithEnvFile reads local overrides from path instead of .env. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the process environment and the env file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment. Tests use it with WithEnvMap.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret-bearing fields that must end up non-empty, such as
// "Mail.ResendAPIKey" or "Security.HMAC.Secrets[orders]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning MissingSecretsError.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// layers returns the configured sources, lowest precedence first: env file, process
// environment, explicit map.
func (o loaderOptions) layers() ([]map[string]string, error) {
	file, err := readEnvFile(o.envFile)
	if err != nil {
		return nil, err
	}
	out := []map[string]string{file}
	if o.useSystemEnv {
		out = append(out, processEnv())
	}
	return append(out, o.envMap), nil
}

// EnvironmentValues flattens the same sources Load reads. The secret fetcher is configured
// from it before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	layers, err := options.layers()
	if err != nil {
		return nil, err
	}
	merged := make(map[string]string)
	for _, layer := range layers {
		for key, value := range layer {
			merged[key] = value
		}
	}
	return merged, nil
}

func (o loaderOptions) lookup() (func(string) (string, bool), error) {
	layers, err := o.layers()
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		for i := len(layers) - 1; i >= 0; i-- {
			if value, ok := layers[i][key]; ok {
				return value, true
			}
		}
		return "", false
	}, nil
}

func processEnv() map[string]string {
	env := os.Environ()
	out := make(map[string]string, len(env))
	for _, entry := range env {
		if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
			out[strings.TrimSpace(key)] = value
		}
	}
	return out
}

// readEnvFile parses KEY=value lines. Blank lines, comments and a leading "export" are
// accepted; surrounding quotes are dropped. A missing file is not an error.
func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config: open env file %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	lines := bufio.NewScanner(f)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("config: read env file %s: %w", path, err)
	}
	return values, nil
}

// envReader reads typed settings. Missing, blank or unparsable values yield the fallback.
type envReader struct {
	lookup func(string) (string, bool)
}

func (r envReader) value(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func parsed[T any](r envReader, key string, fallback T, parse func(string) (T, error)) T {
	v, ok := r.value(key)
	if !ok {
		return fallback
	}
	out, err := parse(v)
	if err != nil {
		return fallback
	}
	return out
}

func (r envReader) str(key, fallback string) string {
	return parsed(r, key, fallback, func(v string) (string, error) { return v, nil })
}

func (r envReader) duration(key string, fallback time.Duration) time.Duration {
	return parsed(r, key, fallback, time.ParseDuration)
}

func (r envReader) integer(key string, fallback int) int {
	return parsed(r, key, fallback, strconv.Atoi)
}

func (r envReader) float(key string, fallback float64) float64 {
	return parsed(r, key, fallback, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

func (r envReader) boolean(key string, fallback bool) bool {
	return parsed(r, key, fallback, func(v string) (bool, error) {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", v)
	})
}

func (r envReader) csv(key string) []string {
	items := []string{}
	v, _ := r.value(key)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// keyValues parses "name=value,other=value". Names are lower-cased; incomplete pairs are
// skipped.
func (r envReader) keyValues(key string) map[string]string {
	pairs := make(map[string]string)
	for _, item := range r.csv(key) {
		name, value, _ := strings.Cut(item, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if name != "" && value != "" {
			pairs[name] = value
		}
	}
	return pairs
}

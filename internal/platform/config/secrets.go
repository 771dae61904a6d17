package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// SecretResolver turns a secret:// reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError wraps a failed lookup of Ref.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("resolve secret %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved empty. Its message only
// carries hashed field names.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return "missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// Names returns the field names, sorted.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Sorted(slices.Values(e.names))
}

// RedactedNames returns a short hash per field name, sorted, for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	hashed := make([]string, len(e.names))
	for i, name := range e.names {
		hashed[i] = redactSecretName(name)
	}
	slices.Sort(hashed)
	return hashed
}

var errSecretResolverNotConfigured = errors.New("no secret resolver configured")

const (
	secretScheme      = "secret://"
	shortSecretScheme = "sm://"
)

// secretRef returns the canonical secret:// form of value, or false when value is a literal.
func secretRef(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, secretScheme) {
		return value, true
	}
	if rest, ok := strings.CutPrefix(value, shortSecretScheme); ok {
		return secretScheme + rest, true
	}
	return "", false
}

// secretFields lists every config field that may hold a reference, keyed by the name callers
// pass to WithRequiredSecrets.
func secretFields(cfg *Config) map[string]*string {
	fields := map[string]*string{
		"Mail.ResendAPIKey":   &cfg.Mail.ResendAPIKey,
		"Bot.RecaptchaSecret": &cfg.Bot.RecaptchaSecret,
	}
	for key := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[key]
		fields["Security.HMAC.Secrets["+key+"]"] = &value
	}
	return fields
}

// resolveSecrets swaps references for their values in place and reports the final value of
// every secret field.
func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	fields := secretFields(cfg)
	names := slices.Sorted(maps.Keys(fields))

	values := make(map[string]string, len(fields))
	for _, name := range names {
		field := fields[name]
		if ref, ok := secretRef(*field); ok {
			if resolver == nil {
				return nil, &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
			}
			secret, err := resolver.ResolveSecret(ctx, ref)
			if err != nil {
				return nil, &SecretError{Ref: ref, Err: err}
			}
			*field = secret
		}
		values[name] = strings.TrimSpace(*field)
	}

	for key := range cfg.Security.HMAC.Secrets {
		cfg.Security.HMAC.Secrets[key] = *fields["Security.HMAC.Secrets["+key+"]"]
	}
	return values, nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(missing, name) {
			continue
		}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

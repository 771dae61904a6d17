package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/healinparadise/preorders/internal/platform/config"
	"github.com/healinparadise/preorders/internal/platform/secrets"
	"github.com/healinparadise/preorders/internal/services"
)

const defaultSecretFallbackFile = ".secrets.local"

type envLookup map[string]string

func (e envLookup) get(key string) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e[key])
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	lookup := envLookup(env)
	info := services.BuildInfo{
		Version:     lookup.get("API_BUILD_VERSION"),
		CommitSHA:   lookup.get("API_BUILD_COMMIT_SHA"),
		Environment: strings.TrimSpace(cfg.Security.Environment),
		StartedAt:   started,
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.CommitSHA == "" {
		info.CommitSHA = "unknown"
	}
	if info.Environment == "" {
		info.Environment = "local"
	}
	return info
}

// newSecretFetcher is built from raw environment values because it must exist before
// config.Load can resolve secret references.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string, meter metric.Meter) (*secrets.Fetcher, error) {
	lookup := envLookup(env)

	envLabel := strings.ToLower(lookup.get("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	fallback := lookup.get("API_SECRET_FALLBACK_FILE")
	if fallback == "" {
		fallback = defaultSecretFallbackFile
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallback),
		secrets.WithMeter(meter),
	}
	if projects := secretProjectMapFromEnv(env); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	defaultProject := lookup.get("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup.get("API_FIREBASE_PROJECT_ID")
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentials := lookup.get("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secret-backed fields the selected providers cannot run without.
func requiredSecretNames(env map[string]string) []string {
	lookup := envLookup(env)
	var required []string
	if strings.EqualFold(lookup.get("API_MAIL_PROVIDER"), config.MailResend) {
		required = append(required, "Mail.ResendAPIKey")
	}
	if strings.EqualFold(lookup.get("API_BOT_PROVIDER"), config.BotRecaptcha) {
		required = append(required, "Bot.RecaptchaSecret")
	}
	for _, key := range parseHMACSecretKeys(lookup.get("API_SECURITY_HMAC_SECRETS")) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

// secretProjectMapFromEnv parses API_SECRET_PROJECT_IDS ("prod=proj-a,stg=proj-b") with
// lower-cased environment labels.
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for label, project := range parseKeyValueList(envLookup(env).get("API_SECRET_PROJECT_IDS")) {
		projects[strings.ToLower(label)] = project
	}
	return projects
}

// secretVersionPinsFromEnv parses API_SECRET_VERSION_PINS. References may carry an environment
// prefix ("prod:mail/resend=3") and either the sm:// or secret:// scheme; a bare name is
// treated as secret://name.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(envLookup(env).get("API_SECRET_VERSION_PINS")) {
		pins[canonicalPinRef(ref)] = version
	}
	return pins
}

func canonicalPinRef(ref string) string {
	var prefix string
	if idx := strings.Index(ref, ":"); idx > 0 {
		scheme := strings.Index(ref, "://")
		if scheme == -1 || idx < scheme {
			prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
			ref = strings.TrimSpace(ref[idx+1:])
		}
	}
	switch {
	case strings.HasPrefix(ref, "sm://"):
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	case !strings.HasPrefix(ref, "secret://"):
		ref = "secret://" + ref
	}
	return prefix + ref
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

// parseKeyValueList reads "a=1,b=2", skipping malformed or empty entries.
func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

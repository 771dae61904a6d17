package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func minimalEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID":     "hip-dev",
		"API_STORAGE_RECEIPTS_BUCKET": "hip-receipts-dev",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(minimalEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "hip-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "hip-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Store.Backend != StoreFirestore || cfg.Storage.Backend != StorageGCS {
		t.Errorf("unexpected backends store=%s storage=%s", cfg.Store.Backend, cfg.Storage.Backend)
	}
	if cfg.Orders.TrackingPrefix != "HIP" || cfg.Orders.TrackingAttempts != 5 {
		t.Errorf("unexpected tracking defaults: %+v", cfg.Orders)
	}
	if cfg.Orders.MaxReceiptBytes != 5<<20 {
		t.Errorf("expected 5MiB receipt limit, got %d", cfg.Orders.MaxReceiptBytes)
	}
	if cfg.Orders.RequireReceiptInline {
		t.Error("expected inline receipts to be optional by default")
	}
	if cfg.Bot.Provider != BotNone || cfg.Bot.Required {
		t.Errorf("unexpected bot defaults: %+v", cfg.Bot)
	}
	if cfg.Mail.Provider != MailLog || cfg.Mail.From != defaultMailFrom {
		t.Errorf("unexpected mail defaults: %+v", cfg.Mail)
	}
	if cfg.Notifications.Mode != NotifyDirect {
		t.Errorf("expected direct notifications, got %s", cfg.Notifications.Mode)
	}
	if cfg.RateLimits.SubmissionsPerMinute != 10 {
		t.Errorf("unexpected submission rate limit: %d", cfg.RateLimits.SubmissionsPerMinute)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if !cfg.Orders.Payment.IsZero() {
		t.Errorf("expected no payment instructions, got %+v", cfg.Orders.Payment)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                   "9090",
		"API_SERVER_IDLE_TIMEOUT":           "2m",
		"API_STORE_BACKEND":                 "SQL",
		"API_STORE_SQL_DRIVER":              "mysql",
		"API_STORE_SQL_DSN":                 "orders:pw@tcp(db:3306)/orders?parseTime=true",
		"API_STORAGE_BACKEND":               "memory",
		"API_ORDERS_TRACKING_PREFIX":        "HEAL",
		"API_ORDERS_REQUIRE_RECEIPT_INLINE": "yes",
		"API_BOT_PROVIDER":                  "recaptcha",
		"API_BOT_REQUIRED":                  "true",
		"API_BOT_RECAPTCHA_SECRET":          "secret://recaptcha",
		"API_BOT_RECAPTCHA_MIN_SCORE":       "0.7",
		"API_MAIL_PROVIDER":                 "resend",
		"API_MAIL_RESEND_API_KEY":           "sm://resend",
		"API_MAIL_ADMIN_RECIPIENTS":         "admin@example.com, ops@example.com",
		"API_NOTIFICATIONS_MODE":            "kafka",
		"API_KAFKA_BROKERS":                 "k1:9092,k2:9092",
		"API_KAFKA_ORDER_EVENTS_TOPIC":      "order-events",
		"API_SECURITY_ENVIRONMENT":          "prod",
		"API_SECURITY_OIDC_AUDIENCES":       "prod=https://orders.example.com,dev=https://dev.example.com",
		"API_SECURITY_HMAC_SECRETS":         "orders=secret://hmac/orders,legacy=plain-secret",
		"API_SECURITY_HMAC_CLOCK_SKEW":      "3m",
		"API_IDEMPOTENCY_TTL":               "48h",
	}

	secrets := map[string]string{
		"secret://recaptcha":   "recaptcha-secret",
		"secret://resend":      "re_123",
		"secret://hmac/orders": "orders-hmac",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Store.Backend != StoreSQL || cfg.Store.SQLDriver != "mysql" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Orders.TrackingPrefix != "HEAL" || !cfg.Orders.RequireReceiptInline {
		t.Errorf("unexpected orders config %+v", cfg.Orders)
	}
	if cfg.Bot.RecaptchaSecret != "recaptcha-secret" || cfg.Bot.RecaptchaMinScore != 0.7 {
		t.Errorf("unexpected bot config %+v", cfg.Bot)
	}
	if cfg.Mail.ResendAPIKey != "re_123" {
		t.Errorf("expected legacy sm:// reference to resolve, got %q", cfg.Mail.ResendAPIKey)
	}
	if len(cfg.Mail.AdminRecipients) != 2 || cfg.Mail.AdminRecipients[1] != "ops@example.com" {
		t.Errorf("unexpected admin recipients %v", cfg.Mail.AdminRecipients)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.ClientID != defaultKafkaClientID {
		t.Errorf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.Security.OIDC.Audience != "https://orders.example.com" {
		t.Errorf("expected audience picked by environment, got %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.HMAC.Secrets["orders"] != "orders-hmac" || cfg.Security.HMAC.Secrets["legacy"] != "plain-secret" {
		t.Errorf("unexpected hmac secrets %v", cfg.Security.HMAC.Secrets)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadPaymentInstructionsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payment.yaml")
	content := "bank_name: Bank of Maldives\naccount_holder_name: Heal in Paradise\nusd_account_number: \"7730000000001\"\nmvr_account_number: \"7730000000002\"\nprice_details: USD 25 per copy\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write payment file: %v", err)
	}

	env := minimalEnv()
	env["API_PAYMENT_INSTRUCTIONS_FILE"] = path
	env["API_PAYMENT_PRICE_DETAILS"] = "USD 30 per copy"

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	payment := cfg.Orders.Payment
	if payment.BankName != "Bank of Maldives" || payment.USDAccountNumber != "7730000000001" {
		t.Fatalf("unexpected payment instructions %+v", payment)
	}
	if payment.PriceDetails != "USD 30 per copy" {
		t.Fatalf("expected env override of price details, got %q", payment.PriceDetails)
	}
}

func TestLoadRejectsMalformedPaymentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payment.yaml")
	if err := os.WriteFile(path, []byte("bank_name: [unterminated"), 0o600); err != nil {
		t.Fatalf("write payment file: %v", err)
	}
	env := minimalEnv()
	env["API_PAYMENT_INSTRUCTIONS_FILE"] = path

	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")); err == nil {
		t.Fatal("expected parse error for malformed yaml")
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"hip-dot\"\nAPI_STORAGE_RECEIPTS_BUCKET=receipts-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "hip-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadValidationListsEveryProblem(t *testing.T) {
	env := map[string]string{
		"API_STORE_BACKEND":      "postgres",
		"API_MAIL_PROVIDER":      "resend",
		"API_NOTIFICATIONS_MODE": "pubsub",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	want := map[string]bool{
		"Store.Backend":          false,
		"Storage.ReceiptsBucket": false,
		"Mail.ResendAPIKey":      false,
		"PubSub.Topic":           false,
	}
	for _, field := range validation.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in %v", field, validation.Fields())
		}
	}
}

func TestLoadMemoryBackendsNeedNoCloudProject(t *testing.T) {
	env := map[string]string{
		"API_STORE_BACKEND":   "memory",
		"API_STORAGE_BACKEND": "memory",
	}
	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")); err != nil {
		t.Fatalf("expected memory configuration to validate, got %v", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := minimalEnv()
	env["API_MAIL_RESEND_API_KEY"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(minimalEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Security.HMAC.Secrets[orders]"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("Security.HMAC.Secrets[orders]") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Mail.ResendAPIKey" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	_, _ = Load(context.Background(),
		WithEnvMap(minimalEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Mail.ResendAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

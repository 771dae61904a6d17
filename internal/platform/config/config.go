package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	domain "github.com/healinparadise/preorders/internal/domain"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultStoreBackend        = StoreFirestore
	defaultStorageBackend      = StorageGCS
	defaultSignedURLTTL        = 7 * 24 * time.Hour
	defaultTrackingPrefix      = "HIP"
	defaultTrackingAttempts    = 5
	defaultMaxReceiptBytes     = 5 << 20
	defaultBotProvider         = BotNone
	defaultRecaptchaVerifyURL  = "https://www.google.com/recaptcha/api/siteverify"
	defaultRecaptchaMinScore   = 0.5
	defaultMailProvider        = MailLog
	defaultMailFrom            = "Heal in Paradise <orders@healinparadise.com>"
	defaultMailAdminFrom       = "New Pre-Order <system@healinparadise.com>"
	defaultSiteURL             = "https://www.healinparadise.com"
	defaultNotificationMode    = NotifyDirect
	defaultKafkaClientID       = "preorders-api"
	defaultKafkaGroupID        = "preorders-notifications"
	defaultSubmitPerMinute     = 10
	defaultLookupPerMinute     = 60
	defaultWebhookBurst        = 60
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
)

// Store backends.
const (
	StoreFirestore = "firestore"
	StoreSQL       = "sql"
	StoreMemory    = "memory"
)

// Receipt storage backends.
const (
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Bot verification providers.
const (
	BotNone      = "none"
	BotRecaptcha = "recaptcha"
	BotAppCheck  = "appcheck"
)

// Mail providers.
const (
	MailResend = "resend"
	MailLog    = "log"
)

// Notification dispatch modes.
const (
	NotifyDirect  = "direct"
	NotifyPubSub  = "pubsub"
	NotifyKafka   = "kafka"
	NotifyWebhook = "webhook"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Store         StoreConfig
	Storage       StorageConfig
	Orders        OrdersConfig
	Bot           BotConfig
	Mail          MailConfig
	Notifications NotificationConfig
	PubSub        PubSubConfig
	Kafka         KafkaConfig
	RateLimits    RateLimitConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the order store backend.
type StoreConfig struct {
	Backend      string
	SQLDriver    string
	SQLDSN       string
	MaxOpenConns int
}

// StorageConfig configures where payment receipts are written.
type StorageConfig struct {
	Backend        string
	ReceiptsBucket string
	ReceiptsPrefix string
	SignerEmail    string
	SignedURLTTL   time.Duration
}

// OrdersConfig holds submission rules and payment instructions.
type OrdersConfig struct {
	TrackingPrefix       string
	TrackingAttempts     int
	RequireReceiptInline bool
	MaxReceiptBytes      int64
	PaymentFile          string
	Payment              domain.PaymentInstructions
}

// BotConfig selects how submissions are screened for automation.
type BotConfig struct {
	Provider          string
	Required          bool
	RecaptchaSecret   string
	RecaptchaVerify   string
	RecaptchaMinScore float64
	RecaptchaAction   string
}

// MailConfig configures transactional email.
type MailConfig struct {
	Provider        string
	ResendAPIKey    string
	From            string
	AdminFrom       string
	AdminRecipients []string
	// SiteURL is the public site; payment emails link to SiteURL/order/<tracking number>.
	SiteURL string
}

// NotificationConfig selects how lifecycle events reach the dispatcher.
type NotificationConfig struct {
	Mode string
}

// PubSubConfig names the topic order events are published to.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// KafkaConfig names the brokers and topic order events are produced to.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	GroupID  string
}

// RateLimitConfig controls per-client throttling.
type RateLimitConfig struct {
	SubmissionsPerMinute int
	LookupsPerMinute     int
	WebhookBurst         int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
	// ServiceAccounts, when set, restricts callers to these token emails.
	ServiceAccounts []string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, the payment instructions file and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	options.secret = SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}
	env := envReader{lookup: lookup}

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(env.str("API_STORE_BACKEND", defaultStoreBackend)),
			SQLDriver:    strings.ToLower(env.str("API_STORE_SQL_DRIVER", "sqlite3")),
			SQLDSN:       env.str("API_STORE_SQL_DSN", ""),
			MaxOpenConns: env.integer("API_STORE_SQL_MAX_OPEN_CONNS", 10),
		},
		Storage: StorageConfig{
			Backend:        strings.ToLower(env.str("API_STORAGE_BACKEND", defaultStorageBackend)),
			ReceiptsBucket: env.str("API_STORAGE_RECEIPTS_BUCKET", ""),
			ReceiptsPrefix: env.str("API_STORAGE_RECEIPTS_PREFIX", ""),
			SignerEmail:    env.str("API_STORAGE_SIGNER_EMAIL", ""),
			SignedURLTTL:   env.duration("API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Orders: OrdersConfig{
			TrackingPrefix:       env.str("API_ORDERS_TRACKING_PREFIX", defaultTrackingPrefix),
			TrackingAttempts:     env.integer("API_ORDERS_TRACKING_ATTEMPTS", defaultTrackingAttempts),
			RequireReceiptInline: env.boolean("API_ORDERS_REQUIRE_RECEIPT_INLINE", false),
			MaxReceiptBytes:      int64(env.integer("API_ORDERS_MAX_RECEIPT_BYTES", defaultMaxReceiptBytes)),
			PaymentFile:          env.str("API_PAYMENT_INSTRUCTIONS_FILE", ""),
		},
		Bot: BotConfig{
			Provider:          strings.ToLower(env.str("API_BOT_PROVIDER", defaultBotProvider)),
			Required:          env.boolean("API_BOT_REQUIRED", false),
			RecaptchaSecret:   env.str("API_BOT_RECAPTCHA_SECRET", ""),
			RecaptchaVerify:   env.str("API_BOT_RECAPTCHA_VERIFY_URL", defaultRecaptchaVerifyURL),
			RecaptchaMinScore: env.float("API_BOT_RECAPTCHA_MIN_SCORE", defaultRecaptchaMinScore),
			RecaptchaAction:   env.str("API_BOT_RECAPTCHA_ACTION", "submit_preorder"),
		},
		Mail: MailConfig{
			Provider:        strings.ToLower(env.str("API_MAIL_PROVIDER", defaultMailProvider)),
			ResendAPIKey:    env.str("API_MAIL_RESEND_API_KEY", ""),
			From:            env.str("API_MAIL_FROM", defaultMailFrom),
			AdminFrom:       env.str("API_MAIL_ADMIN_FROM", defaultMailAdminFrom),
			AdminRecipients: env.csv("API_MAIL_ADMIN_RECIPIENTS"),
			SiteURL:         env.str("API_MAIL_SITE_URL", defaultSiteURL),
		},
		Notifications: NotificationConfig{
			Mode: strings.ToLower(env.str("API_NOTIFICATIONS_MODE", defaultNotificationMode)),
		},
		PubSub: PubSubConfig{
			ProjectID: env.str("API_PUBSUB_PROJECT_ID", ""),
			Topic:     env.str("API_PUBSUB_ORDER_EVENTS_TOPIC", ""),
		},
		Kafka: KafkaConfig{
			Brokers:  env.csv("API_KAFKA_BROKERS"),
			Topic:    env.str("API_KAFKA_ORDER_EVENTS_TOPIC", ""),
			ClientID: env.str("API_KAFKA_CLIENT_ID", defaultKafkaClientID),
			GroupID:  env.str("API_KAFKA_CONSUMER_GROUP", defaultKafkaGroupID),
		},
		RateLimits: RateLimitConfig{
			SubmissionsPerMinute: env.integer("API_RATELIMIT_SUBMIT_PER_MIN", defaultSubmitPerMinute),
			LookupsPerMinute:     env.integer("API_RATELIMIT_LOOKUP_PER_MIN", defaultLookupPerMinute),
			WebhookBurst:         env.integer("API_RATELIMIT_WEBHOOK_BURST", defaultWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:         env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:        env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences:       env.keyValues("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:         env.csv("API_SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: env.csv("API_SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.keyValues("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	if cfg.Orders.PaymentFile != "" {
		payment, err := loadPaymentInstructions(cfg.Orders.PaymentFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Orders.Payment = payment
	}
	overlayPaymentInstructions(&cfg.Orders.Payment, env)

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved, err := resolveSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	add := func(field string) { invalid = append(invalid, field) }
	oneOf := func(field, value string, allowed ...string) {
		for _, candidate := range allowed {
			if value == candidate {
				return
			}
		}
		add(field)
	}

	if cfg.Server.Port == "" {
		add("Server.Port")
	}

	oneOf("Store.Backend", cfg.Store.Backend, StoreFirestore, StoreSQL, StoreMemory)
	switch cfg.Store.Backend {
	case StoreFirestore:
		if cfg.Firestore.ProjectID == "" {
			add("Firestore.ProjectID")
		}
	case StoreSQL:
		oneOf("Store.SQLDriver", cfg.Store.SQLDriver, "sqlite3", "mysql")
		if cfg.Store.SQLDSN == "" {
			add("Store.SQLDSN")
		}
	}

	oneOf("Storage.Backend", cfg.Storage.Backend, StorageGCS, StorageMemory)
	if cfg.Storage.Backend == StorageGCS && cfg.Storage.ReceiptsBucket == "" {
		add("Storage.ReceiptsBucket")
	}

	if cfg.Orders.TrackingAttempts <= 0 {
		add("Orders.TrackingAttempts")
	}
	if cfg.Orders.MaxReceiptBytes <= 0 {
		add("Orders.MaxReceiptBytes")
	}

	oneOf("Bot.Provider", cfg.Bot.Provider, BotNone, BotRecaptcha, BotAppCheck)
	if cfg.Bot.Required && cfg.Bot.Provider == BotNone {
		add("Bot.Provider")
	}
	if cfg.Bot.Provider == BotRecaptcha && cfg.Bot.RecaptchaSecret == "" {
		add("Bot.RecaptchaSecret")
	}
	if cfg.Bot.Provider == BotAppCheck && cfg.Firebase.ProjectID == "" {
		add("Firebase.ProjectID")
	}

	oneOf("Mail.Provider", cfg.Mail.Provider, MailResend, MailLog)
	if cfg.Mail.Provider == MailResend && cfg.Mail.ResendAPIKey == "" {
		add("Mail.ResendAPIKey")
	}

	oneOf("Notifications.Mode", cfg.Notifications.Mode, NotifyDirect, NotifyPubSub, NotifyKafka, NotifyWebhook)
	switch cfg.Notifications.Mode {
	case NotifyPubSub:
		if cfg.PubSub.Topic == "" {
			add("PubSub.Topic")
		}
	case NotifyKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			add("Kafka.Brokers")
		}
		if cfg.Kafka.Topic == "" {
			add("Kafka.Topic")
		}
	}

	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		add("Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		add("Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		add("Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		add("Idempotency.CleanupBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

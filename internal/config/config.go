// Package config loads and validates printledgerd settings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Setting keys. Each key is also a command-line flag and, upper-cased with
// dashes replaced by underscores, a PRINTLEDGER_ environment variable.
const (
	KeyConfigFile           = "config"
	KeyDatabaseURL          = "database-url"
	KeyDevelopment          = "development"
	KeyGRPCListenAddr       = "grpc-listen-addr"
	KeyHTTPListenAddr       = "http-listen-addr"
	KeyCurrency             = "currency"
	KeyGlobalOverdraft      = "global-overdraft"
	KeyAdvisoryLockKey      = "advisory-lock-key"
	KeyOutboxExpiry         = "outbox-expiry"
	KeyDeliveryWeekdays     = "delivery-weekdays"
	KeyBatchThreshold       = "batch-threshold"
	KeyVoucherSweepInterval = "voucher-sweep-interval"
	KeyHistoryPruneInterval = "history-prune-interval"
	KeyHistoryRetention     = "history-retention"
	KeyPrintRetryHorizon    = "print-retry-horizon"
	KeyOutboxPruneInterval  = "outbox-prune-interval"
	KeySMTPHost             = "smtp-host"
	KeySMTPPort             = "smtp-port"
	KeySMTPUsername         = "smtp-username"
	KeySMTPPassword         = "smtp-password"
	KeySMTPFrom             = "smtp-from"
	KeyMailDomain           = "mail-domain"
	KeyAdminAddress         = "admin-address"
	KeySessionSigningKey    = "jwt-signing-key"
	KeySessionIssuer        = "jwt-issuer"
	KeySessionCookieName    = "jwt-cookie-name"
	KeyAllowedOrigins       = "allowed-origins"
	KeyOperators            = "operators"
	KeyDispatchWebhookURL   = "dispatch-webhook-url"
	KeyPrintersFile         = "printers-file"
	EnvPrefix               = "PRINTLEDGER"
)

const (
	defaultGRPCListenAddr       = ":7000"
	defaultHTTPListenAddr       = ":9090"
	defaultCurrency             = "EUR"
	defaultAdvisoryLockKey      = 7_346_827
	defaultOutboxExpiry         = 24 * time.Hour
	defaultBatchThreshold       = 1000
	defaultSweepInterval        = time.Hour
	defaultPrintRetryHorizon    = 7 * 24 * time.Hour
	defaultAllowedOrigin        = "http://localhost:8000"
	defaultSessionIssuer        = "tauth"
	defaultSessionCookie        = "app_session"
	defaultSMTPPort             = 587
	validationCurrency          = "currency"
	listSeparator               = ","
	developmentDatabaseFallback = "sqlite://printledger.db"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for printledgerd.
type Config struct {
	DatabaseURL          string `validate:"required"`
	Development          bool
	GRPCListenAddr       string `validate:"required"`
	HTTPListenAddr       string `validate:"required"`
	Currency             string `validate:"required,currency"`
	GlobalOverdraft      decimal.Decimal
	AdvisoryLockKey      int64
	OutboxExpiry         time.Duration  `validate:"gt=0"`
	DeliveryWeekdays     []time.Weekday `validate:"dive,gte=0,lte=6"`
	BatchThreshold       int            `validate:"gte=1"`
	VoucherSweepInterval time.Duration  `validate:"gte=0"`
	HistoryPruneInterval time.Duration  `validate:"gte=0"`
	HistoryRetention     time.Duration  `validate:"gte=0"`
	PrintRetryHorizon    time.Duration  `validate:"gte=0"`
	OutboxPruneInterval  time.Duration  `validate:"gte=0"`
	SMTP                 SMTPConfig
	SessionSigningKey    string
	SessionIssuer        string   `validate:"required"`
	SessionCookieName    string   `validate:"required"`
	AllowedOrigins       []string `validate:"dive,url"`
	Operators            []string `validate:"dive,required"`
	DispatchWebhookURL   string   `validate:"omitempty,url"`
	PrintersFile         string
}

// SMTPConfig holds the outgoing mail settings. An empty Host disables mail.
type SMTPConfig struct {
	Host         string `validate:"omitempty,hostname|ip"`
	Port         int    `validate:"gte=0,lte=65535"`
	Username     string
	Password     string
	From         string `validate:"required_with=Host,omitempty,email"`
	MailDomain   string `validate:"required_with=Host,omitempty,fqdn"`
	AdminAddress string `validate:"omitempty,email"`
}

// MailEnabled reports whether notifications should be mailed.
func (cfg Config) MailEnabled() bool {
	return strings.TrimSpace(cfg.SMTP.Host) != ""
}

// HistoryPruneEnabled reports whether old transactions are pruned.
func (cfg Config) HistoryPruneEnabled() bool {
	return cfg.HistoryRetention > 0 && cfg.HistoryPruneInterval > 0
}

// RequireConsole reports whether the settings needed by the HTTP console are
// present. Maintenance commands run without them.
func (cfg Config) RequireConsole() error {
	if strings.TrimSpace(cfg.SessionSigningKey) == "" {
		return fmt.Errorf("%w: %s is required to serve the console", ErrInvalidConfig, KeySessionSigningKey)
	}
	return nil
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if cfg.Development {
		cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, developmentDatabaseFallback)
	}
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.Currency = strings.ToUpper(defaultIfEmpty(cfg.Currency, defaultCurrency))
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = defaultAdvisoryLockKey
	}
	if cfg.OutboxExpiry == 0 {
		cfg.OutboxExpiry = defaultOutboxExpiry
	}
	if cfg.BatchThreshold == 0 {
		cfg.BatchThreshold = defaultBatchThreshold
	}
	if cfg.VoucherSweepInterval == 0 {
		cfg.VoucherSweepInterval = defaultSweepInterval
	}
	if cfg.OutboxPruneInterval == 0 {
		cfg.OutboxPruneInterval = defaultSweepInterval
	}
	if cfg.HistoryRetention > 0 && cfg.HistoryPruneInterval == 0 {
		cfg.HistoryPruneInterval = defaultSweepInterval
	}
	if cfg.PrintRetryHorizon == 0 {
		cfg.PrintRetryHorizon = defaultPrintRetryHorizon
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.MailEnabled() && cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = defaultSMTPPort
	}
	if cfg.GlobalOverdraft.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, KeyGlobalOverdraft)
	}
	if err := newValidator().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(err))
	}
	return nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation(validationCurrency, func(field validator.FieldLevel) bool {
		code := field.Field().String()
		if len(code) != 3 {
			return false
		}
		for _, letter := range code {
			if letter < 'A' || letter > 'Z' {
				return false
			}
		}
		return true
	})
	return validate
}

func describe(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldError.Namespace(), fieldError.Tag()))
	}
	return strings.Join(messages, "; ")
}

// Load reads every setting from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	overdraft := decimal.Zero
	if raw := strings.TrimSpace(v.GetString(KeyGlobalOverdraft)); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyGlobalOverdraft, err)
		}
		overdraft = parsed
	}
	weekdays, err := ParseWeekdays(v.GetString(KeyDeliveryWeekdays))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DatabaseURL:          strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		Development:          v.GetBool(KeyDevelopment),
		GRPCListenAddr:       strings.TrimSpace(v.GetString(KeyGRPCListenAddr)),
		HTTPListenAddr:       strings.TrimSpace(v.GetString(KeyHTTPListenAddr)),
		Currency:             strings.TrimSpace(v.GetString(KeyCurrency)),
		GlobalOverdraft:      overdraft,
		AdvisoryLockKey:      v.GetInt64(KeyAdvisoryLockKey),
		OutboxExpiry:         v.GetDuration(KeyOutboxExpiry),
		DeliveryWeekdays:     weekdays,
		BatchThreshold:       v.GetInt(KeyBatchThreshold),
		VoucherSweepInterval: v.GetDuration(KeyVoucherSweepInterval),
		HistoryPruneInterval: v.GetDuration(KeyHistoryPruneInterval),
		HistoryRetention:     v.GetDuration(KeyHistoryRetention),
		PrintRetryHorizon:    v.GetDuration(KeyPrintRetryHorizon),
		OutboxPruneInterval:  v.GetDuration(KeyOutboxPruneInterval),
		SMTP: SMTPConfig{
			Host:         strings.TrimSpace(v.GetString(KeySMTPHost)),
			Port:         v.GetInt(KeySMTPPort),
			Username:     v.GetString(KeySMTPUsername),
			Password:     v.GetString(KeySMTPPassword),
			From:         strings.TrimSpace(v.GetString(KeySMTPFrom)),
			MailDomain:   strings.TrimSpace(v.GetString(KeyMailDomain)),
			AdminAddress: strings.TrimSpace(v.GetString(KeyAdminAddress)),
		},
		SessionSigningKey:  v.GetString(KeySessionSigningKey),
		SessionIssuer:      strings.TrimSpace(v.GetString(KeySessionIssuer)),
		SessionCookieName:  strings.TrimSpace(v.GetString(KeySessionCookieName)),
		AllowedOrigins:     ParseList(v.GetString(KeyAllowedOrigins)),
		Operators:          ParseList(v.GetString(KeyOperators)),
		DispatchWebhookURL: strings.TrimSpace(v.GetString(KeyDispatchWebhookURL)),
		PrintersFile:       strings.TrimSpace(v.GetString(KeyPrintersFile)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewViper returns a viper instance reading PRINTLEDGER_ environment variables
// and, when configFile is set, the given file.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// ParseWeekdays accepts comma-separated English weekday names or their
// three-letter abbreviations. An empty value keeps the queue's default
// Monday to Friday schedule.
func ParseWeekdays(raw string) ([]time.Weekday, error) {
	names := ParseList(raw)
	weekdays := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		weekday, ok := lookupWeekday(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown weekday %q", ErrInvalidConfig, KeyDeliveryWeekdays, name)
		}
		weekdays = append(weekdays, weekday)
	}
	return weekdays, nil
}

func lookupWeekday(name string) (time.Weekday, bool) {
	lowered := strings.ToLower(name)
	for weekday := time.Sunday; weekday <= time.Saturday; weekday++ {
		full := strings.ToLower(weekday.String())
		if lowered == full || lowered == full[:3] {
			return weekday, true
		}
	}
	return time.Sunday, false
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, listSeparator)
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func baseViper() *viper.Viper {
	v := viper.New()
	v.Set(KeyDatabaseURL, "postgres://printledger@localhost/printledger")
	v.Set(KeySessionSigningKey, "secret")
	return v
}

func TestLoadAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg, err := Load(baseViper())
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.GRPCListenAddr != defaultGRPCListenAddr || cfg.HTTPListenAddr != defaultHTTPListenAddr {
		test.Fatalf("unexpected listen addresses %q %q", cfg.GRPCListenAddr, cfg.HTTPListenAddr)
	}
	if cfg.Currency != "EUR" || cfg.BatchThreshold != defaultBatchThreshold || cfg.OutboxExpiry != defaultOutboxExpiry {
		test.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SessionIssuer != defaultSessionIssuer || cfg.SessionCookieName != defaultSessionCookie {
		test.Fatalf("unexpected session defaults %+v", cfg)
	}
	if cfg.MailEnabled() || cfg.HistoryPruneEnabled() {
		test.Fatalf("expected mail and history pruning to be disabled")
	}
	if cfg.PrintRetryHorizon != defaultPrintRetryHorizon {
		test.Fatalf("unexpected print retry horizon %v", cfg.PrintRetryHorizon)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{defaultAllowedOrigin}) {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadParsesValues(test *testing.T) {
	test.Parallel()
	v := baseViper()
	v.Set(KeyCurrency, "usd")
	v.Set(KeyGlobalOverdraft, "12.50")
	v.Set(KeyDeliveryWeekdays, "mon, Wednesday,fri")
	v.Set(KeyHistoryRetention, "720h")
	v.Set(KeyPrintRetryHorizon, "48h")
	v.Set(KeyAllowedOrigins, "https://console.example.com, https://ops.example.com")
	v.Set(KeySMTPHost, "smtp.example.com")
	v.Set(KeySMTPFrom, "printing@example.com")
	v.Set(KeyMailDomain, "example.com")

	cfg, err := Load(v)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.Currency != "USD" || !cfg.GlobalOverdraft.Equal(decimal.RequireFromString("12.5")) {
		test.Fatalf("unexpected money settings %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.DeliveryWeekdays, []time.Weekday{time.Monday, time.Wednesday, time.Friday}) {
		test.Fatalf("unexpected weekdays %v", cfg.DeliveryWeekdays)
	}
	if !cfg.HistoryPruneEnabled() || cfg.HistoryPruneInterval != defaultSweepInterval {
		test.Fatalf("expected history pruning every hour, got %v", cfg.HistoryPruneInterval)
	}
	if cfg.PrintRetryHorizon != 48*time.Hour {
		test.Fatalf("unexpected print retry horizon %v", cfg.PrintRetryHorizon)
	}
	if !cfg.MailEnabled() || cfg.SMTP.Port != defaultSMTPPort {
		test.Fatalf("unexpected smtp settings %+v", cfg.SMTP)
	}
	if len(cfg.AllowedOrigins) != 2 {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "missing database", key: KeyDatabaseURL, value: ""},
		{name: "currency", key: KeyCurrency, value: "EURO"},
		{name: "negative overdraft", key: KeyGlobalOverdraft, value: "-1"},
		{name: "malformed overdraft", key: KeyGlobalOverdraft, value: "ten"},
		{name: "weekday", key: KeyDeliveryWeekdays, value: "funday"},
		{name: "negative threshold", key: KeyBatchThreshold, value: -5},
		{name: "origin", key: KeyAllowedOrigins, value: "not a url"},
		{name: "webhook", key: KeyDispatchWebhookURL, value: "::"},
		{name: "smtp without sender", key: KeySMTPHost, value: "smtp.example.com"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			v := baseViper()
			v.Set(testCase.key, testCase.value)
			if _, err := Load(v); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRequireConsoleNeedsSigningKey(test *testing.T) {
	test.Parallel()
	v := baseViper()
	v.Set(KeySessionSigningKey, "")
	cfg, err := Load(v)
	if err != nil {
		test.Fatalf("maintenance settings should load without a signing key: %v", err)
	}
	if err := cfg.RequireConsole(); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg.SessionSigningKey = "secret"
	if err := cfg.RequireConsole(); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
}

func TestDevelopmentFallsBackToSQLite(test *testing.T) {
	test.Parallel()
	v := baseViper()
	v.Set(KeyDatabaseURL, "")
	v.Set(KeyDevelopment, true)
	cfg, err := Load(v)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != developmentDatabaseFallback {
		test.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
}

func TestNewViperReadsEnvironmentAndFile(test *testing.T) {
	path := filepath.Join(test.TempDir(), "printledger.yaml")
	contents := "database-url: postgres://file@localhost/printledger\njwt-signing-key: from-file\nbatch-threshold: 250\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		test.Fatalf("write config: %v", err)
	}
	test.Setenv("PRINTLEDGER_JWT_SIGNING_KEY", "from-env")

	v, err := NewViper(path)
	if err != nil {
		test.Fatalf("new viper: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.SessionSigningKey != "from-env" || cfg.BatchThreshold != 250 || cfg.DatabaseURL != "postgres://file@localhost/printledger" {
		test.Fatalf("unexpected config %+v", cfg)
	}

	if _, err := NewViper(filepath.Join(test.TempDir(), "missing.yaml")); err == nil {
		test.Fatalf("expected missing config file to fail")
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/quailyquaily/airlock/db"
	"github.com/quailyquaily/airlock/guard"
	"github.com/quailyquaily/airlock/internal/pathutil"
	"github.com/quailyquaily/airlock/internal/secrets"
	"github.com/quailyquaily/airlock/skills"
	"github.com/spf13/viper"
)

func initViper(configFile string) error {
	viper.SetEnvPrefix("AIRLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if configFile = strings.TrimSpace(configFile); configFile != "" {
		viper.SetConfigFile(pathutil.ExpandHomePath(configFile))
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(pathutil.StateDir())
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("server.listen", "127.0.0.1:7788")
	viper.SetDefault("server.rate_limit.requests_per_second", 5.0)
	viper.SetDefault("server.rate_limit.burst", 10)

	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.automigrate", true)
	viper.SetDefault("db.sqlite.wal", true)
	viper.SetDefault("db.sqlite.foreign_keys", true)

	viper.SetDefault("airlock.policy.enabled", true)
	viper.SetDefault("airlock.policy.mode", string(guard.PolicyModeAll))
	viper.SetDefault("airlock.approvals.timeout", time.Duration(0))
	viper.SetDefault("airlock.approvals.persist", true)
	viper.SetDefault("airlock.approvals.max_retained", 1000)
	viper.SetDefault("airlock.approvals.retention", 30*24*time.Hour)
	viper.SetDefault("airlock.approvals.retention_schedule", "@every 10m")
	viper.SetDefault("airlock.audit.rotate_max_bytes", int64(100*1024*1024))
	viper.SetDefault("airlock.display.max_payload_bytes", 2048)
	viper.SetDefault("airlock.skills.dir", pathutil.StatePath("skills"))
}

func loggerFromViper() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(viper.GetString("logging.level")))); err != nil {
		return nil, fmt.Errorf("invalid logging.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(viper.GetString("logging.format"))) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid logging.format: %q (expected text|json)", viper.GetString("logging.format"))
	}
}

func guardConfigFromViper(log *slog.Logger) (guard.Config, error) {
	if log == nil {
		log = slog.Default()
	}
	var patterns []guard.RegexPattern
	if err := viper.UnmarshalKey("airlock.redaction.patterns", &patterns); err != nil {
		return guard.Config{}, fmt.Errorf("invalid airlock.redaction.patterns: %w", err)
	}

	cfg := guard.Config{
		Policy: guard.ToolAccessPolicy{
			Enabled: viper.GetBool("airlock.policy.enabled"),
			Mode:    guard.PolicyMode(strings.TrimSpace(viper.GetString("airlock.policy.mode"))),
			Allow:   viper.GetStringSlice("airlock.policy.allow"),
			Deny:    viper.GetStringSlice("airlock.policy.deny"),
		},
		Permissions: guard.AdminPermissions{
			EditSLOs:          viper.GetBool("airlock.permissions.edit_slos"),
			AcknowledgeAlerts: viper.GetBool("airlock.permissions.acknowledge_alerts"),
			EditRetention:     viper.GetBool("airlock.permissions.edit_retention"),
			RunCleanup:        viper.GetBool("airlock.permissions.run_cleanup"),
		},
		Approvals: guard.ApprovalsConfig{
			Timeout:           viper.GetDuration("airlock.approvals.timeout"),
			MaxRetained:       viper.GetInt("airlock.approvals.max_retained"),
			Retention:         viper.GetDuration("airlock.approvals.retention"),
			RetentionSchedule: strings.TrimSpace(viper.GetString("airlock.approvals.retention_schedule")),
		},
		Audit: guard.AuditConfig{
			JSONLPath:      pathutil.ExpandHomePath(viper.GetString("airlock.audit.jsonl_path")),
			RotateMaxBytes: viper.GetInt64("airlock.audit.rotate_max_bytes"),
		},
		Redaction: guard.RedactionConfig{
			Enabled:  viper.GetBool("airlock.redaction.enabled"),
			Patterns: patterns,
		},
		Display: guard.DisplayConfig{
			MaxPayloadBytes: viper.GetInt("airlock.display.max_payload_bytes"),
		},
	}
	if cfg.Approvals.Timeout < 0 {
		cfg.Approvals.Timeout = 0
	}
	if viper.GetBool("airlock.approvals.persist") {
		dsn := strings.TrimSpace(viper.GetString("airlock.approvals.store_dsn"))
		if dsn == "" {
			dsn = viper.GetString("db.dsn")
		}
		resolved, err := db.ResolveSQLiteDSN(dsn)
		if err != nil {
			log.Warn("approvals_dsn_error", "error", err.Error())
		} else {
			cfg.Approvals.StoreDSN = resolved
		}
	}
	return cfg, nil
}

func dbConfigFromViper() db.Config {
	cfg := db.DefaultConfig()

	cfg.Driver = viper.GetString("db.driver")
	cfg.DSN = viper.GetString("db.dsn")
	cfg.AutoMigrate = viper.GetBool("db.automigrate")

	cfg.Pool.MaxOpenConns = viper.GetInt("db.pool.max_open_conns")
	cfg.Pool.MaxIdleConns = viper.GetInt("db.pool.max_idle_conns")
	cfg.Pool.ConnMaxLifetime = viper.GetDuration("db.pool.conn_max_lifetime")
	if cfg.Pool.ConnMaxLifetime < 0 {
		cfg.Pool.ConnMaxLifetime = 0
	}

	cfg.SQLite.BusyTimeoutMs = viper.GetInt("db.sqlite.busy_timeout_ms")
	cfg.SQLite.WAL = viper.GetBool("db.sqlite.wal")
	cfg.SQLite.ForeignKeys = viper.GetBool("db.sqlite.foreign_keys")

	if cfg.Pool.MaxOpenConns <= 0 {
		cfg.Pool.MaxOpenConns = 1
	}
	if cfg.Pool.MaxIdleConns <= 0 {
		cfg.Pool.MaxIdleConns = 1
	}
	if cfg.SQLite.BusyTimeoutMs <= 0 {
		cfg.SQLite.BusyTimeoutMs = 5000
	}
	return cfg
}

// registryFromViper builds the builtin catalog plus manifests found under
// airlock.skills.dir.
func registryFromViper(log *slog.Logger) (*skills.Registry, error) {
	dir := pathutil.ExpandHomePath(viper.GetString("airlock.skills.dir"))
	loaded, err := skills.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load skills from %s: %w", dir, err)
	}
	if log != nil && len(loaded) > 0 {
		log.Info("skills_loaded", "dir", dir, "count", len(loaded))
	}
	return skills.NewRegistry(append(skills.Builtin(), loaded...)...)
}

// ownerTokenFromViper reads airlock.owner_token, or resolves
// airlock.owner_token_ref from the environment when it is set.
func ownerTokenFromViper(ctx context.Context) (string, error) {
	ref := strings.TrimSpace(viper.GetString("airlock.owner_token_ref"))
	if ref == "" {
		return strings.TrimSpace(viper.GetString("airlock.owner_token")), nil
	}
	r := &secrets.EnvResolver{Aliases: viper.GetStringMapString("secrets.aliases")}
	tok, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve airlock.owner_token_ref: %w", err)
	}
	return tok, nil
}

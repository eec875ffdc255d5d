package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/deid/internal/domain/pseudonym"
)

// Storage backends.
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StorageNone     = "none"
)

// Approval workflows.
const (
	WorkflowSingle    = "single"
	WorkflowDual      = "dual"
	WorkflowCommittee = "committee"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BatchConcurrency int           `mapstructure:"BATCH_CONCURRENCY"`

	DefaultPolicyID         string `mapstructure:"DEFAULT_POLICY_ID"`
	RequireApprovedPolicies bool   `mapstructure:"REQUIRE_APPROVED_POLICIES"`

	PseudonymizationSalt string        `mapstructure:"PSEUDONYMIZATION_SALT"`
	MaxShiftDays         int           `mapstructure:"PSEUDONYMIZATION_MAX_SHIFT_DAYS"`
	PseudonymStoreType   string        `mapstructure:"PSEUDONYM_STORE_TYPE"`
	PseudonymStoreTTL    time.Duration `mapstructure:"PSEUDONYM_STORE_TTL"`
	PseudonymReversible  bool          `mapstructure:"PSEUDONYM_REVERSIBLE"`
	PseudonymSealingKey  string        `mapstructure:"PSEUDONYM_SEALING_KEY"`

	AuditStorageType          string        `mapstructure:"AUDIT_STORAGE_TYPE"`
	AuditPath                 string        `mapstructure:"AUDIT_PATH"`
	AuditRetentionDays        int           `mapstructure:"AUDIT_RETENTION_DAYS"`
	AuditEncrypt              bool          `mapstructure:"AUDIT_ENCRYPT"`
	AuditEncryptionKey        string        `mapstructure:"AUDIT_ENCRYPTION_KEY"`
	AuditEncryptionKeyVersion int           `mapstructure:"AUDIT_ENCRYPTION_KEY_VERSION"`
	AuditPreviousKeys         string        `mapstructure:"AUDIT_PREVIOUS_ENCRYPTION_KEYS"`
	AuditWriteTimeout         time.Duration `mapstructure:"AUDIT_WRITE_TIMEOUT"`
	AuditRetentionInterval    time.Duration `mapstructure:"AUDIT_RETENTION_INTERVAL"`

	PolicyStorageType      string        `mapstructure:"POLICY_STORAGE_TYPE"`
	PolicyPath             string        `mapstructure:"POLICY_PATH"`
	PolicyBackupPath       string        `mapstructure:"POLICY_BACKUP_PATH"`
	PolicyRequireApproval  bool          `mapstructure:"POLICY_REQUIRE_APPROVAL"`
	PolicyApprovalWorkflow string        `mapstructure:"POLICY_APPROVAL_WORKFLOW"`
	PolicyCommitteeMembers []string      `mapstructure:"POLICY_COMMITTEE_MEMBERS"`
	PolicyEmergencyBypass  bool          `mapstructure:"POLICY_EMERGENCY_BYPASS"`
	PolicyStoreTimeout     time.Duration `mapstructure:"POLICY_STORE_TIMEOUT"`
	PolicyCacheTTL         time.Duration `mapstructure:"POLICY_CACHE_TTL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"REQUEST_TIMEOUT", "BATCH_CONCURRENCY",
	"DEFAULT_POLICY_ID", "REQUIRE_APPROVED_POLICIES",
	"PSEUDONYMIZATION_SALT", "PSEUDONYMIZATION_MAX_SHIFT_DAYS",
	"PSEUDONYM_STORE_TYPE", "PSEUDONYM_STORE_TTL", "PSEUDONYM_REVERSIBLE", "PSEUDONYM_SEALING_KEY",
	"AUDIT_STORAGE_TYPE", "AUDIT_PATH", "AUDIT_RETENTION_DAYS", "AUDIT_ENCRYPT",
	"AUDIT_ENCRYPTION_KEY", "AUDIT_ENCRYPTION_KEY_VERSION", "AUDIT_PREVIOUS_ENCRYPTION_KEYS",
	"AUDIT_WRITE_TIMEOUT", "AUDIT_RETENTION_INTERVAL",
	"POLICY_STORAGE_TYPE", "POLICY_PATH", "POLICY_BACKUP_PATH", "POLICY_REQUIRE_APPROVAL",
	"POLICY_APPROVAL_WORKFLOW", "POLICY_COMMITTEE_MEMBERS", "POLICY_EMERGENCY_BYPASS",
	"POLICY_STORE_TIMEOUT", "POLICY_CACHE_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BATCH_CONCURRENCY", 8)
	v.SetDefault("REQUIRE_APPROVED_POLICIES", true)
	v.SetDefault("PSEUDONYMIZATION_MAX_SHIFT_DAYS", 365)
	v.SetDefault("PSEUDONYM_STORE_TYPE", StorageNone)
	v.SetDefault("AUDIT_STORAGE_TYPE", StorageFile)
	v.SetDefault("AUDIT_PATH", "./data/audit")
	v.SetDefault("AUDIT_RETENTION_DAYS", 2190) // 6 years
	v.SetDefault("AUDIT_ENCRYPTION_KEY_VERSION", 1)
	v.SetDefault("AUDIT_WRITE_TIMEOUT", "5s")
	v.SetDefault("AUDIT_RETENTION_INTERVAL", "24h")
	v.SetDefault("POLICY_STORAGE_TYPE", StorageFile)
	v.SetDefault("POLICY_PATH", "./data/policies")
	v.SetDefault("POLICY_BACKUP_PATH", "./data/policies-backup")
	v.SetDefault("POLICY_REQUIRE_APPROVAL", true)
	v.SetDefault("POLICY_APPROVAL_WORKFLOW", WorkflowSingle)
	v.SetDefault("POLICY_STORE_TIMEOUT", "5s")
	v.SetDefault("POLICY_CACHE_TTL", "5s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	members := v.GetString("POLICY_COMMITTEE_MEMBERS")
	cfg.PolicyCommitteeMembers = nil
	for _, m := range strings.Split(members, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.PolicyCommitteeMembers = append(cfg.PolicyCommitteeMembers, m)
		}
	}

	if cfg.IsDev() && !cfg.RequireApprovedPolicies {
		log.Println("WARNING: REQUIRE_APPROVED_POLICIES=false; unapproved policies will be applied to records.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Every failure here is
// fatal at startup: the engine refuses to run with reduced protection.
func (c *Config) Validate() error {
	if c.PseudonymizationSalt == "" {
		return fmt.Errorf("%w: PSEUDONYMIZATION_SALT is required; refusing to start without a pseudonymization secret",
			pseudonym.ErrSaltMisconfigured)
	}
	if len(c.PseudonymizationSalt) < pseudonym.MinSaltLength {
		return fmt.Errorf("%w: PSEUDONYMIZATION_SALT must be at least %d bytes, got %d",
			pseudonym.ErrSaltMisconfigured, pseudonym.MinSaltLength, len(c.PseudonymizationSalt))
	}
	if c.MaxShiftDays < 1 {
		return fmt.Errorf("PSEUDONYMIZATION_MAX_SHIFT_DAYS must be positive, got %d", c.MaxShiftDays)
	}

	switch c.PseudonymStoreType {
	case StorageNone, StorageMemory:
	case StorageRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PSEUDONYM_STORE_TYPE is %q", StorageRedis)
		}
	default:
		return fmt.Errorf("PSEUDONYM_STORE_TYPE must be \"none\", \"memory\", or \"redis\", got %q", c.PseudonymStoreType)
	}
	if c.PseudonymReversible {
		if c.PseudonymStoreType == StorageNone {
			return fmt.Errorf("PSEUDONYM_REVERSIBLE requires a persistent PSEUDONYM_STORE_TYPE")
		}
		if err := checkKey("PSEUDONYM_SEALING_KEY", c.PseudonymSealingKey); err != nil {
			return err
		}
	}

	switch c.AuditStorageType {
	case StorageFile:
		if c.AuditPath == "" {
			return fmt.Errorf("AUDIT_PATH is required when AUDIT_STORAGE_TYPE is %q", StorageFile)
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when AUDIT_STORAGE_TYPE is %q", StoragePostgres)
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("AUDIT_STORAGE_TYPE %q is not durable and is refused in production", StorageMemory)
		}
	default:
		return fmt.Errorf("AUDIT_STORAGE_TYPE must be \"file\", \"postgres\", or \"memory\", got %q", c.AuditStorageType)
	}
	if c.AuditRetentionDays < 1 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be positive, got %d", c.AuditRetentionDays)
	}
	if c.AuditEncrypt {
		if err := checkKey("AUDIT_ENCRYPTION_KEY", c.AuditEncryptionKey); err != nil {
			return err
		}
		if _, err := c.PreviousAuditKeys(); err != nil {
			return err
		}
	}

	switch c.PolicyStorageType {
	case StorageFile:
		if c.PolicyPath == "" || c.PolicyBackupPath == "" {
			return fmt.Errorf("POLICY_PATH and POLICY_BACKUP_PATH are required when POLICY_STORAGE_TYPE is %q", StorageFile)
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when POLICY_STORAGE_TYPE is %q", StoragePostgres)
		}
	default:
		return fmt.Errorf("POLICY_STORAGE_TYPE must be \"file\" or \"postgres\", got %q", c.PolicyStorageType)
	}

	switch c.PolicyApprovalWorkflow {
	case WorkflowSingle, WorkflowDual:
	case WorkflowCommittee:
		if len(c.PolicyCommitteeMembers) == 0 {
			return fmt.Errorf("POLICY_COMMITTEE_MEMBERS is required when POLICY_APPROVAL_WORKFLOW is %q", WorkflowCommittee)
		}
	default:
		return fmt.Errorf("POLICY_APPROVAL_WORKFLOW must be \"single\", \"dual\", or \"committee\", got %q", c.PolicyApprovalWorkflow)
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"REQUEST_TIMEOUT", c.RequestTimeout},
		{"AUDIT_RETENTION_INTERVAL", c.AuditRetentionInterval},
		{"AUDIT_WRITE_TIMEOUT", c.AuditWriteTimeout},
		{"POLICY_STORE_TIMEOUT", c.PolicyStoreTimeout},
		{"POLICY_CACHE_TTL", c.PolicyCacheTTL},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %v", d.name, d.value)
		}
	}

	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required outside development")
	}

	return nil
}

// PreviousAuditKeys parses AUDIT_PREVIOUS_ENCRYPTION_KEYS, a comma-separated
// list of "version:hexkey" pairs kept for decrypting rotated partitions.
func (c *Config) PreviousAuditKeys() (map[int][]byte, error) {
	out := make(map[int][]byte)
	if strings.TrimSpace(c.AuditPreviousKeys) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.AuditPreviousKeys, ",") {
		ver, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("AUDIT_PREVIOUS_ENCRYPTION_KEYS: entry %q is not version:key", pair)
		}
		n, err := strconv.Atoi(ver)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("AUDIT_PREVIOUS_ENCRYPTION_KEYS: invalid version %q", ver)
		}
		if n == c.AuditEncryptionKeyVersion {
			return nil, fmt.Errorf("AUDIT_PREVIOUS_ENCRYPTION_KEYS: version %d collides with the current key", n)
		}
		b, err := decodeKey("AUDIT_PREVIOUS_ENCRYPTION_KEYS", key)
		if err != nil {
			return nil, err
		}
		out[n] = b
	}
	return out, nil
}

func checkKey(name, key string) error {
	if key == "" {
		return fmt.Errorf("%s is required", name)
	}
	_, err := decodeKey(name, key)
	return err
}

func decodeKey(name, key string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(keyBytes))
	}
	return keyBytes, nil
}

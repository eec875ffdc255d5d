package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/config"
	"github.com/ehr/deid/internal/domain/audit"
	"github.com/ehr/deid/internal/domain/deid"
	"github.com/ehr/deid/internal/domain/policy"
	"github.com/ehr/deid/internal/domain/pseudonym"
	"github.com/ehr/deid/internal/platform/auth"
	"github.com/ehr/deid/internal/platform/db"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/metrics"
	"github.com/ehr/deid/internal/platform/middleware"
	redisclient "github.com/ehr/deid/internal/platform/redis"
)

const version = "0.1.0"

// app holds every wired component. The CLI subcommands and the server share
// it so they resolve policies and write audit records the same way.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	pool  *pgxpool.Pool
	redis *redisclient.Client

	policies *policy.Manager
	mapper   *pseudonym.Mapper
	trail    *audit.Trail
	engine   *deid.Engine

	checks map[string]db.Check
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		checks:  make(map[string]db.Check),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.AuditStorageType == config.StoragePostgres || cfg.PolicyStorageType == config.StoragePostgres {
		a.pool, err = db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, err
		}
		a.checks["database"] = db.PoolCheck(a.pool)
		logger.Info().Msg("connected to database")
	}

	if err := a.initPolicies(ctx); err != nil {
		return nil, err
	}
	if err := a.initMapper(ctx); err != nil {
		return nil, err
	}
	if err := a.initTrail(); err != nil {
		return nil, err
	}

	a.engine = deid.NewEngine(a.policies, a.mapper, a.trail, deid.Settings{
		DefaultPolicyID:         cfg.DefaultPolicyID,
		RequireApprovedPolicies: cfg.RequireApprovedPolicies,
	}, logger, a.metrics)
	return a, nil
}

func (a *app) initPolicies(ctx context.Context) error {
	workflow, err := policy.NewWorkflow(a.cfg.PolicyApprovalWorkflow, a.cfg.PolicyCommitteeMembers)
	if err != nil {
		return err
	}

	var repo policy.Repository
	switch a.cfg.PolicyStorageType {
	case config.StoragePostgres:
		repo = policy.NewRepoPG(a.pool)
	default:
		fr, err := policy.NewFileRepository(a.cfg.PolicyPath, a.cfg.PolicyBackupPath)
		if err != nil {
			return err
		}
		repo = fr
	}

	a.policies = policy.NewManager(repo, policy.Settings{
		Workflow:        workflow,
		RequireApproval: a.cfg.PolicyRequireApproval,
		EmergencyBypass: a.cfg.PolicyEmergencyBypass,
		StoreTimeout:    a.cfg.PolicyStoreTimeout,
		CacheTTL:        a.cfg.PolicyCacheTTL,
	}, a.metrics, a.logger)
	return a.policies.Load(ctx)
}

func (a *app) initMapper(ctx context.Context) error {
	var store pseudonym.MappingStore
	switch a.cfg.PseudonymStoreType {
	case config.StorageMemory:
		store = pseudonym.NewMemoryStore()
	case config.StorageRedis:
		rc, err := redisclient.New(ctx, a.cfg.RedisURL)
		if err != nil {
			return err
		}
		a.redis = rc
		a.checks["redis"] = rc.Health
		store = pseudonym.NewRedisStore(rc.Client, pseudonym.WithTTL(a.cfg.PseudonymStoreTTL))
	}

	var sealer *hipaa.Sealer
	if a.cfg.PseudonymReversible {
		key, err := hipaa.ParseKey("PSEUDONYM_SEALING_KEY", a.cfg.PseudonymSealingKey)
		if err != nil {
			return err
		}
		if sealer, err = hipaa.NewSealer(key); err != nil {
			return err
		}
	}

	mapper, err := pseudonym.NewMapper(pseudonym.Config{
		Salt:         a.cfg.PseudonymizationSalt,
		MaxShiftDays: a.cfg.MaxShiftDays,
		Store:        store,
		Sealer:       sealer,
	}, a.metrics, a.logger)
	if err != nil {
		return err
	}
	a.mapper = mapper
	a.logger.Info().Str("store", a.cfg.PseudonymStoreType).Bool("persistent", mapper.Persistent()).
		Bool("reversible", mapper.Reversible()).Msg("pseudonym mapper ready")
	return nil
}

func (a *app) initTrail() error {
	var keyring *hipaa.Keyring
	if a.cfg.AuditEncrypt {
		key, err := hipaa.ParseKey("AUDIT_ENCRYPTION_KEY", a.cfg.AuditEncryptionKey)
		if err != nil {
			return err
		}
		if keyring, err = hipaa.NewKeyring(key, a.cfg.AuditEncryptionKeyVersion); err != nil {
			return err
		}
		previous, err := a.cfg.PreviousAuditKeys()
		if err != nil {
			return err
		}
		for v, k := range previous {
			if err := keyring.AddPreviousKey(k, v); err != nil {
				return err
			}
		}
	}

	var store audit.Store
	switch a.cfg.AuditStorageType {
	case config.StoragePostgres:
		store = audit.NewPGStore(a.pool, keyring)
	case config.StorageMemory:
		a.logger.Warn().Msg("audit records are kept in memory and lost on restart")
		store = audit.NewMemoryStore()
	default:
		fs, err := audit.NewFileStore(a.cfg.AuditPath, keyring, a.logger)
		if err != nil {
			return err
		}
		store = fs
	}

	a.trail = audit.NewTrail(store, audit.Settings{
		WriteTimeout:  a.cfg.AuditWriteTimeout,
		RetentionDays: a.cfg.AuditRetentionDays,
	}, a.metrics, a.logger)
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// newServer builds the echo instance. ctx bounds background middleware
// goroutines.
func (a *app) newServer(ctx context.Context) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "64M"))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))

	if a.cfg.IsDev() && a.cfg.AuthSigningKey == "" {
		a.logger.Warn().Msg("development auth: unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     a.cfg.AuthIssuer,
			Audience:   a.cfg.AuthAudience,
			SigningKey: []byte(a.cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.BreakGlass(ctx, a.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.ReadinessHandler(a.checks))
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	deid.NewHandler(a.engine, a.cfg.BatchConcurrency).RegisterRoutes(apiV1)
	policy.NewHandler(a.policies).RegisterRoutes(apiV1)
	audit.NewHandler(a.trail).RegisterRoutes(apiV1)

	return e
}

// loadApp is the common setup for subcommands that need the full service.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, newLogger(cfg))
}

var errVerifyFailed = errors.New("audit chain verification failed")

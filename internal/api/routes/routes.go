package routes

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/alertnotify"
	"github.com/wardgate/sentinel/backend/internal/api/handlers"
	"github.com/wardgate/sentinel/backend/internal/api/middleware"
	"github.com/wardgate/sentinel/backend/internal/audit"
	"github.com/wardgate/sentinel/backend/internal/config"
	"github.com/wardgate/sentinel/backend/internal/correlation"
	"github.com/wardgate/sentinel/backend/internal/identity"
	"github.com/wardgate/sentinel/backend/internal/kvstore"
	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/metrics"
	"github.com/wardgate/sentinel/backend/internal/models"
	"github.com/wardgate/sentinel/backend/internal/monitoring"
	"github.com/wardgate/sentinel/backend/internal/ratelimit"
	"github.com/wardgate/sentinel/backend/internal/retention"
	"github.com/wardgate/sentinel/backend/internal/threatintel"
)

// limiterBlocker adapts the rate limiter to the correlator's block action.
type limiterBlocker struct {
	limiter *ratelimit.Limiter
}

func (b limiterBlocker) Lockout(ctx context.Context, email, ip string) {
	b.limiter.Lockout(ctx, ratelimit.Keys{Email: email, IP: ip})
}

// Register wires up API routes, performs automatic migrations and starts the
// background monitoring and retention loops.
func Register(router *gin.Engine, db *gorm.DB, cfg config.Config) error {
	if err := db.AutoMigrate(
		&models.AuditEvent{},
		&models.AuditChain{},
		&models.Alert{},
		&models.RetentionPolicy{},
		&models.ArchivalJob{},
		&models.ThreatSighting{},
		&models.NotificationProvider{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	store := kvstore.New(cfg.StoreNodes, cfg.StorePassword, cfg.StoreTimeout)
	limiter := ratelimit.New(store, ratelimit.Config{
		MaxEmail:        cfg.RateLimitMaxEmail,
		MaxIP:           cfg.RateLimitMaxIP,
		Window:          cfg.RateLimitWindow,
		LockoutDuration: cfg.LockoutDuration,
	})

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = uuid.NewString()
		logger.Log().Warn("SENTINEL_JWT_SECRET not set, generated an ephemeral secret; tokens will not survive restarts")
	}
	tokens, err := identity.NewTokenService(jwtSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, store)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	provider := identity.NewProvider(cfg.IdentityProviderURL)

	trail, err := audit.New(db, audit.Config{
		SignatureKey:      cfg.AuditSignatureKey,
		HashAlgo:          cfg.AuditHashAlgo,
		MaxEventsPerChain: cfg.MaxEventsPerChain,
	})
	if err != nil {
		return fmt.Errorf("audit trail: %w", err)
	}

	notifier := alertnotify.New(db, cfg.NotifyURLs)
	monitor := monitoring.New(db, notifier, cfg.MonitoringInterval, monitoring.DefaultRules())

	// Integrity violations are themselves critical audit events; recording
	// one lets the monitor's integrity rule raise an alert immediately.
	trail.SetViolationHandler(func(chainID string, index int) {
		eventID := trail.RecordEvent(audit.Entry{
			EventType: "audit_integrity",
			Severity:  models.SeverityCritical,
			Actor:     "system",
			Action:    "integrity_violation",
			Resource:  chainID,
			Outcome:   models.OutcomeFailure,
			Details:   map[string]interface{}{"chain_id": chainID, "failing_index": index},
		})
		monitor.ProcessEvent(models.AuditEvent{
			EventID:   eventID,
			EventType: "audit_integrity",
			Severity:  models.SeverityCritical,
			Actor:     "system",
			Action:    "integrity_violation",
			Resource:  chainID,
			Outcome:   models.OutcomeFailure,
		})
	})

	rules := correlation.DefaultRules()
	if cfg.CorrelationRulesFile != "" {
		loaded, err := correlation.LoadRulesFile(cfg.CorrelationRulesFile)
		if err != nil {
			return fmt.Errorf("load correlation rules: %w", err)
		}
		rules = loaded
	}
	correlator := correlation.New(rules)
	dispatcher := &correlation.Dispatcher{
		Alerts:   monitor,
		Notify:   notifier,
		Blocking: limiterBlocker{limiter: limiter},
	}

	var sources []threatintel.Source
	sources = append(sources, threatintel.FromConfig(&cfg)...)
	threats := threatintel.New(db, sources, cfg.ThreatCacheTTL, cfg.ThreatSourceTimeout)

	retentionMgr, err := retention.New(db, retention.Config{
		Schedule:             cfg.RetentionSchedule,
		ArchiveDir:           cfg.ArchiveDir,
		EncryptKey:           cfg.ArchiveEncryptKey,
		DefaultRetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("retention manager: %w", err)
	}

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(monitor.ObserveLatency))
	router.Use(middleware.Recovery(cfg.Environment == "development"))
	router.Use(middleware.OriginAllowList(cfg.AllowedOrigins))

	authHandler := handlers.NewAuthHandler(limiter, threats, provider, tokens, trail, correlator, dispatcher, monitor)
	auditHandler := handlers.NewAuditHandler(trail, correlator, retentionMgr, monitor, notifier)
	dashboardHandler := handlers.NewDashboardHandler(monitor, threats, store)

	router.POST("/auth-login", authHandler.Login)
	router.POST("/auth-logout", authHandler.Logout)
	router.POST("/auth-refresh", authHandler.Refresh)
	router.POST("/auth-validate", authHandler.Validate)
	router.POST("/audit-management", auditHandler.Manage)
	router.POST("/security-dashboard", dashboardHandler.Dashboard)

	router.GET("/healthz", handlers.HealthHandler(store))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	if cfg.MonitoringEnabled {
		monitor.Start(context.Background())
	}
	if cfg.RetentionEnabled {
		retentionMgr.Start()
	}

	return nil
}

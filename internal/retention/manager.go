package retention

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/models"
)

// ErrPolicyNotFound is returned when a policy id does not exist.
var ErrPolicyNotFound = fmt.Errorf("retention policy not found")

// Config controls the retention manager.
type Config struct {
	Schedule             string // cron spec, e.g. "@hourly"
	ArchiveDir           string
	EncryptKey           string
	DefaultRetentionDays int // hard-delete horizon for events no policy claims
	MaxConcurrentJobs    int
	BatchSize            int
}

// Manager runs archival and purge passes on a cron schedule. Each enabled
// policy produces at most one archival job per pass; failed jobs keep their
// partial progress and are only re-run by operator action.
type Manager struct {
	db   *gorm.DB
	cfg  Config
	Cron *cron.Cron

	sem chan struct{}
	now func() time.Time
}

// New builds a Manager and registers the scheduled pass. Call Start to begin.
func New(db *gorm.DB, cfg Config) (*Manager, error) {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}

	m := &Manager{
		db:   db,
		cfg:  cfg,
		Cron: cron.New(),
		sem:  make(chan struct{}, cfg.MaxConcurrentJobs),
		now:  time.Now,
	}
	if _, err := m.Cron.AddFunc(cfg.Schedule, m.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return m, nil
}

// Start begins the cron schedule.
func (m *Manager) Start() {
	m.Cron.Start()
	logger.Log().Info("retention manager started, schedule " + m.cfg.Schedule)
}

// Stop halts the cron schedule and waits for a running pass to finish.
func (m *Manager) Stop() {
	ctx := m.Cron.Stop()
	<-ctx.Done()
}

// RunOnce executes a full retention pass: one archival job per enabled policy
// that has due events, then the hard-delete purge.
func (m *Manager) RunOnce() {
	policies, err := m.ListPolicies()
	if err != nil {
		logger.Log().Error("retention pass: list policies: " + err.Error())
		return
	}

	var wg sync.WaitGroup
	for i := range policies {
		policy := policies[i]
		if !policy.Enabled || policy.ArchivalDays <= 0 {
			continue
		}
		due, err := m.archivalDue(&policy)
		if err != nil {
			logger.Log().Error("retention pass: policy " + policy.PolicyID + ": " + err.Error())
			continue
		}
		if !due {
			continue
		}
		wg.Add(1)
		m.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-m.sem }()
			if _, err := m.runPolicy(&policy); err != nil {
				logger.Log().Error("archival job for policy " + policy.PolicyID + " failed: " + err.Error())
			}
		}()
	}
	wg.Wait()

	if err := m.PurgeExpired(); err != nil {
		logger.Log().Error("retention purge: " + err.Error())
	}
}

// RunArchival executes an archival job for one policy immediately. This is
// the operator path for re-running a failed job.
func (m *Manager) RunArchival(policyID string) (*models.ArchivalJob, error) {
	var policy models.RetentionPolicy
	if err := m.db.Where("policy_id = ?", policyID).First(&policy).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return m.runPolicy(&policy)
}

// runPolicy creates a job record for the policy and executes it. The job row
// is the durable record of what happened; errors are kept on it.
func (m *Manager) runPolicy(policy *models.RetentionPolicy) (*models.ArchivalJob, error) {
	job := &models.ArchivalJob{
		JobID:    uuid.NewString(),
		PolicyID: policy.PolicyID,
		Status:   models.JobStatusPending,
	}
	if err := m.db.Create(job).Error; err != nil {
		return nil, err
	}

	started := m.now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &started
	m.db.Save(job)

	err := m.archive(job, policy)

	completed := m.now()
	job.CompletedAt = &completed
	if err != nil {
		job.Status = models.JobStatusFailed
		job.Errors = appendError(job.Errors, err.Error())
	} else {
		job.Status = models.JobStatusCompleted
	}
	if saveErr := m.db.Save(job).Error; saveErr != nil {
		logger.Log().Error("persist archival job " + job.JobID + ": " + saveErr.Error())
	}

	logger.WithFields(map[string]interface{}{
		"job_id":    job.JobID,
		"policy_id": policy.PolicyID,
		"status":    job.Status,
		"archived":  job.EventsArchived,
	}).Info("archival job finished")
	return job, err
}

// archivalDue reports whether the policy has un-archived events past its
// archival horizon.
func (m *Manager) archivalDue(policy *models.RetentionPolicy) (bool, error) {
	cutoff := m.now().AddDate(0, 0, -policy.ArchivalDays)
	var count int64
	err := m.policyScope(policy).
		Where("archived = ? AND timestamp < ?", false, cutoff).
		Count(&count).Error
	return count > 0, err
}

// PurgeExpired hard-deletes events past each policy's retention horizon, and
// past the default horizon for events no policy claims.
func (m *Manager) PurgeExpired() error {
	policies, err := m.ListPolicies()
	if err != nil {
		return err
	}
	now := m.now()
	for i := range policies {
		policy := &policies[i]
		if !policy.Enabled || policy.RetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -policy.RetentionDays)
		res := m.policyScope(policy).Where("timestamp < ?", cutoff).Delete(&models.AuditEvent{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			logger.WithFields(map[string]interface{}{
				"policy_id": policy.PolicyID,
				"deleted":   res.RowsAffected,
			}).Info("purged expired audit events")
		}
	}
	if m.cfg.DefaultRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -m.cfg.DefaultRetentionDays)
		if err := m.db.Where("timestamp < ?", cutoff).Delete(&models.AuditEvent{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// policyScope narrows an audit-event query to the policy's selectors. Empty
// selectors match everything.
func (m *Manager) policyScope(policy *models.RetentionPolicy) *gorm.DB {
	q := m.db.Model(&models.AuditEvent{})
	if policy.EventType != "" {
		q = q.Where("event_type = ?", policy.EventType)
	}
	if policy.Severity != "" {
		q = q.Where("severity = ?", policy.Severity)
	}
	return q
}

// SavePolicy validates and upserts a policy by PolicyID.
func (m *Manager) SavePolicy(policy *models.RetentionPolicy) error {
	if policy.PolicyID == "" {
		return fmt.Errorf("policy_id is required")
	}
	if policy.RetentionDays < 0 || policy.ArchivalDays < 0 {
		return fmt.Errorf("policy %s: day horizons must not be negative", policy.PolicyID)
	}
	if policy.ArchivalDays > 0 && policy.RetentionDays > 0 && policy.ArchivalDays > policy.RetentionDays {
		return fmt.Errorf("policy %s: archival_days must not exceed retention_days", policy.PolicyID)
	}

	var existing models.RetentionPolicy
	err := m.db.Where("policy_id = ?", policy.PolicyID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return m.db.Create(policy).Error
	}
	if err != nil {
		return err
	}
	policy.ID = existing.ID
	policy.CreatedAt = existing.CreatedAt
	return m.db.Save(policy).Error
}

// ListPolicies returns all retention policies.
func (m *Manager) ListPolicies() ([]models.RetentionPolicy, error) {
	var policies []models.RetentionPolicy
	if err := m.db.Order("policy_id asc").Find(&policies).Error; err != nil {
		return nil, err
	}
	return policies, nil
}

// ListJobs returns the most recent archival jobs, newest first.
func (m *Manager) ListJobs(limit int) ([]models.ArchivalJob, error) {
	q := m.db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []models.ArchivalJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func appendError(existing, msg string) string {
	if existing == "" {
		return msg
	}
	return strings.Join([]string{existing, msg}, "; ")
}

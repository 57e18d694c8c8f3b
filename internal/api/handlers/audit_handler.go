package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardgate/sentinel/backend/internal/alertnotify"
	"github.com/wardgate/sentinel/backend/internal/audit"
	"github.com/wardgate/sentinel/backend/internal/correlation"
	"github.com/wardgate/sentinel/backend/internal/models"
	"github.com/wardgate/sentinel/backend/internal/monitoring"
	"github.com/wardgate/sentinel/backend/internal/retention"
)

// AuditHandler serves the audit management surface. A single POST endpoint
// dispatches on the "action" field so operators drive everything through one
// route.
type AuditHandler struct {
	trail      *audit.Trail
	correlator *correlation.Correlator
	retention  *retention.Manager
	monitor    *monitoring.Monitor
	notifier   *alertnotify.Service
}

func NewAuditHandler(trail *audit.Trail, correlator *correlation.Correlator, rm *retention.Manager, monitor *monitoring.Monitor, notifier *alertnotify.Service) *AuditHandler {
	return &AuditHandler{trail: trail, correlator: correlator, retention: rm, monitor: monitor, notifier: notifier}
}

type auditRequest struct {
	Action   string                       `json:"action" binding:"required"`
	EventID  string                       `json:"event_id,omitempty"`
	ChainID  string                       `json:"chain_id,omitempty"`
	Format   string                       `json:"format,omitempty"`
	PolicyID string                       `json:"policy_id,omitempty"`
	AlertID  string                       `json:"alert_id,omitempty"`
	Actor    string                       `json:"actor,omitempty"`
	Limit    int                          `json:"limit,omitempty"`
	Filters  audit.QueryFilters           `json:"filters,omitempty"`
	Rule     *correlation.Rule            `json:"rule,omitempty"`
	Policy   *models.RetentionPolicy      `json:"policy,omitempty"`
	Provider *models.NotificationProvider `json:"provider,omitempty"`
}

// Manage handles POST /audit-management.
func (h *AuditHandler) Manage(c *gin.Context) {
	var req auditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}

	switch req.Action {
	case "get_events":
		h.getEvents(c, req)
	case "get_event":
		h.getEvent(c, req)
	case "get_chain":
		h.getChain(c, req)
	case "list_chains":
		h.listChains(c)
	case "verify_integrity":
		h.verifyIntegrity(c, req)
	case "export_events":
		h.exportEvents(c, req)
	case "get_correlations":
		c.JSON(http.StatusOK, gin.H{"rules": h.correlator.Rules()})
	case "get_correlation_stats":
		c.JSON(http.StatusOK, gin.H{"stats": h.correlator.Stats()})
	case "add_correlation_rule":
		h.addCorrelationRule(c, req)
	case "get_retention_policies":
		h.getRetentionPolicies(c)
	case "get_archival_jobs":
		h.getArchivalJobs(c, req)
	case "run_archival":
		h.runArchival(c, req)
	case "save_retention_policy":
		h.saveRetentionPolicy(c, req)
	case "get_notification_providers":
		h.getNotificationProviders(c)
	case "save_notification_provider":
		h.saveNotificationProvider(c, req)
	case "acknowledge_alert":
		h.alertAction(c, req, h.monitor.AcknowledgeAlert)
	case "resolve_alert":
		h.alertAction(c, req, h.monitor.ResolveAlert)
	case "get_audit_metrics":
		c.JSON(http.StatusOK, gin.H{"metrics": h.monitor.CollectMetrics()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
	}
}

func (h *AuditHandler) getEvents(c *gin.Context, req auditRequest) {
	filters := req.Filters
	if filters.Limit <= 0 {
		filters.Limit = 100
	}
	events, err := h.trail.QueryEvents(filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *AuditHandler) getEvent(c *gin.Context, req auditRequest) {
	if req.EventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required"})
		return
	}
	ev, err := h.trail.GetEventByID(req.EventID)
	if err != nil {
		if errors.Is(err, audit.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

func (h *AuditHandler) getChain(c *gin.Context, req auditRequest) {
	if req.EventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required"})
		return
	}
	events, err := h.trail.GetEventChain(req.EventID)
	if err != nil {
		if errors.Is(err, audit.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event chain"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *AuditHandler) listChains(c *gin.Context) {
	chains, err := h.trail.ListChains()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chains"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chains": chains})
}

func (h *AuditHandler) verifyIntegrity(c *gin.Context, req auditRequest) {
	if req.ChainID != "" {
		report, err := h.trail.VerifyChainIntegrity(req.ChainID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reports": []audit.ChainReport{report}})
		return
	}
	reports, err := h.trail.VerifyAllChains()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (h *AuditHandler) exportEvents(c *gin.Context, req auditRequest) {
	format := req.Format
	if format == "" {
		format = "json"
	}
	data, err := h.trail.ExportEvents(format, req.Filters)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch format {
	case "csv":
		c.Header("Content-Disposition", `attachment; filename="audit-events.csv"`)
		c.Data(http.StatusOK, "text/csv", data)
	default:
		c.Data(http.StatusOK, "application/json", data)
	}
}

func (h *AuditHandler) addCorrelationRule(c *gin.Context, req auditRequest) {
	if req.Rule == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule is required"})
		return
	}
	if err := h.correlator.AddRule(*req.Rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "rule added", "rule_id": req.Rule.ID})
}

func (h *AuditHandler) getRetentionPolicies(c *gin.Context) {
	policies, err := h.retention.ListPolicies()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list policies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

func (h *AuditHandler) getArchivalJobs(c *gin.Context, req auditRequest) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	jobs, err := h.retention.ListJobs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *AuditHandler) runArchival(c *gin.Context, req auditRequest) {
	if req.PolicyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "policy_id is required"})
		return
	}
	job, err := h.retention.RunArchival(req.PolicyID)
	if err != nil {
		if errors.Is(err, retention.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archival run failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *AuditHandler) saveRetentionPolicy(c *gin.Context, req auditRequest) {
	if req.Policy == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "policy is required"})
		return
	}
	if err := h.retention.SavePolicy(req.Policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": req.Policy})
}

func (h *AuditHandler) getNotificationProviders(c *gin.Context) {
	providers, err := h.notifier.ListProviders()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list providers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (h *AuditHandler) saveNotificationProvider(c *gin.Context, req auditRequest) {
	if req.Provider == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is required"})
		return
	}
	if err := h.notifier.SaveProvider(req.Provider); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": req.Provider})
}

func (h *AuditHandler) alertAction(c *gin.Context, req auditRequest, fn func(alertID, actor string) (*models.Alert, error)) {
	if req.AlertID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "alert_id is required"})
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = c.ClientIP()
	}
	alert, err := fn(req.AlertID, actor)
	if err != nil {
		if errors.Is(err, monitoring.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

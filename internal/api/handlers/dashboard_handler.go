package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardgate/sentinel/backend/internal/kvstore"
	"github.com/wardgate/sentinel/backend/internal/models"
	"github.com/wardgate/sentinel/backend/internal/monitoring"
	"github.com/wardgate/sentinel/backend/internal/threatintel"
)

// DashboardHandler serves the operator dashboard: live metrics, alerts,
// threat intel counters and rate-limit cluster health.
type DashboardHandler struct {
	monitor *monitoring.Monitor
	threats *threatintel.Aggregator
	store   *kvstore.Store
}

func NewDashboardHandler(monitor *monitoring.Monitor, threats *threatintel.Aggregator, store *kvstore.Store) *DashboardHandler {
	return &DashboardHandler{monitor: monitor, threats: threats, store: store}
}

type dashboardRequest struct {
	Action         string `json:"action" binding:"required"`
	AlertID        string `json:"alert_id,omitempty"`
	Actor          string `json:"actor,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	UnresolvedOnly bool   `json:"unresolved_only,omitempty"`
}

// Dashboard handles POST /security-dashboard.
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	var req dashboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}

	switch req.Action {
	case "get_metrics":
		c.JSON(http.StatusOK, gin.H{"metrics": h.monitor.CollectMetrics()})
	case "get_alerts":
		h.getAlerts(c, req)
	case "get_threat_stats":
		c.JSON(http.StatusOK, gin.H{"stats": h.threats.GetStats()})
	case "get_cluster_health":
		h.getClusterHealth(c)
	case "acknowledge_alert":
		h.alertAction(c, req, h.monitor.AcknowledgeAlert)
	case "resolve_alert":
		h.alertAction(c, req, h.monitor.ResolveAlert)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + req.Action})
	}
}

func (h *DashboardHandler) getAlerts(c *gin.Context, req dashboardRequest) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	alerts, err := h.monitor.ListAlerts(limit, req.UnresolvedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *DashboardHandler) getClusterHealth(c *gin.Context) {
	nodes := h.store.ClusterHealth(c.Request.Context())
	healthy := 0
	for _, n := range nodes {
		if n.Healthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes":    nodes,
		"healthy":  healthy,
		"total":    len(nodes),
		"degraded": h.store.Degraded(),
	})
}

func (h *DashboardHandler) alertAction(c *gin.Context, req dashboardRequest, fn func(alertID, actor string) (*models.Alert, error)) {
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

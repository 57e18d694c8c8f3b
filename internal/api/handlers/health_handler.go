package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wardgate/sentinel/backend/internal/kvstore"
	"github.com/wardgate/sentinel/backend/internal/version"
)

// HealthHandler responds with basic service metadata for uptime checks.
// The rate-limit store's degraded flag is surfaced so load balancers can
// tell a healthy node from one running on local fallback.
func HealthHandler(store *kvstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"service":        version.Name,
			"version":        version.Version,
			"git_commit":     version.GitCommit,
			"build_time":     version.BuildTime,
			"store_degraded": store.Degraded(),
		})
	}
}

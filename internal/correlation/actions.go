package correlation

import (
	"context"

	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/models"
)

// AlertSink receives results whose actions include "alert".
type AlertSink interface {
	RaiseFromCorrelation(result Result)
}

// Notifier delivers external notifications (webhook, email, chat).
type Notifier interface {
	Send(kind, title, message string)
}

// Blocker applies an immediate lockout to the offending identities.
type Blocker interface {
	Lockout(ctx context.Context, email, ip string)
}

// Dispatcher executes the actions attached to a correlation result. It is a
// separate, side-effecting step so detection stays testable without network
// effects.
type Dispatcher struct {
	Alerts   AlertSink
	Notify   Notifier
	Blocking Blocker
}

// Execute runs every configured action for the result against the event
// that triggered it.
func (d *Dispatcher) Execute(ctx context.Context, result Result, ev *models.AuditEvent) {
	for _, action := range result.Actions {
		switch action {
		case "alert":
			if d.Alerts != nil {
				d.Alerts.RaiseFromCorrelation(result)
			}
		case "log":
			logger.WithFields(map[string]interface{}{
				"rule":       result.RuleID,
				"severity":   string(result.Severity),
				"confidence": result.Confidence,
				"events":     len(result.EventIDs),
			}).Warn("correlation triggered: " + result.RuleName)
		case "notify", "webhook", "email":
			if d.Notify != nil {
				d.Notify.Send(action, "Correlation: "+result.RuleName, result.Description)
			}
		case "block":
			if d.Blocking != nil && ev != nil {
				d.Blocking.Lockout(ctx, ev.Actor, ev.IP)
			}
		default:
			logger.WithFields(map[string]interface{}{"rule": result.RuleID, "action": action}).
				Warn("unknown correlation action")
		}
	}
}

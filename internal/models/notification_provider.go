package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationProvider is one external delivery target: a shoutrrr service
// URL (discord, slack, smtp, ...) or a plain JSON webhook. Kinds filters
// which notification kinds the provider receives; empty means all.
type NotificationProvider struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"` // shoutrrr service name or "webhook"
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
	Kinds   string `json:"kinds,omitempty"` // comma-separated: notify,webhook,email

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}

// WantsKind reports whether the provider subscribes to the given kind.
func (n *NotificationProvider) WantsKind(kind string) bool {
	if strings.TrimSpace(n.Kinds) == "" {
		return true
	}
	for _, k := range strings.Split(n.Kinds, ",") {
		if strings.TrimSpace(k) == kind {
			return true
		}
	}
	return false
}

package alertnotify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"
	"time"

	"github.com/containrrr/shoutrrr"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/models"
)

// Service fans alert notifications out to external targets: statically
// configured shoutrrr URLs plus DB-managed providers. Delivery is
// fire-and-forget; a failing target never blocks the caller.
type Service struct {
	db         *gorm.DB
	staticURLs []string
}

// New builds a Service. db may be nil when only static URLs are used.
func New(db *gorm.DB, staticURLs []string) *Service {
	return &Service{db: db, staticURLs: staticURLs}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL rewrites raw discord webhook URLs into shoutrrr form.
func normalizeURL(serviceType, rawURL string) string {
	if serviceType == "discord" {
		matches := discordWebhookRegex.FindStringSubmatch(rawURL)
		if len(matches) == 3 {
			return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
		}
	}
	return rawURL
}

// Send delivers one notification to every subscribed target. kind is the
// action that produced it (notify, webhook, email).
func (s *Service) Send(kind, title, message string) {
	for _, url := range s.staticURLs {
		go s.sendShoutrrr("static", url, title, message)
	}
	if s.db == nil {
		return
	}

	var providers []models.NotificationProvider
	if err := s.db.Where("enabled = ?", true).Find(&providers).Error; err != nil {
		logger.Log().Error("fetch notification providers: " + err.Error())
		return
	}
	for i := range providers {
		p := providers[i]
		if !p.WantsKind(kind) {
			continue
		}
		go func() {
			if p.Type == "webhook" {
				if err := s.sendWebhook(&p, kind, title, message); err != nil {
					logger.Log().Error("webhook to " + p.Name + " failed: " + err.Error())
				}
				return
			}
			s.sendShoutrrr(p.Name, normalizeURL(p.Type, p.URL), title, message)
		}()
	}
}

func (s *Service) sendShoutrrr(name, url, title, message string) {
	// http(s) shoutrrr targets go through the same destination check as
	// webhooks to keep internal addresses unreachable.
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		if _, err := validateTargetURL(url); err != nil {
			logger.Log().Warn("skipping notification target " + name + ": " + err.Error())
			return
		}
	}
	if err := shoutrrr.Send(url, title+"\n\n"+message); err != nil {
		logger.Log().Error("notification to " + name + " failed: " + err.Error())
	}
}

func (s *Service) sendWebhook(p *models.NotificationProvider, kind, title, message string) error {
	u, err := validateTargetURL(p.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"kind":    kind,
		"title":   title,
		"message": message,
		"time":    time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// validateTargetURL enforces http(s) and rejects destinations that resolve to
// private or link-local addresses. Explicit loopback hosts stay allowed for
// local testing.
func validateTargetURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return u, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}

// isPrivateIP reports RFC1918, loopback, link-local and IPv6 ULA addresses.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		}
	}
	if ip.To16() != nil && strings.HasPrefix(ip.String(), "fc") {
		return true
	}
	return false
}

// SaveProvider validates and upserts a provider.
func (s *Service) SaveProvider(p *models.NotificationProvider) error {
	if p.URL == "" {
		return fmt.Errorf("provider url is required")
	}
	if p.Type == "webhook" {
		if _, err := validateTargetURL(p.URL); err != nil {
			return err
		}
	}
	return s.db.Save(p).Error
}

// ListProviders returns all providers.
func (s *Service) ListProviders() ([]models.NotificationProvider, error) {
	var providers []models.NotificationProvider
	err := s.db.Find(&providers).Error
	return providers, err
}

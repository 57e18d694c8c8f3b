package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/wardgate/sentinel/backend/internal/config"
)

// FromConfig builds the enabled sources. A feed is enabled when its URL (and
// key, where the feed needs one) is configured; the static list is enabled
// whenever either list is non-empty.
func FromConfig(cfg *config.Config) []Source {
	client := &http.Client{}
	var sources []Source
	if len(cfg.ThreatAllowList) > 0 || len(cfg.ThreatDenyList) > 0 {
		sources = append(sources, NewStaticListSource(cfg.ThreatAllowList, cfg.ThreatDenyList))
	}
	if cfg.ReputationAPIURL != "" && cfg.ReputationAPIKey != "" {
		sources = append(sources, &reputationSource{apiURL: cfg.ReputationAPIURL, apiKey: cfg.ReputationAPIKey, client: client})
	}
	if cfg.MalwareFeedAPIURL != "" && cfg.MalwareFeedAPIKey != "" {
		sources = append(sources, &malwareFeedSource{apiURL: cfg.MalwareFeedAPIURL, apiKey: cfg.MalwareFeedAPIKey, client: client})
	}
	if cfg.HostIntelAPIURL != "" && cfg.HostIntelAPIKey != "" {
		sources = append(sources, &hostIntelSource{apiURL: cfg.HostIntelAPIURL, apiKey: cfg.HostIntelAPIKey, client: client})
	}
	if cfg.GeoIPAPIURL != "" {
		sources = append(sources, &geoSource{apiURL: cfg.GeoIPAPIURL, client: client})
	}
	return sources
}

// StaticListSource answers from the operator-maintained allow and deny lists.
// Entries are exact IPs or CIDR ranges. The deny list wins when both match.
type StaticListSource struct {
	allow []listEntry
	deny  []listEntry
}

type listEntry struct {
	ip  string
	net *net.IPNet
}

func parseList(entries []string) []listEntry {
	out := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if _, ipnet, err := net.ParseCIDR(e); err == nil {
				out = append(out, listEntry{net: ipnet})
			}
			continue
		}
		out = append(out, listEntry{ip: e})
	}
	return out
}

func NewStaticListSource(allow, deny []string) *StaticListSource {
	return &StaticListSource{allow: parseList(allow), deny: parseList(deny)}
}

func (s *StaticListSource) Name() string { return "static-list" }

func (s *StaticListSource) Lookup(_ context.Context, ip string) (*Data, error) {
	if matchList(s.deny, ip) {
		return &Data{
			Source:     s.Name(),
			Level:      LevelCritical,
			Score:      100,
			Confidence: 100,
			Categories: []string{"denylist"},
		}, nil
	}
	if matchList(s.allow, ip) {
		return &Data{Source: s.Name(), Level: LevelNone, Score: 0, Confidence: 100}, nil
	}
	return nil, nil
}

func matchList(entries []listEntry, ip string) bool {
	parsed := net.ParseIP(ip)
	for _, e := range entries {
		if e.net != nil {
			if parsed != nil && e.net.Contains(parsed) {
				return true
			}
			continue
		}
		if e.ip == ip {
			return true
		}
	}
	return false
}

// reputationSource queries an IP-reputation feed that returns a 0-100 risk
// score plus categories.
type reputationSource struct {
	apiURL string
	apiKey string
	client *http.Client
}

func (s *reputationSource) Name() string { return "reputation" }

func (s *reputationSource) Lookup(ctx context.Context, ip string) (*Data, error) {
	var resp struct {
		Score      float64  `json:"score"`
		Categories []string `json:"categories"`
	}
	if err := fetchJSON(ctx, s.client, s.apiURL, s.apiKey, ip, &resp); err != nil {
		return nil, err
	}
	return &Data{
		Source:     s.Name(),
		Level:      levelFromScore(resp.Score),
		Score:      resp.Score,
		Confidence: 80,
		Categories: resp.Categories,
	}, nil
}

// malwareFeedSource queries an IOC feed for malware infrastructure matches.
type malwareFeedSource struct {
	apiURL string
	apiKey string
	client *http.Client
}

func (s *malwareFeedSource) Name() string { return "malware-feed" }

func (s *malwareFeedSource) Lookup(ctx context.Context, ip string) (*Data, error) {
	var resp struct {
		Matches  int      `json:"matches"`
		Families []string `json:"families"`
	}
	if err := fetchJSON(ctx, s.client, s.apiURL, s.apiKey, ip, &resp); err != nil {
		return nil, err
	}
	data := &Data{Source: s.Name(), Confidence: 90, Categories: resp.Families}
	switch {
	case resp.Matches >= 3:
		data.Level = LevelCritical
		data.Score = 100
	case resp.Matches > 0:
		data.Level = LevelHigh
		data.Score = 80
	default:
		data.Level = LevelNone
		data.Confidence = 70
	}
	return data, nil
}

// hostIntelSource queries a host-intelligence feed reporting abuse history.
type hostIntelSource struct {
	apiURL string
	apiKey string
	client *http.Client
}

func (s *hostIntelSource) Name() string { return "host-intel" }

func (s *hostIntelSource) Lookup(ctx context.Context, ip string) (*Data, error) {
	var resp struct {
		AbuseScore float64 `json:"abuse_score"`
		Reports    int     `json:"reports"`
		LastSeen   string  `json:"last_seen"`
	}
	if err := fetchJSON(ctx, s.client, s.apiURL, s.apiKey, ip, &resp); err != nil {
		return nil, err
	}
	return &Data{
		Source:     s.Name(),
		Level:      levelFromScore(resp.AbuseScore),
		Score:      resp.AbuseScore,
		Confidence: 75,
		Raw:        map[string]interface{}{"reports": resp.Reports, "last_seen": resp.LastSeen},
	}, nil
}

// geoSource applies coarse geolocation heuristics: anonymizing proxies and
// hosting ranges raise the level a notch, nothing more.
type geoSource struct {
	apiURL string
	client *http.Client
}

func (s *geoSource) Name() string { return "geo" }

func (s *geoSource) Lookup(ctx context.Context, ip string) (*Data, error) {
	var resp struct {
		Country        string `json:"country"`
		AnonymousProxy bool   `json:"anonymous_proxy"`
		Hosting        bool   `json:"hosting"`
	}
	if err := fetchJSON(ctx, s.client, s.apiURL, "", ip, &resp); err != nil {
		return nil, err
	}
	data := &Data{
		Source:     s.Name(),
		Level:      LevelNone,
		Confidence: 40,
		Raw:        map[string]interface{}{"country": resp.Country},
	}
	switch {
	case resp.AnonymousProxy:
		data.Level = LevelMedium
		data.Score = 50
		data.Categories = []string{"anonymous-proxy"}
	case resp.Hosting:
		data.Level = LevelLow
		data.Score = 20
		data.Categories = []string{"hosting"}
	}
	return data, nil
}

func levelFromScore(score float64) string {
	switch {
	case score >= 90:
		return LevelCritical
	case score >= 70:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 15:
		return LevelLow
	}
	return LevelNone
}

func fetchJSON(ctx context.Context, client *http.Client, apiURL, apiKey, ip string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"?ip="+url.QueryEscape(ip), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Sentinel-ThreatIntel")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

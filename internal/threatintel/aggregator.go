package threatintel

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/models"
)

// Threat levels, coarsest to worst.
const (
	LevelNone     = "none"
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
	LevelUnknown  = "unknown"
)

var levelRank = map[string]float64{
	LevelNone:     0,
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

func rankLevel(rank float64) string {
	switch {
	case rank >= 3.5:
		return LevelCritical
	case rank >= 2.5:
		return LevelHigh
	case rank >= 1.5:
		return LevelMedium
	case rank >= 0.5:
		return LevelLow
	}
	return LevelNone
}

// Data is one source's contribution to an assessment. Score is a 0-100
// reputation value where higher is worse.
type Data struct {
	Source     string
	Level      string
	Score      float64
	Confidence float64
	Categories []string
	Raw        map[string]interface{}
}

// Assessment is the aggregated threat view for an IP. InsufficientData means
// no source had anything to say; callers must treat that as a low-confidence
// unknown, never as safe.
type Assessment struct {
	IP               string                 `json:"ip"`
	IsThreat         bool                   `json:"is_threat"`
	ThreatLevel      string                 `json:"threat_level"`
	Score            float64                `json:"score"`
	Confidence       float64                `json:"confidence"`
	Sources          []string               `json:"sources"`
	Details          map[string]interface{} `json:"details,omitempty"`
	Recommendations  []string               `json:"recommendations,omitempty"`
	InsufficientData bool                   `json:"insufficient_data,omitempty"`
}

// Source is one threat-intelligence feed. Lookup returns nil Data when the
// source has no opinion on the IP.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*Data, error)
}

const defaultCacheSize = 4096

// Aggregator fans out to every configured source in parallel and merges the
// answers. Assessments are cached with a TTL; sightings are persisted for the
// dashboard when a db is attached.
type Aggregator struct {
	sources       []Source
	cache         *expirable.LRU[string, Assessment]
	sourceTimeout time.Duration
	db            *gorm.DB

	mu      sync.Mutex
	queries int
	hits    int
}

// New builds an Aggregator over the given sources. db may be nil; sightings
// are then not persisted.
func New(db *gorm.DB, sources []Source, cacheTTL, sourceTimeout time.Duration) *Aggregator {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	if sourceTimeout <= 0 {
		sourceTimeout = 5 * time.Second
	}
	return &Aggregator{
		sources:       sources,
		cache:         expirable.NewLRU[string, Assessment](defaultCacheSize, nil, cacheTTL),
		sourceTimeout: sourceTimeout,
		db:            db,
	}
}

// AnalyzeThreat returns the aggregated assessment for an IP. Private and
// loopback addresses short-circuit without touching any source.
func (a *Aggregator) AnalyzeThreat(ctx context.Context, ip string) Assessment {
	a.mu.Lock()
	a.queries++
	a.mu.Unlock()

	if parsed := net.ParseIP(ip); parsed != nil &&
		(parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast()) {
		return Assessment{
			IP:          ip,
			IsThreat:    false,
			ThreatLevel: LevelNone,
			Confidence:  100,
			Sources:     []string{"Private IP"},
		}
	}

	if cached, ok := a.cache.Get(ip); ok {
		a.mu.Lock()
		a.hits++
		a.mu.Unlock()
		return cached
	}

	assessment := a.aggregate(ip, a.collect(ctx, ip))
	a.cache.Add(ip, assessment)
	a.recordSighting(&assessment)
	return assessment
}

// collect queries every source in parallel under a per-source timeout. A
// source that errors or times out contributes nothing.
func (a *Aggregator) collect(ctx context.Context, ip string) []Data {
	results := make(chan *Data, len(a.sources))
	var wg sync.WaitGroup
	for _, src := range a.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
			defer cancel()
			data, err := src.Lookup(srcCtx, ip)
			if err != nil {
				logger.WithFields(map[string]interface{}{
					"source": src.Name(),
					"ip":     ip,
					"error":  err.Error(),
				}).Warn("threat source lookup failed")
				return
			}
			results <- data
		}(src)
	}
	wg.Wait()
	close(results)

	var all []Data
	for data := range results {
		if data != nil {
			all = append(all, *data)
		}
	}
	return all
}

// aggregate merges source contributions: confidence-weighted average of the
// severity levels, plain average of reputation scores.
func (a *Aggregator) aggregate(ip string, contributions []Data) Assessment {
	if len(contributions) == 0 {
		return Assessment{
			IP:               ip,
			IsThreat:         false,
			ThreatLevel:      LevelUnknown,
			Confidence:       10,
			InsufficientData: true,
			Recommendations:  []string{"no intelligence available for this address; continue monitoring"},
		}
	}

	var weightedRank, weightSum, scoreSum, confSum float64
	sources := make([]string, 0, len(contributions))
	details := make(map[string]interface{}, len(contributions))
	for i := range contributions {
		c := &contributions[i]
		weight := c.Confidence
		if weight <= 0 {
			weight = 1
		}
		weightedRank += levelRank[c.Level] * weight
		weightSum += weight
		scoreSum += c.Score
		confSum += c.Confidence
		sources = append(sources, c.Source)
		detail := map[string]interface{}{
			"level":      c.Level,
			"score":      c.Score,
			"confidence": c.Confidence,
		}
		if len(c.Categories) > 0 {
			detail["categories"] = c.Categories
		}
		if c.Raw != nil {
			detail["raw"] = c.Raw
		}
		details[c.Source] = detail
	}

	level := rankLevel(weightedRank / weightSum)
	assessment := Assessment{
		IP:          ip,
		IsThreat:    levelRank[level] >= levelRank[LevelHigh],
		ThreatLevel: level,
		Score:       math.Round(scoreSum/float64(len(contributions))*100) / 100,
		Confidence:  math.Round(confSum/float64(len(contributions))*100) / 100,
		Sources:     sources,
		Details:     details,
	}
	assessment.Recommendations = recommendations(level)
	return assessment
}

func recommendations(level string) []string {
	switch level {
	case LevelCritical:
		return []string{"block this address immediately", "review recent activity from this address"}
	case LevelHigh:
		return []string{"block this address", "investigate associated accounts"}
	case LevelMedium:
		return []string{"require additional verification", "monitor this address closely"}
	case LevelLow:
		return []string{"monitor this address"}
	}
	return nil
}

func (a *Aggregator) recordSighting(assessment *Assessment) {
	if a.db == nil || assessment.InsufficientData {
		return
	}
	rawSources, _ := json.Marshal(assessment.Sources)
	sighting := models.ThreatSighting{
		IP:          assessment.IP,
		ThreatLevel: assessment.ThreatLevel,
		Score:       assessment.Score,
		Confidence:  assessment.Confidence,
		Sources:     string(rawSources),
		Blocked:     assessment.IsThreat,
	}
	if err := a.db.Create(&sighting).Error; err != nil {
		logger.Log().Error("persist threat sighting: " + err.Error())
	}
}

// Stats is the dashboard view of aggregator activity.
type Stats struct {
	Queries      int   `json:"queries"`
	CacheHits    int   `json:"cache_hits"`
	CachedIPs    int   `json:"cached_ips"`
	Sightings    int64 `json:"sightings"`
	BlockedTotal int64 `json:"blocked_total"`
}

// GetStats reports cache counters and persisted sighting totals.
func (a *Aggregator) GetStats() Stats {
	a.mu.Lock()
	stats := Stats{Queries: a.queries, CacheHits: a.hits}
	a.mu.Unlock()
	stats.CachedIPs = a.cache.Len()
	if a.db != nil {
		a.db.Model(&models.ThreatSighting{}).Count(&stats.Sightings)
		a.db.Model(&models.ThreatSighting{}).Where("blocked = ?", true).Count(&stats.BlockedTotal)
	}
	return stats
}

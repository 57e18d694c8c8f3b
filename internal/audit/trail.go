package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wardgate/sentinel/backend/internal/logger"
	"github.com/wardgate/sentinel/backend/internal/metrics"
	"github.com/wardgate/sentinel/backend/internal/models"
)

// genesisHash seeds the previousHash of the first event in every chain.
const genesisHash = "genesis"

const retryQueueSize = 256

// Config holds the trail's cryptographic settings.
type Config struct {
	SignatureKey      string
	HashAlgo          string // "sha256" or "sha512"
	MaxEventsPerChain int
}

// Entry is the caller-supplied portion of an audit event.
type Entry struct {
	EventType string
	Severity  models.Severity
	Actor     string
	Action    string
	Resource  string
	Outcome   models.Outcome
	Details   map[string]interface{}
	IP        string
	UserAgent string
	SessionID string
}

// Trail is the append-only, hash-chained audit log. Appends are serialized
// per active chain; persistence failures are logged and retried in the
// background, never propagated to the caller.
type Trail struct {
	db  *gorm.DB
	cfg Config

	mu       sync.Mutex
	chainID  string
	lastHash string
	count    int

	// onViolation is invoked when verification finds a tampered chain.
	onViolation func(chainID string, index int)

	retry chan retryItem
	stop  chan struct{}
	done  chan struct{}
}

type retryItem struct {
	event    models.AuditEvent
	attempts int
}

// New opens the trail, resuming the latest unfinalized chain or starting a
// fresh one, and starts the background persistence retry worker.
func New(db *gorm.DB, cfg Config) (*Trail, error) {
	if cfg.MaxEventsPerChain <= 0 {
		cfg.MaxEventsPerChain = 1000
	}
	if cfg.HashAlgo == "" {
		cfg.HashAlgo = "sha256"
	}
	if cfg.HashAlgo != "sha256" && cfg.HashAlgo != "sha512" {
		return nil, fmt.Errorf("unsupported hash algorithm %q", cfg.HashAlgo)
	}

	t := &Trail{
		db:    db,
		cfg:   cfg,
		retry: make(chan retryItem, retryQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	var chain models.AuditChain
	err := db.Where("finalized_at IS NULL").Order("created_at desc").First(&chain).Error
	switch {
	case err == nil:
		t.chainID = chain.ChainID
		t.lastHash = chain.LastHash
		t.count = chain.EventCount
	case err == gorm.ErrRecordNotFound:
		if err := t.startChainLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("load active chain: %w", err)
	}

	go t.retryLoop()
	return t, nil
}

// SetViolationHandler registers a callback for integrity violations found
// during verification. Violations are reported, never repaired.
func (t *Trail) SetViolationHandler(fn func(chainID string, index int)) {
	t.onViolation = fn
}

// Close stops the background retry worker.
func (t *Trail) Close() {
	close(t.stop)
	<-t.done
}

func (t *Trail) startChainLocked() error {
	chain := models.AuditChain{
		ChainID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
		LastHash:  genesisHash,
		Integrity: true,
	}
	if err := t.db.Create(&chain).Error; err != nil {
		return fmt.Errorf("create audit chain: %w", err)
	}
	t.chainID = chain.ChainID
	t.lastHash = genesisHash
	t.count = 0
	return nil
}

// RecordEvent appends an event to the active chain and returns its id.
// It never fails the caller: storage errors are queued for background retry.
func (t *Trail) RecordEvent(e Entry) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= t.cfg.MaxEventsPerChain {
		t.rotateLocked()
	}

	details := "{}"
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}
	if !e.Severity.Valid() {
		e.Severity = models.SeverityLow
	}

	ev := models.AuditEvent{
		EventID:      uuid.NewString(),
		ChainID:      t.chainID,
		ChainIndex:   t.count,
		Timestamp:    time.Now().UTC(),
		EventType:    e.EventType,
		Severity:     e.Severity,
		Actor:        e.Actor,
		Action:       e.Action,
		Resource:     e.Resource,
		Outcome:      e.Outcome,
		Details:      details,
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		SessionID:    e.SessionID,
		PreviousHash: t.lastHash,
	}
	ev.Hash = t.eventHash(&ev)
	ev.Signature = t.sign(ev.Hash)

	t.lastHash = chainLink(t.hasher, ev.Hash, ev.PreviousHash)
	t.count++

	if err := t.db.Create(&ev).Error; err != nil {
		logger.WithFields(map[string]interface{}{"event_id": ev.EventID, "error": err.Error()}).
			Error("audit event persistence failed, queued for retry")
		t.enqueueRetry(ev)
	}
	if err := t.db.Model(&models.AuditChain{}).Where("chain_id = ?", t.chainID).
		Updates(map[string]interface{}{"last_hash": t.lastHash, "event_count": t.count}).Error; err != nil {
		logger.WithFields(map[string]interface{}{"chain_id": t.chainID, "error": err.Error()}).
			Error("audit chain update failed")
	}

	metrics.IncAuditEvent()
	return ev.EventID
}

// rotateLocked finalizes the active chain and starts a new one. The rotated
// chain is verified once so its stored integrity flag reflects its state at
// finalization, then becomes read-only.
func (t *Trail) rotateLocked() {
	now := time.Now().UTC()
	ok, _, err := t.verifyChain(t.chainID)
	if err != nil {
		logger.WithFields(map[string]interface{}{"chain_id": t.chainID, "error": err.Error()}).
			Error("verify chain at rotation failed")
		ok = true // storage error, not evidence of tampering
	}
	if err := t.db.Model(&models.AuditChain{}).Where("chain_id = ?", t.chainID).
		Updates(map[string]interface{}{"finalized_at": now, "integrity": ok}).Error; err != nil {
		logger.WithFields(map[string]interface{}{"chain_id": t.chainID, "error": err.Error()}).
			Error("finalize audit chain failed")
	}
	if err := t.startChainLocked(); err != nil {
		// Keep appending to the old chain rather than dropping events.
		logger.WithFields(map[string]interface{}{"error": err.Error()}).
			Error("start new audit chain failed")
	}
}

func (t *Trail) hasher() hash.Hash {
	if t.cfg.HashAlgo == "sha512" {
		return sha512.New()
	}
	return sha256.New()
}

// eventHash computes the deterministic digest over every immutable field,
// previousHash included.
func (t *Trail) eventHash(ev *models.AuditEvent) string {
	return digest(t.hasher, canonical(ev))
}

func (t *Trail) sign(hash string) string {
	mac := hmac.New(t.hasher, []byte(t.cfg.SignatureKey))
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonical(ev *models.AuditEvent) string {
	return strings.Join([]string{
		ev.EventID,
		ev.ChainID,
		strconv.Itoa(ev.ChainIndex),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.EventType,
		string(ev.Severity),
		ev.Actor,
		ev.Action,
		ev.Resource,
		string(ev.Outcome),
		ev.Details,
		ev.IP,
		ev.UserAgent,
		ev.SessionID,
		ev.PreviousHash,
	}, "|")
}

func digest(newHash func() hash.Hash, data string) string {
	h := newHash()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// chainLink binds an event to its predecessor; the next event's
// previousHash and the chain's lastHash both take this value.
func chainLink(newHash func() hash.Hash, eventHash, previousHash string) string {
	return digest(newHash, eventHash+"|"+previousHash)
}

func (t *Trail) enqueueRetry(ev models.AuditEvent) {
	select {
	case t.retry <- retryItem{event: ev}:
	default:
		logger.WithFields(map[string]interface{}{"event_id": ev.EventID}).
			Error("audit retry queue full, event dropped from retry (still chained)")
	}
}

func (t *Trail) retryLoop() {
	defer close(t.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var pending []retryItem
	for {
		select {
		case <-t.stop:
			return
		case item := <-t.retry:
			pending = append(pending, item)
		case <-ticker.C:
			var still []retryItem
			for _, item := range pending {
				if err := t.db.Create(&item.event).Error; err != nil {
					item.attempts++
					if item.attempts < 10 {
						still = append(still, item)
					} else {
						logger.WithFields(map[string]interface{}{"event_id": item.event.EventID}).
							Error("audit event dropped after repeated persistence failures")
					}
				}
			}
			pending = still
		}
	}
}

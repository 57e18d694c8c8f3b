package retention

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wardgate/sentinel/backend/internal/models"
)

// archive moves the policy's due events to cold storage in bounded batches.
// The archive is JSON lines, optionally gzip-compressed and encrypted. Events
// are marked archived only after the file is durably written; originals are
// deleted only when the policy says so.
func (m *Manager) archive(job *models.ArchivalJob, policy *models.RetentionPolicy) error {
	cutoff := m.now().AddDate(0, 0, -policy.ArchivalDays)

	var buf bytes.Buffer
	var enc *json.Encoder
	var gz *gzip.Writer
	if policy.Compress {
		gz = gzip.NewWriter(&buf)
		enc = json.NewEncoder(gz)
	} else {
		enc = json.NewEncoder(&buf)
	}

	var archivedIDs []uint
	for {
		var batch []models.AuditEvent
		err := m.policyScope(policy).
			Where("archived = ? AND timestamp < ?", false, cutoff).
			Order("timestamp asc").
			Limit(m.cfg.BatchSize).
			Offset(len(archivedIDs)).
			Find(&batch).Error
		if err != nil {
			return fmt.Errorf("fetch archival batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			job.EventsProcessed++
			if err := enc.Encode(&batch[i]); err != nil {
				return fmt.Errorf("encode event %s: %w", batch[i].EventID, err)
			}
			archivedIDs = append(archivedIDs, batch[i].ID)
		}
	}
	if len(archivedIDs) == 0 {
		return nil
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("finish compression: %w", err)
		}
	}

	data := buf.Bytes()
	if policy.Encrypt {
		if m.cfg.EncryptKey == "" {
			return fmt.Errorf("policy %s requires encryption but no archive key is configured", policy.PolicyID)
		}
		sealed, err := sealArchive(data, m.cfg.EncryptKey)
		if err != nil {
			return fmt.Errorf("encrypt archive: %w", err)
		}
		data = sealed
	}

	path, err := m.writeArchive(policy, data)
	if err != nil {
		return err
	}
	job.ArchivePath = path

	if err := m.db.Model(&models.AuditEvent{}).
		Where("id IN ?", archivedIDs).
		Update("archived", true).Error; err != nil {
		return fmt.Errorf("mark events archived: %w", err)
	}
	job.EventsArchived = len(archivedIDs)

	if policy.DeleteAfterArchive {
		if err := m.db.Where("id IN ?", archivedIDs).Delete(&models.AuditEvent{}).Error; err != nil {
			return fmt.Errorf("delete archived originals: %w", err)
		}
	}
	return nil
}

func (m *Manager) writeArchive(policy *models.RetentionPolicy, data []byte) (string, error) {
	dir := policy.Location
	if dir == "" {
		dir = m.cfg.ArchiveDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure archive directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.jsonl", policy.PolicyID, m.now().UTC().Format("20060102T150405"))
	if policy.Compress {
		name += ".gz"
	}
	if policy.Encrypt {
		name += ".enc"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write archive %s: %w", path, err)
	}
	return path, nil
}

// sealArchive encrypts with XChaCha20-Poly1305; the random nonce is prefixed
// to the ciphertext.
func sealArchive(data []byte, key string) ([]byte, error) {
	k := sha256.Sum256([]byte(key))
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// OpenArchive decrypts an archive written with an Encrypt policy.
func OpenArchive(data []byte, key string) ([]byte, error) {
	k := sha256.Sum256([]byte(key))
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("archive too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

package audit

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// envelope wraps one encrypted audit line. Plaintext lines are raw
// AuditLogEntry JSON, so the two are distinguishable by the "v" field.
type envelope struct {
	V    int    `json:"v"`
	Data string `json:"data"`
}

// Logger writes an append-only JSON-lines audit trail with optional
// per-line AES-256-GCM encryption and size-triggered rotation.
type Logger struct {
	mu         sync.Mutex
	path       string
	key        []byte
	maxSize    int64
	maxBackups int
	retention  time.Duration
	sweepEvery time.Duration
	log        *logger.Logger
}

// New creates an audit logger. An empty encryption key selects plaintext
// lines.
func New(cfg config.AuditConfig, log *logger.Logger) *Logger {
	a := &Logger{
		path:       cfg.Path,
		maxSize:    cfg.MaxSizeBytes,
		maxBackups: cfg.MaxBackups,
		retention:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		sweepEvery: time.Duration(cfg.SweepInterval) * time.Second,
		log:        log,
	}
	if cfg.EncryptionKey != "" {
		keyBytes := sha256.Sum256([]byte(cfg.EncryptionKey))
		a.key = keyBytes[:]
	}
	return a
}

// Record assigns the entry an id and timestamp and appends it. Audit
// write failures are logged, never surfaced to the request path.
func (a *Logger) Record(entry types.AuditLogEntry) {
	entry.ID = uuid.New().String()
	entry.Timestamp = time.Now().UTC()

	line, err := a.encode(entry)
	if err != nil {
		a.log.WithComponent("audit").WithError(err).Error("Failed to encode audit entry")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.rotateLocked(int64(len(line) + 1)); err != nil {
		a.log.WithComponent("audit").WithError(err).Warn("Audit rotation failed")
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		a.log.WithComponent("audit").WithError(err).Error("Failed to open audit log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		a.log.WithComponent("audit").WithError(err).Error("Failed to append audit entry")
	}
}

// Read returns up to limit entries from the active log, newest last,
// decrypting encrypted lines transparently. limit <= 0 returns all.
func (a *Logger) Read(limit int) ([]types.AuditLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.AuditLogEntry{}, nil
		}
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to open audit log", err)
	}
	defer f.Close()

	var entries []types.AuditLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		entry, err := a.decode(scanner.Bytes())
		if err != nil {
			a.log.WithComponent("audit").WithError(err).Warn("Skipping unreadable audit line")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to read audit log", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []types.AuditLogEntry{}
	}
	return entries, nil
}

// RunSweeper periodically deletes rotated backups older than the
// retention window. Blocks until the context is canceled.
func (a *Logger) RunSweeper(ctx context.Context) {
	if a.retention <= 0 || a.sweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Logger) sweep() {
	cutoff := time.Now().Add(-a.retention)
	for i := 1; i <= a.maxBackups; i++ {
		backup := fmt.Sprintf("%s.%d", a.path, i)
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(backup); err != nil {
				a.log.WithComponent("audit").WithError(err).Warn("Failed to remove expired audit backup")
			} else {
				a.log.WithComponent("audit").WithField("file", backup).Info("Removed expired audit backup")
			}
		}
	}
}

// rotateLocked shifts the active log into numbered backups when the next
// append would cross the size threshold. The oldest backup is dropped.
func (a *Logger) rotateLocked(incoming int64) error {
	if a.maxSize <= 0 {
		return nil
	}
	info, err := os.Stat(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size()+incoming <= a.maxSize {
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", a.path, a.maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := a.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", a.path, i)
		to := fmt.Sprintf("%s.%d", a.path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(a.path, a.path+".1")
}

func (a *Logger) encode(entry types.AuditLogEntry) ([]byte, error) {
	plain, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if a.key == nil {
		return plain, nil
	}

	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return json.Marshal(envelope{V: 1, Data: base64.StdEncoding.EncodeToString(sealed)})
}

func (a *Logger) decode(line []byte) (types.AuditLogEntry, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err == nil && env.V == 1 {
		if a.key == nil {
			return types.AuditLogEntry{}, fmt.Errorf("encrypted audit line but no key configured")
		}
		sealed, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return types.AuditLogEntry{}, err
		}
		block, err := aes.NewCipher(a.key)
		if err != nil {
			return types.AuditLogEntry{}, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return types.AuditLogEntry{}, err
		}
		if len(sealed) < gcm.NonceSize() {
			return types.AuditLogEntry{}, fmt.Errorf("audit line too short")
		}
		plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
		if err != nil {
			return types.AuditLogEntry{}, fmt.Errorf("failed to decrypt audit line: %w", err)
		}
		var entry types.AuditLogEntry
		if err := json.Unmarshal(plain, &entry); err != nil {
			return types.AuditLogEntry{}, err
		}
		return entry, nil
	}

	var entry types.AuditLogEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return types.AuditLogEntry{}, err
	}
	return entry, nil
}

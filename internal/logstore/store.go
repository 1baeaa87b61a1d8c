// Package logstore persists each session's message log as an append-only
// JSONL file with a running integrity digest. One directory per session under
// <data>/sessions/<id>; the registry keeps its state document in the same
// directory.
package logstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/message"
)

const (
	logFileName    = "messages.jsonl"
	digestFileName = "messages.digest"
	trashDirName   = "trash"

	deleteAttempts   = 5
	deleteRetryDelay = 100 * time.Millisecond
)

// digestDoc is the integrity chain document stored beside the log.
// chain_n = SHA-256(hex(chain_{n-1}) || line_n) over appended lines.
type digestDoc struct {
	Count int    `json:"count"`
	Chain string `json:"chain"`
}

// Store owns all session message logs under one data directory. Appends to a
// session are serialised by a per-session mutex so records land in strict
// submission order.
type Store struct {
	dataDir string
	logger  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at dataDir. The sessions directory is created
// eagerly so startup fails fast on an unwritable data dir.
func New(dataDir string, log *logger.Logger) (*Store, error) {
	root := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.IOError("failed to create sessions directory", err)
	}
	s := &Store{
		dataDir: dataDir,
		logger:  log.WithFields(zap.String("component", "logstore")),
		locks:   make(map[string]*sync.Mutex),
	}
	s.sweepTrash()
	return s, nil
}

// sweepTrash removes directories a prior Delete had to move aside because
// something still held their files open. Whatever held them is gone now.
func (s *Store) sweepTrash() {
	trash := filepath.Join(s.dataDir, trashDirName)
	entries, err := os.ReadDir(trash)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(trash, e.Name())); err != nil {
			s.logger.Warn("failed to sweep trashed session directory",
				zap.String("entry", e.Name()), zap.Error(err))
		}
	}
}

// SessionDir returns the on-disk directory for a session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID)
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// Append writes one envelope to the session log. The write is retried once on
// IO failure; a second failure surfaces as IOError and the caller decides the
// session's fate. Digest maintenance is best-effort and never fails the append.
func (s *Store) Append(sessionID string, env *message.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return apperrors.Internal("failed to marshal envelope", err)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.IOError("failed to create session directory", err)
	}

	if err := s.appendLine(dir, line); err != nil {
		s.logger.Warn("log append failed, retrying once",
			zap.String("session_id", sessionID), zap.Error(err))
		if err = s.appendLine(dir, line); err != nil {
			return apperrors.IOError("failed to append message", err)
		}
	}

	s.updateDigest(sessionID, dir, line)
	return nil
}

func (s *Store) appendLine(dir string, line []byte) error {
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// updateDigest extends the integrity chain. Failures are logged and dropped:
// integrity metadata must never block writes or reads.
func (s *Store) updateDigest(sessionID, dir string, line []byte) {
	path := filepath.Join(dir, digestFileName)

	doc := digestDoc{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			s.logger.Warn("digest document unreadable, restarting chain",
				zap.String("session_id", sessionID), zap.Error(err))
			doc = digestDoc{}
		}
	}

	doc.Chain = chainStep(doc.Chain, line)
	doc.Count++

	data, err := json.Marshal(&doc)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("failed to write digest document",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func chainStep(prev string, line []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(line)
	return hex.EncodeToString(h.Sum(nil))
}

// Read returns envelopes [offset, offset+limit) in append order along with
// the total count of readable records and whether more follow. limit <= 0
// means "the rest". Malformed lines are skipped with a warning, never fatal.
func (s *Store) Read(sessionID string, offset, limit int) ([]*message.Envelope, int, bool, error) {
	all, err := s.readAll(sessionID)
	if err != nil {
		return nil, 0, false, err
	}

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*message.Envelope{}, total, false, nil
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, end < total, nil
}

// Count returns the number of readable records in the session log.
func (s *Store) Count(sessionID string) (int, error) {
	all, err := s.readAll(sessionID)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Store) readAll(sessionID string) ([]*message.Envelope, error) {
	dir := s.SessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.IOError("failed to stat session directory", err)
	}

	f, err := os.Open(filepath.Join(dir, logFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Session exists but nothing has been appended yet
			return []*message.Envelope{}, nil
		}
		return nil, apperrors.IOError("failed to open message log", err)
	}
	defer f.Close()

	var (
		envelopes []*message.Envelope
		skipped   int
		lineNo    int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env message.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			skipped++
			s.logger.Warn("skipping malformed log line",
				zap.String("session_id", sessionID),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		envelopes = append(envelopes, &env)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.IOError("failed to read message log", err)
	}

	if skipped > 0 {
		s.logger.Warn("message log contained malformed lines",
			zap.String("session_id", sessionID), zap.Int("skipped", skipped))
	}
	if envelopes == nil {
		envelopes = []*message.Envelope{}
	}
	return envelopes, nil
}

// Verify recomputes the digest chain over the log and compares it with the
// stored document. A mismatch is a warning for operators, never an error:
// reads stay available regardless.
func (s *Store) Verify(sessionID string) (bool, string, error) {
	dir := s.SessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "", apperrors.NotFound("session", sessionID)
		}
		return false, "", apperrors.IOError("failed to stat session directory", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, digestFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, "no digest recorded", nil
		}
		return false, "", apperrors.IOError("failed to read digest document", err)
	}
	var doc digestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, "digest document unreadable", nil
	}

	f, err := os.Open(filepath.Join(dir, logFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if doc.Count == 0 {
				return true, "", nil
			}
			return false, "digest records entries but log is missing", nil
		}
		return false, "", apperrors.IOError("failed to open message log", err)
	}
	defer f.Close()

	chain := ""
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chain = chainStep(chain, line)
		count++
	}
	if err := scanner.Err(); err != nil {
		return false, "", apperrors.IOError("failed to read message log", err)
	}

	if count != doc.Count || chain != doc.Chain {
		msg := fmt.Sprintf("digest mismatch: log has %d records, digest covers %d", count, doc.Count)
		s.logger.Warn("log integrity verification failed",
			zap.String("session_id", sessionID), zap.String("detail", msg))
		return false, msg, nil
	}
	return true, "", nil
}

// Delete removes the session directory. Open handles can block removal on
// some platforms, so failures are retried with increasing delay before the
// error is surfaced.
func (s *Store) Delete(sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.SessionDir(sessionID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return apperrors.NotFound("session", sessionID)
	}

	var lastErr error
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		lastErr = os.RemoveAll(dir)
		if lastErr == nil {
			s.mu.Lock()
			delete(s.locks, sessionID)
			s.mu.Unlock()
			return nil
		}
		s.logger.Warn("session directory removal failed",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		time.Sleep(time.Duration(attempt) * deleteRetryDelay)
	}

	// Removal can stay blocked on platforms where open handles pin files
	// (Windows). Renaming usually still succeeds there, so move the directory
	// out of the live namespace and let the next startup sweep it.
	trash := filepath.Join(s.dataDir, trashDirName)
	if err := os.MkdirAll(trash, 0o755); err == nil {
		dest := filepath.Join(trash, fmt.Sprintf("%s-%d", sessionID, time.Now().UnixNano()))
		if err := os.Rename(dir, dest); err == nil {
			s.logger.Warn("session directory moved aside for deferred removal",
				zap.String("session_id", sessionID),
				zap.String("dest", dest),
				zap.Error(lastErr))
			s.mu.Lock()
			delete(s.locks, sessionID)
			s.mu.Unlock()
			go os.RemoveAll(dest)
			return nil
		}
	}
	return apperrors.IOError(
		fmt.Sprintf("failed to delete session directory after %d attempts", deleteAttempts), lastErr)
}

// Sessions lists the session ids present on disk.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "sessions"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.IOError("failed to list sessions directory", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

const stateFileName = "state.json"

// Store persists session rows under <data>/sessions/<id>/state.json. Every
// mutation goes through a per-session lock and a whole-document atomic write
// (temp file + rename), so a crash never leaves a half-written row.
type Store struct {
	dataDir string
	logger  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a registry store rooted at dataDir.
func New(dataDir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0o755); err != nil {
		return nil, apperrors.IOError("failed to create sessions directory", err)
	}
	return &Store{
		dataDir: dataDir,
		logger:  log.WithFields(zap.String("component", "registry")),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.dataDir, "sessions", id, stateFileName)
}

// Create persists a new session row. Missing fields get their defaults: a
// fresh uuid, the creation timestamp as name, state created, mode default.
func (s *Store) Create(session *Session) (*Session, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.LastActiveAt = session.CreatedAt
	if session.Name == "" {
		session.Name = session.CreatedAt.Format("2006-01-02 15:04:05")
	}
	if session.State == "" {
		session.State = StateCreated
	}
	if session.PermissionMode == "" {
		session.PermissionMode = "default"
	}

	lock := s.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.statePath(session.ID)); err == nil {
		return nil, apperrors.Precondition("session already exists: " + session.ID)
	}
	if err := s.write(session); err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// Get returns a copy of the session row.
func (s *Store) Get(id string) (*Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	return s.read(id)
}

// List returns all session rows sorted by creation time, newest first.
// Unreadable state documents are skipped with a warning.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "sessions"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.IOError("failed to list sessions directory", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		session, err := s.Get(e.Name())
		if err != nil {
			if apperrors.IsNotFound(err) {
				// Directory without a state document (partially deleted)
				continue
			}
			s.logger.Warn("skipping unreadable session row",
				zap.String("session_id", e.Name()), zap.Error(err))
			continue
		}
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// UpdateState transitions the session's state. Leaving the processing states
// clears is_processing so the invariant holds at every writer.
func (s *Store) UpdateState(id, state string) (*Session, error) {
	if !ValidState(state) {
		return nil, apperrors.Precondition("invalid session state: " + state)
	}
	return s.update(id, func(session *Session) {
		session.State = state
		if !ProcessingAllowed(state) {
			session.IsProcessing = false
		}
		if state == StateError || state == StateTerminated {
			// Terminal for this agent instance
			return
		}
		session.LastError = nil
	})
}

// BeginProcessing atomically claims the session's turn: the busy check and
// the flag set happen under the session lock, so concurrent senders cannot
// both pass. The winner's row moves to processing.
func (s *Store) BeginProcessing(id string) (*Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if session.IsProcessing {
		return nil, apperrors.Precondition("session is processing a previous message")
	}
	switch session.State {
	case StateStarting, StateActive:
	default:
		return nil, apperrors.Precondition("session cannot accept messages in state " + session.State)
	}
	session.State = StateProcessing
	session.IsProcessing = true
	session.LastError = nil
	session.LastActiveAt = time.Now().UTC()
	if err := s.write(session); err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// UpdateProcessing sets the authoritative is_processing flag. Setting it true
// in a state that cannot process is a precondition error.
func (s *Store) UpdateProcessing(id string, processing bool) (*Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if processing && !ProcessingAllowed(session.State) {
		return nil, apperrors.Precondition("session cannot process in state " + session.State)
	}
	session.IsProcessing = processing
	session.LastActiveAt = time.Now().UTC()
	if err := s.write(session); err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// UpdateName renames the session.
func (s *Store) UpdateName(id, name string) (*Session, error) {
	return s.update(id, func(session *Session) {
		session.Name = name
	})
}

// UpdatePermissionMode records the session's permission mode.
func (s *Store) UpdatePermissionMode(id, mode string) (*Session, error) {
	return s.update(id, func(session *Session) {
		session.PermissionMode = mode
	})
}

// UpdateToolsAllowlist replaces the session's pre-approved tool set.
func (s *Store) UpdateToolsAllowlist(id string, tools []string) (*Session, error) {
	return s.update(id, func(session *Session) {
		session.ToolsAllowlist = append([]string(nil), tools...)
	})
}

// AddDirectory records an additional working directory granted by an applied
// permission suggestion; it is passed to the agent on the next start.
func (s *Store) AddDirectory(id, path string) (*Session, error) {
	return s.update(id, func(session *Session) {
		for _, existing := range session.AddedDirectories {
			if existing == path {
				return
			}
		}
		session.AddedDirectories = append(session.AddedDirectories, path)
	})
}

// UpdateAgentSessionID stores the agent's native session id for resumption.
func (s *Store) UpdateAgentSessionID(id, agentSessionID string) (*Session, error) {
	return s.update(id, func(session *Session) {
		session.AgentSessionID = agentSessionID
	})
}

// UpdateLastError records the most recent fatal failure.
func (s *Store) UpdateLastError(id string, lastErr *LastError) (*Session, error) {
	return s.update(id, func(session *Session) {
		session.LastError = lastErr
	})
}

// Touch refreshes last_active_at.
func (s *Store) Touch(id string) error {
	_, err := s.update(id, func(session *Session) {})
	return err
}

// Delete removes the state document. The session directory itself (message
// log included) is the log store's to remove.
func (s *Store) Delete(id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.statePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.NotFound("session", id)
		}
		return apperrors.IOError("failed to delete session state", err)
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// Reconcile restores invariants at startup, before any adapter exists: no
// session can be processing, and transient states collapse to paused so the
// next start must be explicit. Error and terminated rows keep their state.
func (s *Store) Reconcile() error {
	sessions, err := s.List()
	if err != nil {
		return err
	}
	for _, session := range sessions {
		needsWrite := session.IsProcessing
		newState := session.State
		switch session.State {
		case StateStarting, StateProcessing, StateActive:
			newState = StatePaused
			needsWrite = true
		}
		if !needsWrite {
			continue
		}
		s.logger.Info("reconciling session at startup",
			zap.String("session_id", session.ID),
			zap.String("from", session.State),
			zap.String("to", newState),
			zap.Bool("was_processing", session.IsProcessing))
		if _, err := s.update(session.ID, func(row *Session) {
			row.IsProcessing = false
			row.State = newState
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) update(id string, mutate func(*Session)) (*Session, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.read(id)
	if err != nil {
		return nil, err
	}
	mutate(session)
	session.LastActiveAt = time.Now().UTC()
	if err := s.write(session); err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

func (s *Store) read(id string) (*Session, error) {
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.IOError("failed to read session state", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, apperrors.IOError("failed to decode session state", err)
	}
	return &session, nil
}

// write persists the row atomically. A failed write is retried once before
// the IOError escapes to the coordinator.
func (s *Store) write(session *Session) error {
	if err := s.writeOnce(session); err != nil {
		s.logger.Warn("session state write failed, retrying once",
			zap.String("session_id", session.ID), zap.Error(err))
		if err = s.writeOnce(session); err != nil {
			return apperrors.IOError("failed to write session state", err)
		}
	}
	return nil
}

func (s *Store) writeOnce(session *Session) error {
	dir := filepath.Join(s.dataDir, "sessions", session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, stateFileName+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, stateFileName))
}

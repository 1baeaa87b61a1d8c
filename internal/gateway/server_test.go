package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/db/dialect"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/message"
	"github.com/agentdeck/agentdeck/internal/project"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/session"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// stubService is a canned-data SessionService.
type stubService struct {
	mu        sync.Mutex
	sessions  map[string]*registry.Session
	sent      []string
	responded []string
}

func newStubService() *stubService {
	return &stubService{sessions: make(map[string]*registry.Session)}
}

func (s *stubService) add(sess *registry.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *stubService) Create(_ context.Context, projectID string, opts session.CreateOptions) (*registry.Session, error) {
	sess := &registry.Session{
		ID: "new-session", ProjectID: projectID, Name: opts.Name,
		State: registry.StateCreated, PermissionMode: "default",
		CreatedAt: time.Now().UTC(), LastActiveAt: time.Now().UTC(),
	}
	s.add(sess)
	return sess, nil
}

func (s *stubService) Get(_ context.Context, id string) (*registry.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return nil, apperrors.NotFound("session", id)
}

func (s *stubService) List(_ context.Context) ([]*registry.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registry.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *stubService) UpdateName(ctx context.Context, id, name string) (*registry.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Name = name
	return sess, nil
}

func (s *stubService) SetPermissionMode(ctx context.Context, id, mode string) (*registry.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.PermissionMode = mode
	return sess, nil
}

func (s *stubService) Start(ctx context.Context, id string) (*registry.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.State = registry.StateActive
	return sess, nil
}

func (s *stubService) Send(ctx context.Context, id, text string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubService) Interrupt(ctx context.Context, id string) error {
	_, err := s.Get(ctx, id)
	return err
}

func (s *stubService) RespondPermission(_ context.Context, _, requestID string, _ session.PermissionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responded = append(s.responded, requestID)
	return nil
}

func (s *stubService) Terminate(ctx context.Context, id string) (*registry.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.State = registry.StateTerminated
	return sess, nil
}

func (s *stubService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *stubService) ListMessages(ctx context.Context, id string, offset, limit int) ([]*message.Envelope, int, bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, 0, false, err
	}
	return []*message.Envelope{message.New(message.TypeUser, "", "hi", nil)}, 1, false, nil
}

func (s *stubService) ToolCalls(ctx context.Context, id string) ([]*message.ToolCall, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *stubService) sentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type gatewayHarness struct {
	server  *Server
	service *stubService
	bus     *bus.MemoryEventBus
	ts      *httptest.Server
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	writerConn, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	readerConn, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writerConn, dialect.SQLite3), sqlx.NewDb(readerConn, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })
	projects, err := project.NewRepository(pool)
	require.NoError(t, err)

	service := newStubService()
	eventBus := bus.NewMemoryEventBus(log)
	server := New(service, projects, eventBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Run(ctx)

	ts := httptest.NewServer(server.Router(false))
	t.Cleanup(ts.Close)

	return &gatewayHarness{server: server, service: service, bus: eventBus, ts: ts}
}

func (h *gatewayHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorilla.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == "ping" {
			continue
		}
		return frame
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newGatewayHarness(t)
	resp, err := http.Get(h.ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionRESTRoundTrip(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", Name: "demo", State: registry.StateActive})

	resp, err := http.Get(h.ts.URL + "/api/v1/sessions/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess v1.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, registry.StateActive, sess.State)
}

func TestSessionNotFoundStatus(t *testing.T) {
	h := newGatewayHarness(t)
	resp, err := http.Get(h.ts.URL + "/api/v1/sessions/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMessagesEndpoint(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", State: registry.StateActive})

	resp, err := http.Get(h.ts.URL + "/api/v1/sessions/s1/messages?offset=0&limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page v1.MessagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Content)

	// Out-of-range limits clamp to the default, echoed back so clients see
	// the effective page size.
	resp2, err := http.Get(h.ts.URL + "/api/v1/sessions/s1/messages?limit=-1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&page))
	assert.Equal(t, defaultMessagePageSize, page.Limit)
}

func TestSessionChannelConfirmsConnection(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", State: registry.StateActive})

	conn := dial(t, h.wsURL("/ws/sessions/s1"))
	frame := readFrame(t, conn)
	assert.Equal(t, v1.FrameConnectionConfirmed, frame["type"])
	assert.Equal(t, "s1", frame["session_id"])
}

func TestSessionChannelUnknownSessionCloses4404(t *testing.T) {
	h := newGatewayHarness(t)

	conn := dial(t, h.wsURL("/ws/sessions/nope"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*gorilla.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, v1.CloseSessionNotFound, closeErr.Code)
}

func TestSessionChannelErroredSessionCloses4003(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", State: registry.StateError})

	conn := dial(t, h.wsURL("/ws/sessions/s1"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*gorilla.CloseError)
	require.True(t, ok)
	assert.Equal(t, v1.CloseSessionErrored, closeErr.Code)
}

func TestSendMessageFrameReachesService(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", State: registry.StateActive})

	conn := dial(t, h.wsURL("/ws/sessions/s1"))
	readFrame(t, conn) // connection_confirmed

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":    v1.FrameSendMessage,
		"content": "hello",
	}))

	require.Eventually(t, func() bool {
		sent := h.service.sentMessages()
		return len(sent) == 1 && sent[0] == "hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameDropped(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", State: registry.StateActive})

	conn := dial(t, h.wsURL("/ws/sessions/s1"))
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("not json")))

	// Connection survives and still relays frames
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":    v1.FrameSendMessage,
		"content": "after garbage",
	}))
	require.Eventually(t, func() bool {
		return len(h.service.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnvelopeEventFansOutToSessionChannel(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", State: registry.StateActive})

	conn := dial(t, h.wsURL("/ws/sessions/s1"))
	readFrame(t, conn)

	env := message.New(message.TypeAssistant, "", "streamed text", nil)
	data, err := events.ToMap(struct {
		SessionID string            `json:"session_id"`
		Envelope  *message.Envelope `json:"envelope"`
	}{"s1", env})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(),
		events.BuildEnvelopeSubject("s1"),
		bus.NewEvent(events.SessionEnvelope, "test", data)))

	frame := readFrame(t, conn)
	assert.Equal(t, v1.FrameMessage, frame["type"])
	envelope := frame["envelope"].(map[string]any)
	assert.Equal(t, "streamed text", envelope["content"])
}

func TestUIChannelSendsSessionList(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", Name: "demo", State: registry.StatePaused})

	conn := dial(t, h.wsURL("/ws/ui"))
	frame := readFrame(t, conn)
	assert.Equal(t, v1.FrameSessionList, frame["type"])
	sessions := frame["sessions"].([]any)
	require.Len(t, sessions, 1)
}

func TestStateEventReachesUIChannel(t *testing.T) {
	h := newGatewayHarness(t)
	h.service.add(&registry.Session{ID: "s1", State: registry.StateActive})

	conn := dial(t, h.wsURL("/ws/ui"))
	readFrame(t, conn) // session_list

	data, err := events.ToMap(map[string]any{
		"session_id":    "s1",
		"state":         registry.StateProcessing,
		"is_processing": true,
	})
	require.NoError(t, err)
	require.NoError(t, h.bus.Publish(context.Background(),
		events.BuildStateSubject("s1"),
		bus.NewEvent(events.SessionState, "test", data)))

	frame := readFrame(t, conn)
	assert.Equal(t, v1.FrameSessionState, frame["type"])
	assert.Equal(t, registry.StateProcessing, frame["state"])
	assert.Equal(t, true, frame["is_processing"])
}

func TestProjectCRUD(t *testing.T) {
	h := newGatewayHarness(t)

	body := strings.NewReader(`{"name":"backend","path":"/home/dev/backend"}`)
	resp, err := http.Post(h.ts.URL+"/api/v1/projects", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created v1.Project
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)

	listResp, err := http.Get(h.ts.URL + "/api/v1/projects")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list struct {
		Projects []v1.Project `json:"projects"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Projects, 1)
	assert.Equal(t, "backend", list.Projects[0].Name)
}

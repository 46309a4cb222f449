package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/tutorchat/internal/agent"
	"github.com/comigor/tutorchat/internal/history"
	"github.com/comigor/tutorchat/internal/llm"
	"github.com/comigor/tutorchat/internal/session"
	"github.com/comigor/tutorchat/internal/tutor"
)

type stubProvider struct {
	resp     *llm.Response
	err      error
	override *llm.Config
	turns    []llm.Turn
}

func (s *stubProvider) Chat(_ context.Context, turns []llm.Turn, override *llm.Config) (*llm.Response, error) {
	s.turns = turns
	s.override = override
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type testServer struct {
	handler  http.Handler
	store    history.Store
	provider *stubProvider
}

func newTestServer(t *testing.T, provider llm.Provider) *testServer {
	t.Helper()
	st, err := history.NewStore(context.Background(), history.DriverMemory)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sessions := session.NewManager(st)
	h := NewHandler(sessions, agent.New(sessions, provider), tutor.New(provider))
	ts := &testServer{handler: NewRouter(h), store: st}
	if sp, ok := provider.(*stubProvider); ok {
		ts.provider = sp
	}
	return ts
}

type envelopeResp struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, envelopeResp) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelopeResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decodeData[T any](t *testing.T, env envelopeResp) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func okProvider() *stubProvider {
	return &stubProvider{resp: &llm.Response{Content: "Hola, ¿en qué puedo ayudarte?", Model: "gpt-3.5-turbo"}}
}

func TestCreateAndGetSession(t *testing.T) {
	ts := newTestServer(t, okProvider())

	code, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": "7", "curso_id": 3, "tema_id": 5, "tipo": "tutoria"})
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, env.Success)
	created := decodeData[history.Session](t, env)
	assert.Equal(t, history.KindTutoring, created.Kind)
	assert.Equal(t, int64(7), created.StudentID)
	require.NotNil(t, created.TopicID)
	assert.Equal(t, int64(5), *created.TopicID)

	code, env = ts.do(t, http.MethodGet, "/chat/session/"+created.ID+"?tipo=tutoria", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, created.ID, decodeData[history.Session](t, env).ID)

	code, env = ts.do(t, http.MethodGet, "/chat/session/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Message)
}

func TestCreateSession_RequiresStudent(t *testing.T) {
	ts := newTestServer(t, okProvider())
	code, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)

	code, _ = ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": "abc"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 1, "tipo": "quiz"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t, okProvider())
	_, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 42})
	s := decodeData[history.Session](t, env)

	code, env := ts.do(t, http.MethodPost, "/chat/session/"+s.ID+"/message", map[string]any{"mensaje": "Hola"})
	require.Equal(t, http.StatusOK, code, env.Message)

	var res struct {
		SessionID string          `json:"sesion_id"`
		Message   history.Message `json:"mensaje"`
		Reply     history.Message `json:"respuesta_ia"`
		Session   history.Session `json:"sesion"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, s.ID, res.SessionID)
	assert.Equal(t, "Hola", res.Message.Content)
	assert.Equal(t, history.RoleStudent, res.Message.Role)
	assert.Equal(t, "Hola, ¿en qué puedo ayudarte?", res.Reply.Content)
	assert.Len(t, res.Session.Messages, 2)

	code, env = ts.do(t, http.MethodPost, "/chat/message", map[string]any{"sesion_id": s.ID, "contenido": "¿Y ahora?", "tipo": "ejemplo"})
	require.Equal(t, http.StatusOK, code, env.Message)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, history.TypeExample, res.Message.Type)
	assert.Len(t, res.Session.Messages, 4)
}

func TestSendMessage_PassesAIConfig(t *testing.T) {
	ts := newTestServer(t, okProvider())
	_, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 1})
	s := decodeData[history.Session](t, env)

	code, _ := ts.do(t, http.MethodPost, "/chat/message", map[string]any{
		"sesion_id": s.ID,
		"contenido": "hola",
		"ai_config": map[string]any{"format": "anthropic", "apiKey": "k", "model": "claude-3-haiku", "temperature": 0.1, "maxTokens": 50},
	})
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, ts.provider.override)
	assert.Equal(t, llm.FormatAnthropic, ts.provider.override.Format)
	assert.Equal(t, "claude-3-haiku", ts.provider.override.Model)
	require.NotNil(t, ts.provider.override.MaxTokens)
	assert.Equal(t, 50, *ts.provider.override.MaxTokens)

	code, _ = ts.do(t, http.MethodPost, "/chat/message", map[string]any{
		"sesion_id": s.ID,
		"contenido": "hola",
		"ai_config": map[string]any{"format": "cohere"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendMessage_Errors(t *testing.T) {
	ts := newTestServer(t, okProvider())

	code, _ := ts.do(t, http.MethodPost, "/chat/message", map[string]any{"contenido": "hola"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/chat/message", map[string]any{"sesion_id": "missing", "contenido": "hola"})
	assert.Equal(t, http.StatusNotFound, code)

	_, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 1})
	s := decodeData[history.Session](t, env)
	code, _ = ts.do(t, http.MethodPost, "/chat/message", map[string]any{"sesion_id": s.ID})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendMessage_ProviderFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t, &stubProvider{err: &llm.ProviderError{Provider: "Anthropic", StatusCode: 529, Message: "overloaded"}})
	_, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 1})
	s := decodeData[history.Session](t, env)

	code, env := ts.do(t, http.MethodPost, "/chat/message", map[string]any{"sesion_id": s.ID, "contenido": "hola"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, env.Message, "overloaded")

	stored, err := ts.store.Get(context.Background(), history.KindGeneral, s.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Messages)
}

func TestSendMessage_MissingCredentialIsServerError(t *testing.T) {
	ts := newTestServer(t, llm.NewClient(llm.Config{BaseURL: "https://api.openai.com/v1"}))
	_, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 1})
	s := decodeData[history.Session](t, env)

	code, env := ts.do(t, http.MethodPost, "/chat/message", map[string]any{"sesion_id": s.ID, "contenido": "hola"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, env.Message, "not configured")
}

func TestChatWithBot(t *testing.T) {
	ts := newTestServer(t, okProvider())

	code, env := ts.do(t, http.MethodPost, "/chat/", map[string]any{"estudiante_id": 42, "contenido": "Hola"})
	require.Equal(t, http.StatusOK, code, env.Message)
	first := decodeData[agent.TurnResult](t, env)

	code, env = ts.do(t, http.MethodPost, "/chat", map[string]any{"estudiante_id": 42, "mensaje": "Otra"})
	require.Equal(t, http.StatusOK, code, env.Message)
	second := decodeData[agent.TurnResult](t, env)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, second.Session.Messages, 4)

	code, _ = ts.do(t, http.MethodPost, "/chat/", map[string]any{"contenido": "Hola"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListSessions(t *testing.T) {
	ts := newTestServer(t, okProvider())
	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 5, "curso_id": 1, "tipo": "tutoria"})
	}
	ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 6, "tipo": "tutoria"})

	code, env := ts.do(t, http.MethodGet, "/chat/sessions?tipo=tutoria&estudiante_id=5&page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	page := decodeData[history.SessionPage](t, env)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Sessions, 2)

	code, env = ts.do(t, http.MethodGet, "/chat/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	page = decodeData[history.SessionPage](t, env)
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 10, page.Limit)

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	code, env = ts.do(t, http.MethodGet, "/chat/sessions?tipo=tutoria&fecha_inicio="+from, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 4, decodeData[history.SessionPage](t, env).Total)

	code, _ = ts.do(t, http.MethodGet, "/chat/sessions?estudiante_id=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodGet, "/chat/sessions?fecha_inicio=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUpdateSession(t *testing.T) {
	ts := newTestServer(t, okProvider())
	_, env := ts.do(t, http.MethodPost, "/chat/session", map[string]any{"estudiante_id": 5, "tipo": "tutoria"})
	s := decodeData[history.Session](t, env)

	end := s.StartedAt.Add(25 * time.Minute).Format(time.RFC3339Nano)
	code, env := ts.do(t, http.MethodPut, "/chat/session/"+s.ID+"?tipo=tutoria", map[string]any{"fecha_fin": end})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, 25, decodeData[history.Session](t, env).DurationMinutes)

	code, env = ts.do(t, http.MethodPut, "/chat/session/"+s.ID, map[string]any{"duracion_minutos": 40, "tipo": "tutoria"})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, 40, decodeData[history.Session](t, env).DurationMinutes)

	code, _ = ts.do(t, http.MethodPut, "/chat/session/"+s.ID+"?tipo=tutoria", map[string]any{"fecha_fin": s.StartedAt.Add(-time.Hour).Format(time.RFC3339)})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStudentSessions(t *testing.T) {
	ts := newTestServer(t, okProvider())

	code, _ := ts.do(t, http.MethodGet, "/chat/student/42/last-session", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env := ts.do(t, http.MethodPost, "/chat/student/42/session", map[string]any{"tipo": "tutoria", "tema_id": 3})
	require.Equal(t, http.StatusOK, code, env.Message)
	created := decodeData[history.Session](t, env)

	code, env = ts.do(t, http.MethodPost, "/chat/student/42/session?tipo=tutoria", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, created.ID, decodeData[history.Session](t, env).ID)

	code, env = ts.do(t, http.MethodGet, "/chat/student/42/last-session?tipo=tutoria", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, created.ID, decodeData[history.Session](t, env).ID)

	code, _ = ts.do(t, http.MethodGet, "/chat/student/abc/last-session", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPost, "/chat/student/0/session", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTutorEndpoints(t *testing.T) {
	ts := newTestServer(t, okProvider())

	code, env := ts.do(t, http.MethodPost, "/chat/tutor/explain", map[string]any{"concept": "límite", "subject": "Cálculo", "level": "básico"})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "Hola, ¿en qué puedo ayudarte?", decodeData[llm.Response](t, env).Content)
	require.NotNil(t, ts.provider.override)
	assert.Equal(t, 1500, *ts.provider.override.MaxTokens)

	code, _ = ts.do(t, http.MethodPost, "/chat/tutor/recommendations", map[string]any{"subject": "Álgebra", "recent_scores": []float64{6, 7}, "weak_areas": []string{"matrices"}, "hours_per_week": 3})
	assert.Equal(t, http.StatusOK, code)

	code, _ = ts.do(t, http.MethodPost, "/chat/tutor/explain", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTutorRespond(t *testing.T) {
	ts := newTestServer(t, okProvider())

	code, env := ts.do(t, http.MethodPost, "/chat/tutor/respond", map[string]any{
		"message":    "¿Qué es una derivada?",
		"subject":    "Cálculo",
		"difficulty": "beginner",
		"history":    []map[string]string{{"role": "user", "content": "Hola"}, {"role": "assistant", "content": "Hola"}},
	})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "Hola, ¿en qué puedo ayudarte?", decodeData[llm.Response](t, env).Content)

	require.Len(t, ts.provider.turns, 4)
	assert.Equal(t, llm.RoleSystem, ts.provider.turns[0].Role)
	assert.Equal(t, llm.Turn{Role: llm.RoleUser, Content: "Hola"}, ts.provider.turns[1])
	assert.Contains(t, ts.provider.turns[3].Content, "Nivel: beginner")
	assert.Contains(t, ts.provider.turns[3].Content, "¿Qué es una derivada?")

	code, _ = ts.do(t, http.MethodPost, "/chat/tutor/respond", map[string]any{"message": " "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/chat/tutor/respond", map[string]any{"message": "hola", "difficulty": "expert"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, okProvider())
	code, env := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

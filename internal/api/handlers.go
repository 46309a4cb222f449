// Package api exposes the chat subsystem over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/comigor/tutorchat/internal/agent"
	"github.com/comigor/tutorchat/internal/history"
	"github.com/comigor/tutorchat/internal/llm"
	"github.com/comigor/tutorchat/internal/session"
	"github.com/comigor/tutorchat/internal/tutor"
)

type Handler struct {
	sessions *session.Manager
	agent    *agent.Agent
	tutor    *tutor.Service
}

func NewHandler(sessions *session.Manager, a *agent.Agent, t *tutor.Service) *Handler {
	return &Handler{sessions: sessions, agent: a, tutor: t}
}

// flexInt accepts both 42 and "42".
type flexInt int64

func (v *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not an integer", errBadRequest, b)
	}
	*v = flexInt(n)
	return nil
}

func (v *flexInt) ptr() *int64 {
	if v == nil || *v == 0 {
		return nil
	}
	n := int64(*v)
	return &n
}

// aiConfig is the per-request provider override.
type aiConfig struct {
	Format      string   `json:"format"`
	BaseURL     string   `json:"baseURL"`
	APIKey      string   `json:"apiKey"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"maxTokens"`
}

func (c *aiConfig) toLLM() (*llm.Config, error) {
	if c == nil {
		return nil, nil
	}
	format, err := llm.ParseFormat(c.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return &llm.Config{
		Format:      format,
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}, nil
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// kindOf returns the first non-empty candidate as a session kind.
func kindOf(candidates ...string) (history.Kind, error) {
	for _, c := range candidates {
		if c != "" {
			return history.ParseKind(c)
		}
	}
	return history.KindGeneral, nil
}

func parseID(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n, nil
}

func parseDate(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s must be a date", errBadRequest, name)
}

type createSessionRequest struct {
	StudentID flexInt `json:"estudiante_id"`
	CourseID  flexInt `json:"curso_id"`
	TopicID   flexInt `json:"tema_id"`
	Kind      string  `json:"tipo"`
}

func (h *Handler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	kind, err := kindOf(req.Kind)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s, err := h.sessions.Create(r.Context(), kind, history.NewSession{
		StudentID: int64(req.StudentID),
		CourseID:  req.CourseID.ptr(),
		TopicID:   req.TopicID.ptr(),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

func (h *Handler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	kind, err := kindOf(r.URL.Query().Get("tipo"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s, err := h.sessions.Get(r.Context(), kind, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type updateSessionRequest struct {
	End      string `json:"fecha_fin"`
	Duration *int   `json:"duracion_minutos"`
	Kind     string `json:"tipo"`
}

func (h *Handler) UpdateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	kind, err := kindOf(r.URL.Query().Get("tipo"), req.Kind)
	if err != nil {
		respondError(w, r, err)
		return
	}
	patch := history.Patch{Duration: req.Duration}
	if req.End != "" {
		end, err := parseDate(req.End, "fecha_fin")
		if err != nil {
			respondError(w, r, err)
			return
		}
		patch.End = &end
	}
	s, err := h.sessions.Update(r.Context(), kind, chi.URLParam(r, "sessionID"), patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type sendMessageRequest struct {
	SessionID   string    `json:"sesion_id"`
	Content     string    `json:"contenido"`
	Message     string    `json:"mensaje"`
	Type        string    `json:"tipo"`
	SessionKind string    `json:"tipo_sesion"`
	AIConfig    *aiConfig `json:"ai_config"`
}

func (h *Handler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	kind, err := kindOf(req.SessionKind, r.URL.Query().Get("tipo"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	msgType, err := history.ParseMessageType(req.Type)
	if err != nil {
		respondError(w, r, err)
		return
	}
	override, err := req.AIConfig.toLLM()
	if err != nil {
		respondError(w, r, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = chi.URLParam(r, "sessionID")
	}
	content := req.Content
	if content == "" {
		content = req.Message
	}

	res, err := h.agent.SendTurn(r.Context(), agent.TurnRequest{
		SessionID: sessionID,
		Kind:      kind,
		Content:   content,
		Type:      msgType,
		Provider:  override,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := kindOf(q.Get("tipo"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	var f history.Filter
	if f.StudentID, err = parseID(q.Get("estudiante_id"), "estudiante_id"); err != nil {
		respondError(w, r, err)
		return
	}
	if f.CourseID, err = parseID(q.Get("curso_id"), "curso_id"); err != nil {
		respondError(w, r, err)
		return
	}
	if f.TopicID, err = parseID(q.Get("tema_id"), "tema_id"); err != nil {
		respondError(w, r, err)
		return
	}
	if f.From, err = parseDate(q.Get("fecha_inicio"), "fecha_inicio"); err != nil {
		respondError(w, r, err)
		return
	}
	if f.To, err = parseDate(q.Get("fecha_fin"), "fecha_fin"); err != nil {
		respondError(w, r, err)
		return
	}

	// Unparseable paging falls back to the defaults.
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if page < 0 {
		page = 0
	}
	if limit < 0 {
		limit = 0
	}

	res, err := h.sessions.List(r.Context(), kind, f, history.Page{Page: page, Limit: limit})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func studentParam(r *http.Request) (int64, error) {
	id, err := parseID(chi.URLParam(r, "studentID"), "student id")
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: student id must be a positive integer", session.ErrValidation)
	}
	return id, nil
}

func (h *Handler) LastSessionHandler(w http.ResponseWriter, r *http.Request) {
	studentID, err := studentParam(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	kind, err := kindOf(r.URL.Query().Get("tipo"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s, err := h.sessions.LastActive(r.Context(), kind, studentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *Handler) GetOrCreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	studentID := int64(req.StudentID)
	if studentID == 0 {
		var err error
		if studentID, err = studentParam(r); err != nil {
			respondError(w, r, err)
			return
		}
	}
	kind, err := kindOf(req.Kind, r.URL.Query().Get("tipo"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s, err := h.sessions.GetOrCreate(r.Context(), kind, history.NewSession{
		StudentID: studentID,
		CourseID:  req.CourseID.ptr(),
		TopicID:   req.TopicID.ptr(),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

type chatRequest struct {
	StudentID flexInt   `json:"estudiante_id"`
	Content   string    `json:"contenido"`
	Message   string    `json:"mensaje"`
	Kind      string    `json:"tipo"`
	CourseID  flexInt   `json:"curso_id"`
	TopicID   flexInt   `json:"tema_id"`
	AIConfig  *aiConfig `json:"ai_config"`
}

// ChatHandler resumes or starts the student's session and sends one message.
func (h *Handler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	kind, err := kindOf(req.Kind)
	if err != nil {
		respondError(w, r, err)
		return
	}
	override, err := req.AIConfig.toLLM()
	if err != nil {
		respondError(w, r, err)
		return
	}
	content := req.Content
	if content == "" {
		content = req.Message
	}
	res, err := h.agent.Chat(r.Context(), agent.ChatRequest{
		StudentID: int64(req.StudentID),
		Kind:      kind,
		CourseID:  req.CourseID.ptr(),
		TopicID:   req.TopicID.ptr(),
		Content:   content,
		Provider:  override,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) ExplainHandler(w http.ResponseWriter, r *http.Request) {
	var req tutor.ExplainRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.tutor.Explain(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) RecommendHandler(w http.ResponseWriter, r *http.Request) {
	var req tutor.Performance
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.tutor.Recommend(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type respondRequest struct {
	Message    string     `json:"message"`
	Subject    string     `json:"subject"`
	Difficulty string     `json:"difficulty"`
	History    []llm.Turn `json:"history"`
}

// RespondHandler answers a free-form tutoring message without touching any session.
func (h *Handler) RespondHandler(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.tutor.Respond(r.Context(), req.Message, req.Subject, req.Difficulty, req.History)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

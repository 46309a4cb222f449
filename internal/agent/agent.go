// Package agent runs one conversational turn: load the session, ask the
// provider, and record both sides of the exchange.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/tutorchat/internal/history"
	"github.com/comigor/tutorchat/internal/llm"
	"github.com/comigor/tutorchat/internal/logger"
	"github.com/comigor/tutorchat/internal/session"
)

// FSM states
type FSMState stateless.State

var (
	StateIdle            FSMState = "Idle"
	StateLoadingSession  FSMState = "LoadingSession"
	StateCallingProvider FSMState = "CallingProvider"
	StatePersisting      FSMState = "Persisting"
	StateDone            FSMState = "Done"   // terminal: turn recorded
	StateFailed          FSMState = "Failed" // terminal: nothing recorded
)

// FSM triggers
type FSMTrigger stateless.Trigger

var (
	TriggerStart           FSMTrigger = "Start"
	TriggerSessionLoaded   FSMTrigger = "SessionLoaded"
	TriggerProviderReplied FSMTrigger = "ProviderReplied"
	TriggerPersisted       FSMTrigger = "Persisted"
	TriggerErrorOccurred   FSMTrigger = "ErrorOccurred"
)

// ErrValidation is returned for malformed turn requests.
var ErrValidation = session.ErrValidation

// TurnRequest is one student message addressed to an existing session.
type TurnRequest struct {
	SessionID string
	Kind      history.Kind
	Content   string
	// Type tags the student message; empty means question.
	Type history.MessageType
	// Provider overrides the client's configured connection for this call only.
	Provider *llm.Config
}

// TurnResult is what a successful turn produced.
type TurnResult struct {
	SessionID        string           `json:"sesion_id"`
	UserMessage      history.Message  `json:"mensaje"`
	AssistantMessage history.Message  `json:"respuesta_ia"`
	Session          *history.Session `json:"sesion"`
	Model            string           `json:"model,omitempty"`
	Usage            *llm.Usage       `json:"usage,omitempty"`
}

// ChatRequest is a student message without a session id; the session is
// resumed or started by the lifecycle rules.
type ChatRequest struct {
	StudentID int64
	Kind      history.Kind
	CourseID  *int64
	TopicID   *int64
	Content   string
	Type      history.MessageType
	Provider  *llm.Config
}

// Agent orchestrates turns. Turns on the same session are serialized.
type Agent struct {
	sessions     *session.Manager
	provider     llm.Provider
	systemPrompt string
	now          func() time.Time
	newID        func() string
	locks        *keyedMutex
}

type Option func(*Agent)

// WithSystemPrompt prepends prompt as a system turn to every provider call.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithIDGenerator replaces the uuid message id source.
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) { a.newID = fn }
}

// New creates a new agent.
func New(sessions *session.Manager, provider llm.Provider, opts ...Option) *Agent {
	a := &Agent{
		sessions: sessions,
		provider: provider,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// turn carries data between FSM states.
type turn struct {
	req       TurnRequest
	received  time.Time
	session   *history.Session
	response  *llm.Response
	user      history.Message
	assistant history.Message
	stored    *history.Session
	lastError error
}

// SendTurn appends the student's message and the provider's reply to the
// session. When any step fails the session is left untouched.
func (a *Agent) SendTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if req.Kind == "" {
		req.Kind = history.KindGeneral
	}
	if req.Type == "" {
		req.Type = history.TypeQuestion
	}

	unlock := a.locks.Lock(req.SessionID)
	defer unlock()

	t := &turn{req: req, received: a.now()}
	fsm := a.newMachine(t)

	if err := fsm.FireCtx(ctx, TriggerStart); err != nil {
		logger.L.Error("FSM fire error", "session_id", req.SessionID, "error", err)
		if t.lastError == nil {
			t.lastError = fmt.Errorf("turn state machine: %w", err)
		}
	}

	state := fsm.MustState()
	if state != StateDone {
		if t.lastError == nil {
			t.lastError = fmt.Errorf("turn ended in unexpected state %v", state)
		}
		return nil, t.lastError
	}

	res := &TurnResult{
		SessionID:        t.stored.ID,
		UserMessage:      t.user,
		AssistantMessage: t.assistant,
		Session:          t.stored,
		Model:            t.response.Model,
		Usage:            t.response.Usage,
	}
	logger.L.Info("turn completed", "kind", req.Kind, "session_id", res.SessionID, "model", res.Model, "messages", len(t.stored.Messages))
	return res, nil
}

func (a *Agent) newMachine(t *turn) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fail := func(ctx context.Context, err error) error {
		t.lastError = err
		return fsm.FireCtx(ctx, TriggerErrorOccurred)
	}

	fsm.Configure(StateIdle).
		Permit(TriggerStart, StateLoadingSession)

	fsm.Configure(StateLoadingSession).
		OnEntry(func(ctx context.Context, _ ...any) error {
			s, err := a.sessions.Get(ctx, t.req.Kind, t.req.SessionID)
			if err != nil {
				return fail(ctx, err)
			}
			t.session = s
			return fsm.FireCtx(ctx, TriggerSessionLoaded)
		}).
		Permit(TriggerSessionLoaded, StateCallingProvider).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateCallingProvider).
		OnEntry(func(ctx context.Context, _ ...any) error {
			turns := a.buildTurns(t.session, t.req.Content)
			logger.L.Debug("FSM: calling provider", "session_id", t.session.ID, "turns", len(turns))
			resp, err := a.provider.Chat(ctx, turns, t.req.Provider)
			if err != nil {
				logger.L.Error("provider call failed", "session_id", t.session.ID, "error", err)
				return fail(ctx, err)
			}
			t.response = resp
			return fsm.FireCtx(ctx, TriggerProviderReplied)
		}).
		Permit(TriggerProviderReplied, StatePersisting).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StatePersisting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			t.user = history.Message{
				ID:        a.newID(),
				Role:      history.RoleStudent,
				Content:   t.req.Content,
				Timestamp: t.received,
				Type:      t.req.Type,
			}
			t.assistant = history.Message{
				ID:        a.newID(),
				Role:      history.RoleSystem,
				Content:   t.response.Content,
				Timestamp: a.now(),
				Type:      history.TypeAnswer,
			}
			stored, err := a.sessions.Append(ctx, t.req.Kind, t.session.ID, t.user, t.assistant)
			if err != nil {
				logger.L.Error("failed to persist turn", "session_id", t.session.ID, "error", err)
				return fail(ctx, err)
			}
			t.stored = stored
			return fsm.FireCtx(ctx, TriggerPersisted)
		}).
		Permit(TriggerPersisted, StateDone).
		Permit(TriggerErrorOccurred, StateFailed)

	fsm.Configure(StateDone)

	fsm.Configure(StateFailed).
		OnEntry(func(_ context.Context, _ ...any) error {
			if t.lastError == nil {
				t.lastError = errors.New("turn failed without a specific error")
			}
			return nil
		})

	return fsm
}

// buildTurns maps the transcript to provider turns in order and appends the
// new student content.
func (a *Agent) buildTurns(s *history.Session, content string) []llm.Turn {
	turns := make([]llm.Turn, 0, len(s.Messages)+2)
	if a.systemPrompt != "" {
		turns = append(turns, llm.Turn{Role: llm.RoleSystem, Content: a.systemPrompt})
	}
	for _, m := range s.Messages {
		role := llm.RoleUser
		if m.Role == history.RoleSystem {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: m.Content})
	}
	return append(turns, llm.Turn{Role: llm.RoleUser, Content: content})
}

// Chat resumes or starts the student's session and sends the message on it.
func (a *Agent) Chat(ctx context.Context, req ChatRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if req.Kind == "" {
		req.Kind = history.KindGeneral
	}
	s, err := a.sessions.GetOrCreate(ctx, req.Kind, history.NewSession{
		StudentID: req.StudentID,
		CourseID:  req.CourseID,
		TopicID:   req.TopicID,
	})
	if err != nil {
		return nil, err
	}
	return a.SendTurn(ctx, TurnRequest{
		SessionID: s.ID,
		Kind:      req.Kind,
		Content:   req.Content,
		Type:      req.Type,
		Provider:  req.Provider,
	})
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ToolChat/internal/chaterr"
)

// Session represents a chat session
type Session struct {
	ID          string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	ActiveModel string    `json:"active_model"`
	Messages    []Message `json:"messages"`
}

// Summary describes a persisted session without its messages
type Summary struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	ActiveModel  string    `json:"active_model"`
	MessageCount int       `json:"message_count"`
}

// Persister saves and restores whole sessions
type Persister interface {
	Save(ctx context.Context, s Session) error
	// Load returns a SessionNotFound error when id was never saved.
	Load(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
}

type entry struct {
	mu   sync.Mutex
	sess Session
}

// Store holds live sessions. Each session has its own lock; the store lock
// only guards the session table.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	persister Persister
	logger    *slog.Logger
	newID     func() string
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithLogger sets the store logger
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDGenerator overrides session id generation
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore creates a store. A nil persister keeps sessions in memory only.
func NewStore(p Persister, opts ...StoreOption) *Store {
	s := &Store{
		sessions:  make(map[string]*entry),
		persister: p,
		logger:    slog.Default(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts an empty session bound to activeModel and returns its id
func (s *Store) Create(activeModel string) string {
	id := s.newID()
	e := &entry{sess: Session{
		ID:          id,
		CreatedAt:   now(),
		ActiveModel: activeModel,
		Messages:    []Message{},
	}}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	s.logger.Info("created new session", "session_id", id, "model", activeModel)
	return id
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, chaterr.New(chaterr.KindSessionNotFound, "lookup", "session %s", id)
	}
	return e, nil
}

// Append adds msg to the end of the session history after checking the tool
// call pairing.
func (s *Store) Append(id string, msg Message) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := CheckAppend(e.sess.Messages, msg); err != nil {
		return err
	}
	e.sess.Messages = append(e.sess.Messages, CloneMessage(msg))
	return nil
}

// History returns a copy of the session messages in append order
func (s *Store) History(id string) ([]Message, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return CloneMessages(e.sess.Messages), nil
}

// Get returns a copy of the whole session
func (s *Store) Get(id string) (Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSession(e.sess), nil
}

// Clear empties the session history, keeping its id and model
func (s *Store) Clear(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	n := len(e.sess.Messages)
	e.sess.Messages = []Message{}
	e.mu.Unlock()

	s.logger.Info("cleared session", "session_id", id, "dropped_messages", n)
	return nil
}

// ActiveModel returns the model the session is bound to
func (s *Store) ActiveModel(id string) (string, error) {
	e, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.ActiveModel, nil
}

// SetActiveModel rebinds the session to another model
func (s *Store) SetActiveModel(id, model string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sess.ActiveModel = model
	e.mu.Unlock()
	return nil
}

// Save writes an immutable snapshot of the session to the persister
func (s *Store) Save(ctx context.Context, id string) error {
	if s.persister == nil {
		return chaterr.New(chaterr.KindConfiguration, "save", "no session persister configured")
	}
	snap, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.persister.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	s.logger.Info("session saved", "session_id", id, "message_count", len(snap.Messages))
	return nil
}

// Load restores a saved session into the store, replacing any live copy.
// Tool calls left unanswered by an interrupted turn are closed with
// cancelled results.
func (s *Store) Load(ctx context.Context, id string) (Session, error) {
	if s.persister == nil {
		return Session{}, chaterr.New(chaterr.KindSessionNotFound, "load", "session %s", id)
	}
	sess, err := s.persister.Load(ctx, id)
	if err != nil {
		if chaterr.Is(err, chaterr.KindSessionNotFound) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if err := ValidateHistory(sess.Messages); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	for _, call := range Outstanding(sess.Messages) {
		msg, err := NewToolResultMessage(call.ID, call.Name, ToolErrorContent(chaterr.KindCancelled, "turn interrupted before completion"), true)
		if err != nil {
			return Session{}, err
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}

	s.mu.Lock()
	s.sessions[id] = &entry{sess: sess}
	s.mu.Unlock()

	s.logger.Info("loaded existing session", "session_id", id, "message_count", len(sess.Messages))
	return cloneSession(sess), nil
}

// List returns the persisted sessions
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if s.persister == nil {
		return nil, nil
	}
	return s.persister.List(ctx)
}

// Delete removes a session from memory and from the persister
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, live := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if s.persister == nil {
		if !live {
			return chaterr.New(chaterr.KindSessionNotFound, "delete", "session %s", id)
		}
		return nil
	}
	err := s.persister.Delete(ctx, id)
	if err != nil && live && chaterr.Is(err, chaterr.KindSessionNotFound) {
		// never saved, dropping the live copy is enough
		err = nil
	}
	if err == nil {
		s.logger.Info("deleted session", "session_id", id)
	}
	return err
}

// Exists reports whether id is a live session
func (s *Store) Exists(id string) bool {
	_, err := s.lookup(id)
	return err == nil
}

func cloneSession(sess Session) Session {
	sess.Messages = CloneMessages(sess.Messages)
	return sess
}

func notFound(id string, err error) error {
	e := chaterr.New(chaterr.KindSessionNotFound, "load", "session %s", id)
	if err != nil && !errors.Is(err, chaterr.ErrSessionNotFound) {
		e.Err = err
	}
	return e
}

// Package session binds an authenticated connection to the broker channels
// of its identity and turns bus events into protocol frames.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ws_gateway/internal/events"
	"github.com/adred-codev/ws_gateway/internal/monitoring"
	"github.com/adred-codev/ws_gateway/internal/protocol"
	"github.com/adred-codev/ws_gateway/internal/pubsub"
)

var ErrSessionClosed = errors.New("session cleaned up")

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID      string
	DisplayName string
}

// Scope item kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// ScopeItem is one conversation an identity receives events for.
type ScopeItem struct {
	ID      string
	Kind    string
	Name    string
	Members []string
}

// IdentityResolver turns a credential token into an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// ScopeLister loads the scope of an identity at session start.
type ScopeLister interface {
	ListScopeItems(ctx context.Context, identity Identity) ([]ScopeItem, error)
}

// ScopeFetcher loads a single scope item the identity was not subscribed to.
type ScopeFetcher interface {
	FetchScopeItem(ctx context.Context, identity Identity, id string) (ScopeItem, error)
}

// Broker is the subset of *pubsub.Broker a session needs.
type Broker interface {
	Subscribe(ctx context.Context, channel string, h pubsub.Handler) error
	Unsubscribe(ctx context.Context, channel string, h pubsub.Handler) error
}

// Connection is the subset of *protocol.Conn a session drives.
type Connection interface {
	SessionID() string
	Context() context.Context
	Ready(ready protocol.ReadySession) error
	Send(op protocol.Opcode, payload any) error
	End(reason protocol.CloseReason)
}

// Config holds per-session limits.
type Config struct {
	SupportedAPIVersions []int
	InboxSize            int           // Bus events buffered before the session counts as too slow
	FetchTimeout         time.Duration // Bound on lazy scope item fetches
	CleanupTimeout       time.Duration // Bound on releasing broker subscriptions
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Broker   Broker
	Resolver IdentityResolver
	Lister   ScopeLister
	Fetcher  ScopeFetcher
	Logger   zerolog.Logger
}

// eventOpcodes maps bus event types to the frame they are forwarded as.
var eventOpcodes = map[string]protocol.Opcode{
	events.TypeMessageCreate: protocol.OpMessageCreate,
	events.TypeMessageUpdate: protocol.OpMessageUpdate,
	events.TypeMessageDelete: protocol.OpMessageDelete,
	events.TypeTypingStart:   protocol.OpTyping,
	events.TypeUserUpdate:    protocol.OpIdentityUpdate,
}

type inboxMessage struct {
	channel string
	msg     pubsub.Message
}

// Orchestrator is the per-connection session. It implements
// protocol.Delegate and pubsub.Handler.
type Orchestrator struct {
	conn   Connection
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	identity *Identity
	channels map[string]struct{}
	scope    map[string]ScopeItem
	cleaned  bool

	inbox chan inboxMessage
	stop  chan struct{}
}

func New(conn Connection, deps Deps, cfg Config) *Orchestrator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Second
	}

	return &Orchestrator{
		conn:     conn,
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.With().Str("component", "session").Str("session_id", conn.SessionID()).Logger(),
		channels: make(map[string]struct{}),
		scope:    make(map[string]ScopeItem),
		inbox:    make(chan inboxMessage, cfg.InboxSize),
		stop:     make(chan struct{}),
	}
}

// Identity returns the authenticated identity, if any.
func (s *Orchestrator) Identity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Channels lists the broker channels currently held for this session.
func (s *Orchestrator) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// OnStartSession authenticates, subscribes the identity's channels and
// marks the connection ready.
func (s *Orchestrator) OnStartSession(ctx context.Context, payload protocol.StartSession) error {
	if !slices.Contains(s.cfg.SupportedAPIVersions, payload.APIVersion) {
		return protocol.Fail(protocol.UnsupportedAPIVersion, fmt.Errorf("api version %d", payload.APIVersion))
	}

	s.mu.Lock()
	already := s.identity != nil
	s.mu.Unlock()
	if already {
		return protocol.Fail(protocol.DisallowedOperation, errors.New("session already authenticated"))
	}

	identity, err := s.deps.Resolver.Resolve(ctx, payload.Token)
	if err != nil {
		return protocol.Fail(protocol.AuthenticationError, err)
	}

	items, err := s.deps.Lister.ListScopeItems(ctx, identity)
	if err != nil {
		return fmt.Errorf("list scope for user %s: %w", identity.UserID, err)
	}

	s.mu.Lock()
	s.identity = &identity
	s.mu.Unlock()

	if err := s.subscribe(ctx, events.UserChannel(identity.UserID)); err != nil {
		return err
	}
	for _, item := range items {
		if err := s.subscribe(ctx, events.ConversationChannel(item.ID)); err != nil {
			return err
		}
		s.mu.Lock()
		s.scope[item.ID] = item
		s.mu.Unlock()
	}

	if err := s.conn.Ready(protocol.ReadySession{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Scope:       wireScope(items),
	}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return ErrSessionClosed
	}
	go s.run()

	s.logger.Debug().
		Str("user_id", identity.UserID).
		Int("channels", len(s.channels)).
		Msg("Session subscribed")
	return nil
}

// HandleMessage queues a bus event for the session worker. It never blocks
// the broker; a session that cannot keep up is ended.
func (s *Orchestrator) HandleMessage(channel string, msg pubsub.Message) error {
	select {
	case <-s.stop:
		return nil
	default:
	}

	select {
	case s.inbox <- inboxMessage{channel: channel, msg: msg}:
		return nil
	default:
		s.logger.Warn().Str("channel", channel).Int("inbox_size", s.cfg.InboxSize).Msg("Session inbox full")
		s.conn.End(protocol.ServerError)
		return nil
	}
}

// Cleanup releases every broker subscription held for the session. It is
// safe to call more than once.
func (s *Orchestrator) Cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]struct{})
	s.mu.Unlock()

	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()

	for _, ch := range channels {
		if err := s.deps.Broker.Unsubscribe(ctx, ch, s); err != nil {
			monitoring.LogError(s.logger, err, "Failed to release channel", map[string]any{"channel": ch})
		}
	}
	s.logger.Debug().Int("channels", len(channels)).Msg("Session cleaned up")
}

func (s *Orchestrator) subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleaned {
		return ErrSessionClosed
	}
	if _, ok := s.channels[channel]; ok {
		return nil
	}
	if err := s.deps.Broker.Subscribe(ctx, channel, s); err != nil {
		return err
	}
	s.channels[channel] = struct{}{}
	return nil
}

func (s *Orchestrator) unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel]; !ok {
		return nil
	}
	delete(s.channels, channel)
	return s.deps.Broker.Unsubscribe(ctx, channel, s)
}

func (s *Orchestrator) run() {
	defer monitoring.RecoverPanicThen(s.logger, "sessionWorker", nil, func(any) {
		s.conn.End(protocol.ServerError)
	})

	for {
		select {
		case <-s.stop:
			return
		case m := <-s.inbox:
			s.forward(m.channel, m.msg)
		}
	}
}

func (s *Orchestrator) forward(channel string, msg pubsub.Message) {
	eventType := msg.Type()

	switch eventType {
	case events.TypeConversationCreate:
		s.ensureScope(msg.String(events.FieldConversationID))
		return
	case events.TypeConversationLeave:
		s.leaveScope(msg.String(events.FieldConversationID))
		return
	}

	op, known := eventOpcodes[eventType]
	if !known {
		s.logger.Debug().Str("channel", channel).Str("type", eventType).Msg("Ignoring event of unknown type")
		return
	}

	if conversationID := msg.String(events.FieldConversationID); conversationID != "" {
		if !s.ensureScope(conversationID) {
			return
		}
	}

	if err := s.conn.Send(op, msg); err != nil && !errors.Is(err, protocol.ErrClosed) {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("Failed to forward event")
	}
}

// ensureScope makes sure the session is subscribed to a conversation,
// fetching it and sending ScopeSync first when it is new. It reports whether
// events for the conversation may be forwarded.
func (s *Orchestrator) ensureScope(conversationID string) bool {
	if conversationID == "" {
		return false
	}

	s.mu.Lock()
	_, known := s.scope[conversationID]
	identity := s.identity
	s.mu.Unlock()
	if known {
		return true
	}
	if identity == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(s.conn.Context(), s.cfg.FetchTimeout)
	defer cancel()

	item, err := s.deps.Fetcher.FetchScopeItem(ctx, *identity, conversationID)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Scope fetch failed, dropping event")
		return false
	}

	if err := s.subscribe(ctx, events.ConversationChannel(conversationID)); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			monitoring.LogError(s.logger, err, "Scope subscribe failed, dropping event", map[string]any{"conversation_id": conversationID})
		}
		return false
	}

	s.mu.Lock()
	s.scope[conversationID] = item
	s.mu.Unlock()

	if err := s.conn.Send(protocol.OpScopeSync, wireItem(item)); err != nil {
		return false
	}
	return true
}

func (s *Orchestrator) leaveScope(conversationID string) {
	s.mu.Lock()
	_, known := s.scope[conversationID]
	delete(s.scope, conversationID)
	s.mu.Unlock()
	if !known {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CleanupTimeout)
	defer cancel()
	if err := s.unsubscribe(ctx, events.ConversationChannel(conversationID)); err != nil {
		monitoring.LogError(s.logger, err, "Failed to release channel", map[string]any{"conversation_id": conversationID})
	}

	_ = s.conn.Send(protocol.OpScopeLeave, protocol.ScopeLeave{ID: conversationID})
}

func wireItem(item ScopeItem) protocol.ScopeItem {
	return protocol.ScopeItem{
		ID:      item.ID,
		Kind:    item.Kind,
		Name:    item.Name,
		Members: item.Members,
	}
}

func wireScope(items []ScopeItem) []protocol.ScopeItem {
	out := make([]protocol.ScopeItem, 0, len(items))
	for _, item := range items {
		out = append(out, wireItem(item))
	}
	return out
}

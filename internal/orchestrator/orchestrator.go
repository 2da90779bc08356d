// Package orchestrator keeps a per-user conversation view (chatbot, session
// list, selected session, messages) consistent with the backend while the
// user selects, creates, deletes and sends.
//
// The view is a projection; the backend stays authoritative. Every selection
// change bumps an epoch and every fetch carries the epoch it was issued
// under, so a slow response can never overwrite a newer selection.
package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/relay"
)

// ErrNotReady is returned when an operation is not valid in the current state.
var ErrNotReady = errors.New("orchestrator not ready")

// Backend is the Session Store as seen by the orchestrator.
type Backend interface {
	ListSessions(ctx context.Context, creds domain.Credentials, chatbotID int64) ([]domain.ChatSession, error)
	CreateSession(ctx context.Context, creds domain.Credentials, chatbotID int64) (int64, error)
	DeleteSession(ctx context.Context, creds domain.Credentials, sessionID int64) error
	ListMessages(ctx context.Context, creds domain.Credentials, sessionID int64) ([]domain.Message, error)
	DeleteChatbot(ctx context.Context, creds domain.Credentials, chatbotID int64, difyChatbotID string) error
}

// Relayer sends one user message and returns the assistant reply.
type Relayer interface {
	Send(ctx context.Context, creds domain.Credentials, sessionID int64, text string, bot domain.BotRef) (relay.Outcome, error)
}

// View is a point-in-time copy of the conversation view.
type View struct {
	State             State                `json:"state"`
	Chatbot           *domain.BotRef       `json:"chatbot,omitempty"`
	Sessions          []domain.ChatSession `json:"sessions"`
	SelectedSessionID int64                `json:"selectedSessionId"`
	Messages          []domain.Message     `json:"messages"`
	Loading           bool                 `json:"loading"`
	Epoch             uint64               `json:"epoch"`
	Version           uint64               `json:"version"`
}

// Orchestrator drives one user's conversation view. It is safe for
// concurrent use; the mutex is never held across a backend or relay call.
type Orchestrator struct {
	backend Backend
	relay   Relayer
	creds   domain.Credentials
	now     func() time.Time
	logger  zerolog.Logger

	mu       sync.Mutex
	fsm      *stateless.StateMachine
	bot      *domain.BotRef
	sessions []domain.ChatSession
	selected int64
	messages []domain.Message
	sending  int
	epoch    uint64 // bumped on every chatbot or session selection change
	botEpoch uint64 // bumped on chatbot selection change only
	version  uint64

	subMu    sync.Mutex
	subs     map[int]chan View
	nextSub  int
	lastSent uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator acting with creds.
func New(backend Backend, relayer Relayer, creds domain.Credentials, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:  backend,
		relay:    relayer,
		creds:    creds,
		now:      time.Now,
		logger:   log.With().Str("component", "orchestrator").Int64("user_id", creds.UserID).Logger(),
		fsm:      newStateMachine(),
		sessions: []domain.ChatSession{},
		messages: []domain.Message{},
		subs:     make(map[int]chan View),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Snapshot returns a copy of the current view.
func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe delivers a snapshot after every change. Slow subscribers only
// see the latest view. The returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
		})
	}
}

// SelectChatbot resets the view to bot and loads its sessions. When the list
// is non-empty the session with the largest id is selected and its messages
// are loaded.
func (o *Orchestrator) SelectChatbot(ctx context.Context, bot domain.BotRef) error {
	if bot.ChatbotID <= 0 {
		return domain.MissingPrerequisite("chatbot")
	}
	if err := o.checkCreds(); err != nil {
		return err
	}

	o.mu.Lock()
	if err := o.fire(TriggerSelectChatbot); err != nil {
		o.mu.Unlock()
		return err
	}
	o.epoch++
	o.botEpoch++
	b := bot
	o.bot = &b
	o.sessions = []domain.ChatSession{}
	o.selected = 0
	o.messages = []domain.Message{}
	botEpoch := o.botEpoch
	o.changedLocked()
	o.mu.Unlock()
	o.notify()

	sessions, fetchErr := o.backend.ListSessions(ctx, o.creds, bot.ChatbotID)
	if fetchErr != nil {
		o.logger.Error().Err(fetchErr).Int64("chatbot_id", bot.ChatbotID).Msg("failed to fetch sessions")
		sessions = []domain.ChatSession{}
	}

	o.mu.Lock()
	if o.botEpoch != botEpoch {
		o.mu.Unlock()
		return domain.ErrStale
	}
	o.sessions = sortSessions(sessions)
	_ = o.fire(TriggerSessionsFetched)
	target, epoch := o.autoSelectLocked()
	o.changedLocked()
	o.mu.Unlock()
	o.notify()

	if fetchErr != nil {
		return fetchErr
	}
	if target == 0 {
		return nil
	}
	return o.loadMessages(ctx, target, epoch)
}

// SelectSession selects id and loads its messages. id 0 clears the selection.
func (o *Orchestrator) SelectSession(ctx context.Context, id int64) error {
	o.mu.Lock()
	if o.bot == nil {
		o.mu.Unlock()
		return domain.MissingPrerequisite("chatbot")
	}
	if id == 0 {
		err := o.clearSelectionLocked()
		o.mu.Unlock()
		o.notify()
		return err
	}
	if !containsSession(o.sessions, id) {
		o.mu.Unlock()
		return errors.Wrapf(domain.ErrNotFound, "session %d", id)
	}
	if err := o.fire(TriggerSelectSession); err != nil {
		o.mu.Unlock()
		return err
	}
	o.epoch++
	o.selected = id
	o.messages = []domain.Message{}
	epoch := o.epoch
	o.changedLocked()
	o.mu.Unlock()
	o.notify()

	return o.loadMessages(ctx, id, epoch)
}

// NewSession creates a session for the current chatbot, selects it and then
// reconciles the list with the backend.
func (o *Orchestrator) NewSession(ctx context.Context) (int64, error) {
	if err := o.checkCreds(); err != nil {
		return 0, err
	}
	o.mu.Lock()
	if o.bot == nil {
		o.mu.Unlock()
		return 0, domain.MissingPrerequisite("chatbot")
	}
	switch o.currentState() {
	case StateSessionsLoaded, StateMessagesLoading, StateReady:
	default:
		state := o.currentState()
		o.mu.Unlock()
		return 0, errors.Wrapf(ErrNotReady, "new session in state %s", state)
	}
	bot := *o.bot
	botEpoch := o.botEpoch
	o.mu.Unlock()

	id, err := o.backend.CreateSession(ctx, o.creds, bot.ChatbotID)
	if err != nil {
		o.logger.Error().Err(err).Int64("chatbot_id", bot.ChatbotID).Msg("failed to create session")
		return 0, err
	}

	o.mu.Lock()
	if o.botEpoch != botEpoch {
		o.mu.Unlock()
		return id, domain.ErrStale
	}
	o.insertSessionLocked(id, bot.ChatbotID)
	o.epoch++
	o.selected = id
	o.messages = []domain.Message{}
	_ = o.fire(TriggerSessionCreated)
	o.changedLocked()
	o.mu.Unlock()
	o.notify()

	_ = o.reconcileSessions(ctx, bot.ChatbotID, botEpoch)
	return id, nil
}

// Send appends text to the selected session and relays it. With no session
// selected exactly one session is created first. The user message shows up
// before the relay starts; the reply is appended only if the selection did
// not change meanwhile. Loading is cleared whatever the outcome.
func (o *Orchestrator) Send(ctx context.Context, text string) (relay.Outcome, error) {
	p, err := o.beginSend(ctx, text)
	if err != nil {
		return relay.Outcome{}, err
	}
	return o.finishSend(ctx, p)
}

// SendAsync is Send split at the relay call. Session creation and the user
// message are done when it returns, so later operations observe the send;
// the relay then runs in the background and its result goes to done.
// ctx must stay valid until done is called.
func (o *Orchestrator) SendAsync(ctx context.Context, text string, done func(relay.Outcome, error)) error {
	p, err := o.beginSend(ctx, text)
	if err != nil {
		return err
	}
	go func() {
		out, err := o.finishSend(ctx, p)
		if done != nil {
			done(out, err)
		}
	}()
	return nil
}

type pendingSend struct {
	text      string
	bot       domain.BotRef
	sessionID int64
	epoch     uint64
}

func (o *Orchestrator) beginSend(ctx context.Context, text string) (*pendingSend, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "empty message")
	}
	if err := o.checkCreds(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.bot == nil {
		o.mu.Unlock()
		return nil, domain.MissingPrerequisite("chatbot")
	}
	if err := o.fire(TriggerSend); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.sending++
	p := &pendingSend{text: text, bot: *o.bot, sessionID: o.selected, epoch: o.epoch}
	botEpoch := o.botEpoch
	o.changedLocked()
	o.mu.Unlock()
	o.notify()

	if p.sessionID == 0 {
		id, err := o.backend.CreateSession(ctx, o.creds, p.bot.ChatbotID)
		if err != nil {
			o.logger.Error().Err(err).Int64("chatbot_id", p.bot.ChatbotID).Msg("failed to create session for send")
			o.endSend()
			return nil, err
		}
		p.sessionID = id

		o.mu.Lock()
		if o.botEpoch != botEpoch {
			o.mu.Unlock()
			o.endSend()
			return nil, domain.ErrStale
		}
		o.insertSessionLocked(id, p.bot.ChatbotID)
		if o.epoch == p.epoch {
			o.epoch++
			p.epoch = o.epoch
			o.selected = id
			o.messages = []domain.Message{}
			_ = o.fire(TriggerSessionCreated)
		}
		o.changedLocked()
		o.mu.Unlock()
	}

	o.appendIfCurrent(p.epoch, domain.Message{SessionID: p.sessionID, Role: domain.RoleUser, Content: text})
	o.notify()
	return p, nil
}

func (o *Orchestrator) finishSend(ctx context.Context, p *pendingSend) (relay.Outcome, error) {
	defer o.endSend()

	out, err := o.relay.Send(ctx, o.creds, p.sessionID, p.text, p.bot)
	if err != nil {
		o.logger.Error().Err(err).Int64("session_id", p.sessionID).Msg("relay failed")
		return out, err
	}
	if !out.Answered {
		return out, nil
	}
	if o.appendIfCurrent(p.epoch, domain.Message{SessionID: p.sessionID, Role: domain.RoleAssistant, Content: out.Answer}) {
		return out, nil
	}

	// The user left and came back: the reload done on reselect may predate
	// the persisted reply, so fetch the session again.
	epoch, ok := o.reloadIfSelected(p.sessionID)
	if !ok {
		o.logger.Debug().Int64("session_id", p.sessionID).Msg("reply arrived after selection changed")
		return out, nil
	}
	if err := o.loadMessages(ctx, p.sessionID, epoch); err != nil && !errors.Is(err, domain.ErrStale) {
		o.logger.Warn().Err(err).Int64("session_id", p.sessionID).Msg("failed to reload messages after reply")
	}
	return out, nil
}

func (o *Orchestrator) endSend() {
	o.mu.Lock()
	o.sending--
	if o.currentState() == StateSending && o.sending == 0 {
		_ = o.fire(TriggerSendCompleted)
	}
	o.changedLocked()
	o.mu.Unlock()
	o.notify()
}

// reloadIfSelected bumps the epoch when id is still the selected session,
// so an older in-flight message fetch cannot overwrite the reload.
func (o *Orchestrator) reloadIfSelected(id int64) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.selected != id {
		return 0, false
	}
	o.epoch++
	o.changedLocked()
	return o.epoch, true
}

// DeleteSession removes id from the view, moves the selection to the
// largest remaining id (or none) and then deletes it in the backend.
// A backend failure is returned without restoring the session locally.
func (o *Orchestrator) DeleteSession(ctx context.Context, id int64) error {
	if id <= 0 {
		return domain.MissingPrerequisite("session")
	}
	if err := o.checkCreds(); err != nil {
		return err
	}

	loadErr := o.Forget(ctx, id)

	if err := o.backend.DeleteSession(ctx, o.creds, id); err != nil {
		o.logger.Error().Err(err).Int64("session_id", id).Msg("failed to delete session")
		return err
	}
	if loadErr != nil && !errors.Is(loadErr, domain.ErrStale) {
		return loadErr
	}
	return nil
}

// Forget drops a session that is already gone from the backend, applying
// the same reselection as DeleteSession.
func (o *Orchestrator) Forget(ctx context.Context, id int64) error {
	o.mu.Lock()
	o.sessions = removeSessions(o.sessions, func(s domain.ChatSession) bool { return s.ID == id })
	var target int64
	var epoch uint64
	var selErr error
	if o.selected == id {
		if next := latestID(o.sessions); next != 0 {
			if selErr = o.fire(TriggerSelectSession); selErr == nil {
				o.epoch++
				o.selected = next
				o.messages = []domain.Message{}
				target, epoch = next, o.epoch
			}
		} else {
			selErr = o.clearSelectionLocked()
		}
	}
	o.changedLocked()
	o.mu.Unlock()
	o.notify()

	if selErr != nil {
		o.logger.Warn().Err(selErr).Int64("session_id", id).Msg("selection not updated after delete")
	}
	if target != 0 {
		return o.loadMessages(ctx, target, epoch)
	}
	return nil
}

// DeleteChatbot deletes a chatbot in the backend. On success its sessions
// leave the view; when the active session or chatbot was the deleted one the
// selection and messages are cleared.
func (o *Orchestrator) DeleteChatbot(ctx context.Context, chatbotID int64, difyChatbotID string) error {
	if chatbotID <= 0 {
		return domain.MissingPrerequisite("chatbot")
	}
	if err := o.checkCreds(); err != nil {
		return err
	}
	if err := o.backend.DeleteChatbot(ctx, o.creds, chatbotID, difyChatbotID); err != nil {
		o.logger.Error().Err(err).Int64("chatbot_id", chatbotID).Msg("failed to delete chatbot")
		return err
	}
	return o.ForgetChatbot(chatbotID)
}

// ForgetChatbot drops a chatbot that is already gone from the backend.
func (o *Orchestrator) ForgetChatbot(chatbotID int64) error {
	o.mu.Lock()
	defer func() {
		o.changedLocked()
		o.mu.Unlock()
		o.notify()
	}()

	activeGone := false
	o.sessions = removeSessions(o.sessions, func(s domain.ChatSession) bool {
		if s.ChatbotID != chatbotID {
			return false
		}
		if s.ID == o.selected {
			activeGone = true
		}
		return true
	})

	if o.bot != nil && o.bot.ChatbotID == chatbotID {
		o.epoch++
		o.botEpoch++
		o.bot = nil
		o.sessions = []domain.ChatSession{}
		o.selected = 0
		o.messages = []domain.Message{}
		return o.fire(TriggerReset)
	}
	if activeGone {
		return o.clearSelectionLocked()
	}
	return nil
}

// Refresh reloads the session list of the current chatbot without changing
// a still-valid selection.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	o.mu.Lock()
	if o.bot == nil {
		o.mu.Unlock()
		return domain.MissingPrerequisite("chatbot")
	}
	chatbotID, botEpoch := o.bot.ChatbotID, o.botEpoch
	o.mu.Unlock()

	return o.reconcileSessions(ctx, chatbotID, botEpoch)
}

func (o *Orchestrator) reconcileSessions(ctx context.Context, chatbotID int64, botEpoch uint64) error {
	sessions, err := o.backend.ListSessions(ctx, o.creds, chatbotID)
	if err != nil {
		o.logger.Warn().Err(err).Int64("chatbot_id", chatbotID).Msg("failed to reconcile sessions")
		return err
	}

	o.mu.Lock()
	if o.botEpoch != botEpoch {
		o.mu.Unlock()
		return domain.ErrStale
	}
	merged := sortSessions(sessions)
	if o.selected != 0 && !containsSession(merged, o.selected) {
		for _, s := range o.sessions {
			if s.ID == o.selected {
				merged = sortSessions(append(merged, s))
				break
			}
		}
	}
	o.sessions = merged
	var target int64
	var epoch uint64
	// A pending send owns the selection until it has placed its session.
	if o.sending == 0 {
		target, epoch = o.autoSelectLocked()
	}
	o.changedLocked()
	o.mu.Unlock()
	o.notify()

	if target != 0 {
		return o.loadMessages(ctx, target, epoch)
	}
	return nil
}

func (o *Orchestrator) loadMessages(ctx context.Context, sessionID int64, epoch uint64) error {
	msgs, fetchErr := o.backend.ListMessages(ctx, o.creds, sessionID)
	if fetchErr != nil {
		o.logger.Error().Err(fetchErr).Int64("session_id", sessionID).Msg("failed to fetch messages")
		msgs = []domain.Message{}
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.logger.Debug().Int64("session_id", sessionID).Msg("discarding stale messages")
		return domain.ErrStale
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	o.messages = msgs
	_ = o.fire(TriggerMessagesFetched)
	o.changedLocked()
	o.mu.Unlock()
	o.notify()
	return fetchErr
}

// autoSelectLocked applies the latest-by-id policy when nothing is
// selected. It returns the session whose messages must be loaded.
func (o *Orchestrator) autoSelectLocked() (int64, uint64) {
	if o.selected != 0 {
		return 0, 0
	}
	next := latestID(o.sessions)
	if next == 0 {
		return 0, 0
	}
	if err := o.fire(TriggerSelectSession); err != nil {
		return 0, 0
	}
	o.epoch++
	o.selected = next
	o.messages = []domain.Message{}
	return next, o.epoch
}

func (o *Orchestrator) clearSelectionLocked() error {
	if err := o.fire(TriggerClearSelection); err != nil {
		return err
	}
	o.epoch++
	o.selected = 0
	o.messages = []domain.Message{}
	o.changedLocked()
	return nil
}

func (o *Orchestrator) insertSessionLocked(id, chatbotID int64) {
	if containsSession(o.sessions, id) {
		return
	}
	o.sessions = sortSessions(append(o.sessions, domain.ChatSession{
		ID:        id,
		UserID:    o.creds.UserID,
		ChatbotID: chatbotID,
		StartTime: o.now().UTC(),
	}))
}

func (o *Orchestrator) appendIfCurrent(epoch uint64, msg domain.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return false
	}
	msg.CreatedAt = o.now().UTC()
	o.messages = append(o.messages, msg)
	o.changedLocked()
	return true
}

func (o *Orchestrator) checkCreds() error {
	if !o.creds.Valid() {
		return domain.MissingPrerequisite("credentials")
	}
	return nil
}

func (o *Orchestrator) fire(trigger Trigger) error {
	if err := o.fsm.Fire(trigger); err != nil {
		return errors.Wrapf(ErrNotReady, "%s in state %s", trigger, o.currentState())
	}
	return nil
}

func (o *Orchestrator) currentState() State {
	return o.fsm.MustState().(State)
}

func (o *Orchestrator) changedLocked() {
	o.version++
}

func (o *Orchestrator) snapshotLocked() View {
	v := View{
		State:             o.currentState(),
		Sessions:          append([]domain.ChatSession{}, o.sessions...),
		SelectedSessionID: o.selected,
		Messages:          append([]domain.Message{}, o.messages...),
		Loading:           o.sending > 0,
		Epoch:             o.epoch,
		Version:           o.version,
	}
	if o.bot != nil {
		b := *o.bot
		v.Chatbot = &b
	}
	return v
}

// notify pushes the current view to subscribers, never an older one than
// already delivered.
func (o *Orchestrator) notify() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if len(o.subs) == 0 {
		return
	}
	view := o.Snapshot()
	if view.Version <= o.lastSent {
		return
	}
	o.lastSent = view.Version
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- view
	}
}

func sortSessions(sessions []domain.ChatSession) []domain.ChatSession {
	out := append([]domain.ChatSession{}, sessions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func latestID(sessions []domain.ChatSession) int64 {
	var latest int64
	for _, s := range sessions {
		if s.ID > latest {
			latest = s.ID
		}
	}
	return latest
}

func containsSession(sessions []domain.ChatSession, id int64) bool {
	for _, s := range sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

func removeSessions(sessions []domain.ChatSession, drop func(domain.ChatSession) bool) []domain.ChatSession {
	out := make([]domain.ChatSession, 0, len(sessions))
	for _, s := range sessions {
		if !drop(s) {
			out = append(out, s)
		}
	}
	return out
}

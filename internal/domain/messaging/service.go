package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careconnect/portal/internal/platform/blobstore"
	"github.com/careconnect/portal/internal/platform/realtime"
	"github.com/careconnect/portal/internal/platform/retry"
)

// dedupWindow is the creation-timestamp tolerance used to correlate a
// provisional message with its store-confirmed echo. A provisional id can
// never equal a store-assigned id, so content plus time proximity is the
// only available signal at reconciliation time.
const dedupWindow = time.Second

// AttachmentUpload is an attachment payload handed to Send.
type AttachmentUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Service owns the locally cached, eventually consistent view of the
// message log for the current identity. All mutation flows through Send,
// HandleInsertEvent, OpenConversation, MarkConversationRead and Refresh;
// recomputed views replace state wholesale, never field by field.
type Service struct {
	store    MessageLogRepository
	identity CurrentUserProvider
	profiles ProfileResolver
	blobs    blobstore.Store
	subs     *SubscriptionManager
	log      zerolog.Logger

	now       func() time.Time
	retryOpts []retry.Option
	inflight  sync.WaitGroup

	mu            sync.RWMutex
	openPeer      uuid.UUID
	thread        []Message // open conversation, ascending by created_at
	inbox         []Message // full set for the current identity
	conversations []Conversation
	lastErr       error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithRetryOptions overrides the backoff applied to remote reads.
func WithRetryOptions(opts ...retry.Option) ServiceOption {
	return func(s *Service) { s.retryOpts = opts }
}

// NewService wires the messaging core. feed carries the log store's push
// events; blobs stores outgoing attachments before the durable insert.
func NewService(
	store MessageLogRepository,
	identity CurrentUserProvider,
	profiles ProfileResolver,
	blobs blobstore.Store,
	feed realtime.Feed,
	log zerolog.Logger,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		store:    store,
		identity: identity,
		profiles: profiles,
		blobs:    blobs,
		subs:     NewSubscriptionManager(feed),
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscriptions exposes the subscription lifecycle manager.
func (s *Service) Subscriptions() *SubscriptionManager {
	return s.subs
}

// Start subscribes the reconciliation engine to the current identity's
// insert-event topic. Repeated calls are no-ops while the handle lives.
// Without a signed-in user Start does nothing.
func (s *Service) Start(ctx context.Context) error {
	self, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return nil
	}
	base := context.WithoutCancel(ctx)
	return s.subs.Subscribe(TopicForUser(self), func(ev realtime.Event) {
		var ins InsertEvent
		if err := json.Unmarshal(ev.Data, &ins); err != nil {
			s.log.Error().Err(err).Str("topic", ev.Topic).Msg("messaging: decode insert event")
			return
		}
		s.HandleInsertEvent(base, ins)
	})
}

// Stop tears down all push subscriptions and waits for in-flight sends.
func (s *Service) Stop() {
	s.subs.Close()
	s.inflight.Wait()
}

// Flush blocks until every in-flight send has completed. Intended for tests
// and shutdown.
func (s *Service) Flush() {
	s.inflight.Wait()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Conversations returns the current per-counterpart summaries, most recent
// first.
func (s *Service) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Thread returns the open conversation's messages ascending by created_at.
func (s *Service) Thread() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.thread))
	copy(out, s.thread)
	return out
}

// OpenPeer returns the counterpart of the open conversation, or uuid.Nil.
func (s *Service) OpenPeer() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openPeer
}

// LastError returns the most recently recorded failure, if any. Failures
// never blank previously loaded state; callers inspect this instead.
func (s *Service) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearError discards the recorded failure.
func (s *Service) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Service) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Refresh / open / mark-read
// ---------------------------------------------------------------------------

// Refresh refetches the full message set for the current identity and
// rebuilds every derived view. It is the recovery path for missed push
// events. On failure prior state stays visible and the error is recorded.
func (s *Service) Refresh(ctx context.Context) error {
	self, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return nil
	}

	msgs, err := retry.DoValue(ctx, func(ctx context.Context) ([]Message, error) {
		return s.store.ListForUser(ctx, self)
	}, s.retryOpts...)
	if err != nil {
		err = fmt.Errorf("refresh messages: %w", err)
		s.recordErr(err)
		return err
	}

	s.mu.Lock()
	s.inbox = msgs
	s.conversations = BuildConversations(ctx, msgs, self, s.profiles)
	if s.openPeer != uuid.Nil {
		s.thread = filterPair(msgs, self, s.openPeer)
	}
	s.mu.Unlock()
	return nil
}

// OpenConversation makes peer the active conversation and loads its thread.
// Inbound messages of the opened thread are marked read. On read failure
// the previously loaded thread stays visible and the error is recorded.
func (s *Service) OpenConversation(ctx context.Context, peer uuid.UUID) error {
	self, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.openPeer = peer
	s.mu.Unlock()

	msgs, err := retry.DoValue(ctx, func(ctx context.Context) ([]Message, error) {
		return s.store.ListBetween(ctx, self, peer)
	}, s.retryOpts...)
	if err != nil {
		err = fmt.Errorf("load conversation: %w", err)
		s.recordErr(err)
		return err
	}

	s.mu.Lock()
	s.thread = msgs
	sortByCreatedAt(s.thread)
	s.mu.Unlock()

	return s.MarkConversationRead(ctx, peer)
}

// CloseConversation clears the active conversation.
func (s *Service) CloseConversation() {
	s.mu.Lock()
	s.openPeer = uuid.Nil
	s.thread = nil
	s.mu.Unlock()
}

// MarkConversationRead marks every message from peer to the current
// identity as read, remotely and locally, and rebuilds the summaries.
func (s *Service) MarkConversationRead(ctx context.Context, peer uuid.UUID) error {
	self, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return nil
	}
	if err := s.store.MarkRead(ctx, peer, self); err != nil {
		err = fmt.Errorf("mark read: %w", err)
		s.recordErr(err)
		return err
	}

	s.mu.Lock()
	markReadFrom(s.thread, peer, self)
	markReadFrom(s.inbox, peer, self)
	s.conversations = BuildConversations(ctx, s.inbox, self, s.profiles)
	s.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Optimistic send pipeline
// ---------------------------------------------------------------------------

// Send materializes the message locally with a provisional id, updates the
// counterpart's summary, and submits the durable insert in the background.
// The caller never waits on the network. Persistence failure removes the
// provisional entry and records the error; the optimistic summary is left
// for the next refresh. Attachment storage failure aborts the whole send
// with no local mutation. hint supplies counterpart metadata when no
// conversation exists yet.
//
// The caller boundary guarantees at least one of text or attachments is
// non-empty; it is not re-validated here.
func (s *Service) Send(ctx context.Context, receiverID uuid.UUID, text string, attachments []AttachmentUpload, hint *Participant) {
	self, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return
	}

	urls := make([]string, 0, len(attachments))
	for _, a := range attachments {
		obj, err := s.blobs.Put(ctx, blobstore.Upload{
			FileName:    a.FileName,
			ContentType: a.ContentType,
			OwnerID:     self.String(),
			Data:        a.Data,
		})
		if err != nil {
			s.recordErr(fmt.Errorf("store attachment: %w", err))
			return
		}
		urls = append(urls, obj.URL)
	}

	msg := Message{
		ID:          NewProvisionalID(),
		SenderID:    self,
		ReceiverID:  receiverID,
		Text:        text,
		Attachments: urls,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	if s.openPeer == receiverID {
		s.thread = append(s.thread, msg)
	}
	s.inbox = append(s.inbox, msg)
	s.applySummaryLocked(ctx, msg, hint)
	s.mu.Unlock()

	s.inflight.Add(1)
	go s.persist(context.WithoutCancel(ctx), msg)
}

// applySummaryLocked applies the optimistic conversation update for an
// outgoing message. Caller holds s.mu.
func (s *Service) applySummaryLocked(ctx context.Context, msg Message, hint *Participant) {
	last := msg
	for i := range s.conversations {
		if s.conversations[i].Counterpart.ID == msg.ReceiverID {
			conv := s.conversations[i]
			conv.LastMessage = &last
			// Most recent conversation moves to the front.
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			s.conversations = append([]Conversation{conv}, s.conversations...)
			return
		}
	}

	// First message to this counterpart: synthesize a summary so the UI has
	// something to render before the first real round trip.
	var p Participant
	switch {
	case hint != nil:
		p = *hint
		p.ID = msg.ReceiverID
	default:
		resolved, found := s.profiles.Resolve(ctx, msg.ReceiverID)
		if !found {
			resolved = Participant{ID: msg.ReceiverID, Role: RoleUnknown}
		}
		p = resolved
	}
	normalizeParticipant(&p)
	s.conversations = append([]Conversation{{Counterpart: p, LastMessage: &last}}, s.conversations...)
}

// persist submits the durable insert for a provisional message. On failure
// the provisional entry is removed from wherever it currently resides.
func (s *Service) persist(ctx context.Context, prov Message) {
	defer s.inflight.Done()

	durable := prov
	durable.ID = "" // assigned by the store
	if err := s.store.Insert(ctx, &durable); err != nil {
		s.log.Error().Err(err).
			Stringer("receiver_id", prov.ReceiverID).
			Msg("messaging: durable insert failed")

		s.mu.Lock()
		s.thread = removeByID(s.thread, prov.ID)
		s.inbox = removeByID(s.inbox, prov.ID)
		s.lastErr = fmt.Errorf("send message: %w", err)
		s.mu.Unlock()
		return
	}
	// The provisional entry stays visible; the push event promotes it to
	// the store-assigned id.
	s.log.Debug().Str("id", durable.ID).Msg("messaging: message persisted")
}

// ---------------------------------------------------------------------------
// Reconciliation engine
// ---------------------------------------------------------------------------

// HandleInsertEvent merges a push-feed insert into local state. Events not
// involving the current identity are ignored. Dedup is heuristic: identical
// text with creation timestamps within one second of an existing local
// entry counts as the same message; a matched provisional entry is promoted
// to the event's store-assigned id. Inbound events on the open conversation
// are auto-marked read. Every event triggers a full summary recomputation.
func (s *Service) HandleInsertEvent(ctx context.Context, ev InsertEvent) {
	self, ok := s.identity.CurrentUser(ctx)
	if !ok {
		return
	}
	if ev.SenderID != self && ev.ReceiverID != self {
		return
	}
	inbound := ev.ReceiverID == self

	s.mu.Lock()
	open := s.openPeer != uuid.Nil &&
		(ev.SenderID == s.openPeer || ev.ReceiverID == s.openPeer)

	s.inbox = mergeEvent(s.inbox, ev)
	if open {
		s.thread = mergeEvent(s.thread, ev)
		sortByCreatedAt(s.thread)
	}

	autoRead := inbound && open && ev.SenderID == s.openPeer
	if autoRead {
		markReadFrom(s.thread, ev.SenderID, self)
		markReadFrom(s.inbox, ev.SenderID, self)
	}
	s.conversations = BuildConversations(ctx, s.inbox, self, s.profiles)
	s.mu.Unlock()

	if autoRead {
		if err := s.store.MarkRead(ctx, ev.SenderID, self); err != nil {
			s.recordErr(fmt.Errorf("mark read: %w", err))
		}
	}
}

// mergeEvent reconciles an insert event into a message list. Returns the
// updated list. An event whose id is already present is dropped; a
// content/time match promotes the matched entry in place; otherwise the
// event is appended as a new confirmed message.
func mergeEvent(msgs []Message, ev InsertEvent) []Message {
	for i := range msgs {
		if msgs[i].ID == ev.MessageID {
			return msgs // duplicate delivery
		}
	}
	for i := range msgs {
		if msgs[i].Text != ev.Text {
			continue
		}
		delta := msgs[i].CreatedAt.Sub(ev.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > dedupWindow {
			continue
		}
		if msgs[i].Provisional() {
			// Promote in place to the store-confirmed message.
			read := msgs[i].IsRead
			msgs[i] = ev.Message()
			msgs[i].IsRead = read
		}
		return msgs
	}
	return append(msgs, ev.Message())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func sortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func filterPair(msgs []Message, a, b uuid.UUID) []Message {
	var out []Message
	for _, m := range msgs {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	sortByCreatedAt(out)
	return out
}

func removeByID(msgs []Message, id string) []Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return append(msgs[:i], msgs[i+1:]...)
		}
	}
	return msgs
}

func markReadFrom(msgs []Message, sender, receiver uuid.UUID) {
	for i := range msgs {
		if msgs[i].SenderID == sender && msgs[i].ReceiverID == receiver {
			msgs[i].IsRead = true
		}
	}
}

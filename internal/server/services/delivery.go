package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/dbx"
	"github.com/seclink/server/internal/logging"
	"github.com/seclink/server/internal/server/config"
	"github.com/seclink/server/internal/server/models"
	"github.com/seclink/server/internal/server/repositories/repomanager"
	"github.com/seclink/server/internal/server/ws"
)

// DeliveryService orchestrates message flow: every message is persisted
// before any delivery attempt, pushes to online recipients are retried with
// linear backoff, and queued backlog is flushed when a recipient reconnects.
// It also routes incoming WebSocket envelopes and owns presence fan-out.
type DeliveryService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *config.Config
	logger      logging.Logger

	hub   *ws.Hub
	calls *ws.CallManager

	// contact lists cached per user for presence fan-out. A user not seen
	// before gets one broadcast to everyone online; after that the cached
	// set is authoritative until the next contacts sync, even when empty.
	contactsMu sync.RWMutex
	contacts   map[string][]string
}

func NewDeliveryService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, hub *ws.Hub, calls *ws.CallManager, logger logging.Logger) *DeliveryService {
	s := &DeliveryService{
		db:          db,
		repomanager: m,
		config:      cfg,
		logger:      logger.With("service", "delivery"),
		hub:         hub,
		calls:       calls,
		contacts:    make(map[string][]string),
	}
	hub.SetHooks(s.onConnect, s.onDisconnect)
	return s
}

// linearBackoff grows the delay by base on every attempt.
func linearBackoff(base time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		a := atomic.AddInt64(&attempt, 1)
		return time.Duration(a) * base, false
	})
}

// SendMessage persists the message and then tries to push it to the
// recipient's devices. Persistence failing fails the send; delivery failing
// does not, the message stays queued for redelivery.
func (s *DeliveryService) SendMessage(ctx context.Context, senderID string, p *ws.MessagePayload) (*models.Message, error) {
	if p.RecipientID == "" || p.ConversationID == "" || p.Ciphertext == "" || p.Nonce == "" {
		return nil, fmt.Errorf("message missing required fields: %w", common.ErrValidation)
	}

	msg, err := s.repomanager.Messages(s.db).Insert(ctx, &models.Message{
		SenderID:       senderID,
		RecipientID:    p.RecipientID,
		ConversationID: p.ConversationID,
		Ciphertext:     p.Ciphertext,
		Nonce:          p.Nonce,
		KeyVersion:     p.KeyVersion,
		Status:         models.MessageSent,
	})
	if err != nil {
		return nil, fmt.Errorf("error persisting message: %w", err)
	}

	// Extend the conversation key's covered range so a later rotation knows
	// which messages each key version protects. Best effort; the send stands
	// even when no session key is stored yet.
	if err := s.repomanager.Keys(s.db).TouchSessionKeyRange(ctx, senderID, msg.ConversationID, msg.ID); err != nil {
		s.logger.Warn(ctx, "failed to extend session key range",
			"message_id", msg.ID, "conversation_id", msg.ConversationID, "error", err)
	}

	if s.deliver(ctx, msg) {
		s.confirmDelivered(ctx, msg)
	}
	return msg, nil
}

// deliver pushes one message to the recipient with retries. Returns whether
// at least one device accepted it.
func (s *DeliveryService) deliver(ctx context.Context, msg *models.Message) bool {
	if !s.hub.IsOnline(msg.RecipientID) {
		return false
	}

	env, err := ws.NewEnvelope(ws.TypeMessage, &ws.MessagePayload{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		ConversationID: msg.ConversationID,
		Ciphertext:     msg.Ciphertext,
		Nonce:          msg.Nonce,
		KeyVersion:     msg.KeyVersion,
		SentAt:         msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Error(ctx, "failed to build message envelope", "error", err)
		return false
	}

	backoff := retry.WithMaxRetries(s.config.DeliveryRetryAttempts, linearBackoff(s.config.DeliveryRetryBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if s.hub.SendToUser(ctx, msg.RecipientID, env) == 0 {
			return retry.RetryableError(fmt.Errorf("no device accepted message %d", msg.ID))
		}
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, "message push failed, left queued",
			"message_id", msg.ID, "recipient_id", msg.RecipientID, "error", err)
		return false
	}
	return true
}

// confirmDelivered advances the row to delivered and notifies the sender.
func (s *DeliveryService) confirmDelivered(ctx context.Context, msg *models.Message) {
	err := s.repomanager.Messages(s.db).UpdateStatus(ctx, msg.ID, models.MessageDelivered)
	if err != nil && !errors.Is(err, common.ErrVersionConflict) {
		s.logger.Error(ctx, "failed to mark message delivered", "message_id", msg.ID, "error", err)
		return
	}
	s.notifyReceipt(ctx, msg.SenderID, ws.TypeDeliveryReceipt, msg.RecipientID, msg.ConversationID, []int64{msg.ID})
}

func (s *DeliveryService) notifyReceipt(ctx context.Context, toUserID, receiptType, fromUserID, conversationID string, ids []int64) {
	env, err := ws.NewEnvelope(receiptType, &ws.ReceiptPayload{
		MessageIDs:     ids,
		ConversationID: conversationID,
		From:           fromUserID,
	})
	if err != nil {
		s.logger.Error(ctx, "failed to build receipt envelope", "error", err)
		return
	}
	s.hub.SendToUser(ctx, toUserID, env)
}

// MarkRead advances messages to read on behalf of the recipient and forwards
// the read receipt to each sender. Regressions are silently skipped.
func (s *DeliveryService) MarkRead(ctx context.Context, readerID string, ids []int64, conversationID string) error {
	repo := s.repomanager.Messages(s.db)

	bySender := make(map[string][]int64)
	for _, id := range ids {
		msg, err := repo.GetByID(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error loading message %d: %w", id, err)
		}
		if msg.RecipientID != readerID {
			return fmt.Errorf("message %d is not addressed to reader: %w", id, common.ErrForbidden)
		}
		err = repo.UpdateStatus(ctx, id, models.MessageRead)
		if errors.Is(err, common.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error marking message %d read: %w", id, err)
		}
		bySender[msg.SenderID] = append(bySender[msg.SenderID], id)
	}

	for senderID, senderIDs := range bySender {
		s.notifyReceipt(ctx, senderID, ws.TypeReadReceipt, readerID, conversationID, senderIDs)
	}
	return nil
}

// FlushBacklog pushes every queued message to the now-online user and marks
// the accepted ones delivered in one batch. Messages from senders outside the
// user's stored contact set are marked delivered without ever touching the
// wire, so they neither resurface nor reveal they exist.
func (s *DeliveryService) FlushBacklog(ctx context.Context, userID string) {
	repo := s.repomanager.Messages(s.db)

	backlog, err := repo.ListUndelivered(ctx, userID, 500)
	if err != nil {
		s.logger.Error(ctx, "failed to load backlog", "user_id", userID, "error", err)
		return
	}
	if len(backlog) == 0 {
		return
	}

	ids, _ := s.contactIDs(ctx, userID)
	contactSet := make(map[string]struct{})
	for _, id := range ids {
		contactSet[id] = struct{}{}
	}

	var delivered []int64
	bySender := make(map[string]map[string][]int64)
	for _, msg := range backlog {
		if len(contactSet) > 0 {
			if _, ok := contactSet[msg.SenderID]; !ok {
				delivered = append(delivered, msg.ID)
				continue
			}
		}
		if !s.deliver(ctx, msg) {
			break
		}
		delivered = append(delivered, msg.ID)
		if bySender[msg.SenderID] == nil {
			bySender[msg.SenderID] = make(map[string][]int64)
		}
		bySender[msg.SenderID][msg.ConversationID] = append(bySender[msg.SenderID][msg.ConversationID], msg.ID)
	}
	if len(delivered) == 0 {
		return
	}

	n, err := repo.MarkDelivered(ctx, delivered)
	if err != nil {
		s.logger.Error(ctx, "failed to mark backlog delivered", "user_id", userID, "error", err)
		return
	}

	for senderID, convs := range bySender {
		for convID, ids := range convs {
			s.notifyReceipt(ctx, senderID, ws.TypeDeliveryReceipt, userID, convID, ids)
		}
	}
	s.logger.Info(ctx, "backlog flushed", "user_id", userID, "count", n)
}

// Redeliver periodically re-flushes backlog to online users, catching
// messages whose initial push raced a disconnect. Blocks until ctx is done.
func (s *DeliveryService) Redeliver(ctx context.Context) {
	ticker := time.NewTicker(s.config.RedeliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range s.hub.OnlineUsers() {
				s.FlushBacklog(ctx, userID)
			}
		}
	}
}

// onConnect is the hub hook for a device coming online: stamp last seen,
// announce presence, flush the queue and push the read-state snapshot so the
// device does not re-surface already-read items.
func (s *DeliveryService) onConnect(ctx context.Context, userID, deviceID string) {
	if err := s.repomanager.Devices(s.db).UpdateLastSeen(ctx, userID, deviceID, ""); err != nil {
		s.logger.Warn(ctx, "failed to update last seen", "error", err)
	}
	s.fanOutPresence(ctx, userID, true)
	s.FlushBacklog(ctx, userID)
	s.pushReadState(ctx, userID, deviceID)
}

func (s *DeliveryService) pushReadState(ctx context.Context, userID, deviceID string) {
	ids, err := s.repomanager.Messages(s.db).ListReadIncomingIDs(ctx, userID, 500)
	if err != nil {
		s.logger.Warn(ctx, "failed to load read state", "user_id", userID, "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	env, err := ws.NewEnvelope(ws.TypeReadStateSync, &ws.ReadStatePayload{MessageIDs: ids})
	if err != nil {
		s.logger.Error(ctx, "failed to build read state envelope", "error", err)
		return
	}
	s.hub.SendToDevice(ctx, userID, deviceID, env)
}

// onDisconnect fires when the user's last device is gone.
func (s *DeliveryService) onDisconnect(ctx context.Context, userID string) {
	s.calls.HangupUser(ctx, userID)
	s.fanOutPresence(ctx, userID, false)
}

// fanOutPresence notifies the user's contacts about the state change. A user
// with no stored contacts broadcasts to everyone currently online exactly
// once: the load populates the cache, and a cached-empty set sends nothing
// until a contacts sync fills it in.
func (s *DeliveryService) fanOutPresence(ctx context.Context, userID string, online bool) {
	env, err := ws.NewEnvelope(ws.TypePresence, &ws.PresencePayload{UserID: userID, Online: online})
	if err != nil {
		s.logger.Error(ctx, "failed to build presence envelope", "error", err)
		return
	}

	audience, cached := s.contactIDs(ctx, userID)
	if len(audience) == 0 {
		if cached {
			return
		}
		for _, id := range s.hub.OnlineUsers() {
			if id != userID {
				s.hub.SendToUser(ctx, id, env)
			}
		}
		return
	}
	for _, id := range audience {
		s.hub.SendToUser(ctx, id, env)
	}
}

// contactIDs reports the user's contact set and whether it was already
// cached. Load failures stay uncached so the next call retries.
func (s *DeliveryService) contactIDs(ctx context.Context, userID string) ([]string, bool) {
	s.contactsMu.RLock()
	cached, ok := s.contacts[userID]
	s.contactsMu.RUnlock()
	if ok {
		return cached, true
	}

	ids, err := s.repomanager.Messages(s.db).ListContactIDs(ctx, userID)
	if err != nil {
		s.logger.Warn(ctx, "failed to load contacts", "user_id", userID, "error", err)
		return nil, false
	}
	s.contactsMu.Lock()
	s.contacts[userID] = ids
	s.contactsMu.Unlock()
	return ids, false
}

// HandleEnvelope routes one incoming frame from an authenticated connection.
// Unknown envelope types come back as a validation error so the transport
// answers with an error frame instead of dropping the connection.
func (s *DeliveryService) HandleEnvelope(ctx context.Context, userID, deviceID string, env *ws.Envelope) error {
	switch env.Type {
	case ws.TypeMessage:
		var p ws.MessagePayload
		if err := ws.DecodePayload(env, &p); err != nil {
			return err
		}
		_, err := s.SendMessage(ctx, userID, &p)
		return err

	case ws.TypeReadReceipt:
		var p ws.ReceiptPayload
		if err := ws.DecodePayload(env, &p); err != nil {
			return err
		}
		return s.MarkRead(ctx, userID, p.MessageIDs, p.ConversationID)

	case ws.TypeTyping:
		var p ws.TypingPayload
		if err := ws.DecodePayload(env, &p); err != nil {
			return err
		}
		p.From = userID
		out, err := ws.NewEnvelope(ws.TypeTyping, &p)
		if err != nil {
			return err
		}
		// Typing is ephemeral, no persistence and no retry.
		s.hub.SendToUser(ctx, p.RecipientID, out)
		return nil

	case ws.TypeContactsSync:
		var p ws.ContactsPayload
		if err := ws.DecodePayload(env, &p); err != nil {
			return err
		}
		return s.syncContacts(ctx, userID, p.ContactIDs)

	case ws.TypePresenceSub:
		var p ws.PresenceSubPayload
		if err := ws.DecodePayload(env, &p); err != nil {
			return err
		}
		for _, id := range p.UserIDs {
			out, err := ws.NewEnvelope(ws.TypePresence, &ws.PresencePayload{
				UserID: id, Online: s.hub.IsOnline(id),
			})
			if err != nil {
				return err
			}
			s.hub.SendToDevice(ctx, userID, deviceID, out)
		}
		return nil

	case ws.TypeCallOffer:
		return s.handleCall(ctx, userID, env, s.calls.Offer)
	case ws.TypeCallAnswer:
		return s.handleCall(ctx, userID, env, s.calls.Answer)
	case ws.TypeCallReject:
		return s.handleCall(ctx, userID, env, s.calls.Reject)
	case ws.TypeCallEnd:
		return s.handleCall(ctx, userID, env, s.calls.End)
	case ws.TypeICECandidate:
		return s.handleCall(ctx, userID, env, s.calls.Candidate)

	default:
		s.logger.Debug(ctx, "rejecting unknown envelope type",
			"type", env.Type, "user_id", userID, "device_id", deviceID)
		return fmt.Errorf("unknown envelope type %q: %w", env.Type, common.ErrValidation)
	}
}

func (s *DeliveryService) handleCall(ctx context.Context, userID string, env *ws.Envelope, fn func(context.Context, string, *ws.CallPayload) error) error {
	var p ws.CallPayload
	if err := ws.DecodePayload(env, &p); err != nil {
		return err
	}
	return fn(ctx, userID, &p)
}

// syncContacts replaces the user's stored contact set and refreshes the
// presence fan-out cache.
func (s *DeliveryService) syncContacts(ctx context.Context, userID string, contactIDs []string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repomanager.Messages(tx).ReplaceContacts(ctx, userID, contactIDs)
	})
	if err != nil {
		return fmt.Errorf("error replacing contacts: %w", err)
	}

	s.contactsMu.Lock()
	s.contacts[userID] = contactIDs
	s.contactsMu.Unlock()

	s.logger.Info(ctx, "contacts synced", "user_id", userID, "count", len(contactIDs))
	return nil
}

// ReadReceiptSync returns the ids of the sender's messages already read in a
// conversation, so a reconnecting sender can catch up on receipts it missed.
func (s *DeliveryService) ReadReceiptSync(ctx context.Context, senderID, conversationID string) ([]int64, error) {
	return s.repomanager.Messages(s.db).ListReadIDs(ctx, senderID, conversationID)
}

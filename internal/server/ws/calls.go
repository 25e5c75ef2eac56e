package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/seclink/server/internal/common"
	"github.com/seclink/server/internal/logging"
	"github.com/seclink/server/internal/server/models"
)

// Call statuses.
const (
	CallRinging  = "ringing"
	CallActive   = "active"
	CallRejected = "rejected"
	CallEnded    = "ended"
	CallMissed   = "missed"
)

// CallStore persists the call history. Satisfied by the messages repository.
type CallStore interface {
	InsertCallLog(ctx context.Context, c *models.CallLog) (*models.CallLog, error)
	CloseCallLog(ctx context.Context, callID, status string) error
}

// call is the in-memory state of one live call.
type call struct {
	callID   string
	callerID string
	calleeID string
	callType string
	status   string
}

// CallManager relays call signaling between two users and keeps the live
// call table. SDP and ICE blobs pass through opaque; the server never parses
// them.
type CallManager struct {
	mu    sync.Mutex
	calls map[string]*call

	hub    *Hub
	store  CallStore
	logger logging.Logger
}

func NewCallManager(hub *Hub, store CallStore, logger logging.Logger) *CallManager {
	return &CallManager{
		calls:  make(map[string]*call),
		hub:    hub,
		store:  store,
		logger: logger.With("component", "calls"),
	}
}

// Offer starts a call. The callee must be online; an offline callee fails
// the offer immediately and logs the call as missed.
func (m *CallManager) Offer(ctx context.Context, callerID string, p *CallPayload) error {
	if p.To == "" {
		return fmt.Errorf("call offer missing to: %w", common.ErrValidation)
	}
	if p.CallID == "" {
		p.CallID = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.calls[p.CallID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("call %s already exists: %w", p.CallID, common.ErrConflict)
	}
	c := &call{
		callID:   p.CallID,
		callerID: callerID,
		calleeID: p.To,
		callType: p.CallType,
		status:   CallRinging,
	}
	m.calls[p.CallID] = c
	m.mu.Unlock()

	if _, err := m.store.InsertCallLog(ctx, &models.CallLog{
		CallID:   p.CallID,
		CallerID: callerID,
		CalleeID: p.To,
		CallType: p.CallType,
		Status:   CallRinging,
	}); err != nil {
		m.drop(p.CallID)
		return fmt.Errorf("error logging call: %w", err)
	}

	if !m.hub.IsOnline(p.To) {
		m.close(ctx, p.CallID, CallMissed)
		return fmt.Errorf("callee %s is offline: %w", p.To, common.ErrNotFound)
	}

	p.From = callerID
	env, err := NewEnvelope(TypeCallOffer, p)
	if err != nil {
		return err
	}
	if m.hub.SendToUser(ctx, p.To, env) == 0 {
		m.close(ctx, p.CallID, CallMissed)
		return fmt.Errorf("callee %s went offline: %w", p.To, common.ErrNotFound)
	}

	m.logger.Info(ctx, "call offered",
		"call_id", p.CallID, "caller_id", callerID, "callee_id", p.To, "call_type", p.CallType)
	return nil
}

// Answer is the callee accepting; the answer SDP goes back to the caller and
// the call becomes active.
func (m *CallManager) Answer(ctx context.Context, calleeID string, p *CallPayload) error {
	c, err := m.participant(p.CallID, calleeID)
	if err != nil {
		return err
	}
	if c.calleeID != calleeID {
		return fmt.Errorf("only the callee can answer: %w", common.ErrForbidden)
	}

	m.mu.Lock()
	if c.status != CallRinging {
		m.mu.Unlock()
		return fmt.Errorf("call %s is not ringing: %w", p.CallID, common.ErrConflict)
	}
	c.status = CallActive
	m.mu.Unlock()

	p.From = calleeID
	p.To = c.callerID
	env, err := NewEnvelope(TypeCallAnswer, p)
	if err != nil {
		return err
	}
	m.hub.SendToUser(ctx, c.callerID, env)

	m.logger.Info(ctx, "call answered", "call_id", p.CallID)
	return nil
}

// Reject is the callee declining a ringing call.
func (m *CallManager) Reject(ctx context.Context, calleeID string, p *CallPayload) error {
	c, err := m.participant(p.CallID, calleeID)
	if err != nil {
		return err
	}
	if c.calleeID != calleeID {
		return fmt.Errorf("only the callee can reject: %w", common.ErrForbidden)
	}

	p.From = calleeID
	p.To = c.callerID
	env, err := NewEnvelope(TypeCallReject, p)
	if err != nil {
		return err
	}
	m.hub.SendToUser(ctx, c.callerID, env)
	m.close(ctx, p.CallID, CallRejected)

	m.logger.Info(ctx, "call rejected", "call_id", p.CallID)
	return nil
}

// End terminates a call from either side and notifies the peer.
func (m *CallManager) End(ctx context.Context, userID string, p *CallPayload) error {
	c, err := m.participant(p.CallID, userID)
	if err != nil {
		return err
	}

	peer := c.callerID
	if userID == c.callerID {
		peer = c.calleeID
	}

	p.From = userID
	p.To = peer
	env, err := NewEnvelope(TypeCallEnd, p)
	if err != nil {
		return err
	}
	m.hub.SendToUser(ctx, peer, env)
	m.close(ctx, p.CallID, CallEnded)

	m.logger.Info(ctx, "call ended", "call_id", p.CallID, "by", userID)
	return nil
}

// Candidate relays one ICE candidate to the other participant.
func (m *CallManager) Candidate(ctx context.Context, userID string, p *CallPayload) error {
	c, err := m.participant(p.CallID, userID)
	if err != nil {
		return err
	}

	peer := c.callerID
	if userID == c.callerID {
		peer = c.calleeID
	}

	p.From = userID
	p.To = peer
	env, err := NewEnvelope(TypeICECandidate, p)
	if err != nil {
		return err
	}
	m.hub.SendToUser(ctx, peer, env)
	return nil
}

// HangupUser ends every live call the user participates in, invoked when the
// user's last connection drops mid-call.
func (m *CallManager) HangupUser(ctx context.Context, userID string) {
	m.mu.Lock()
	var affected []*call
	for _, c := range m.calls {
		if c.callerID == userID || c.calleeID == userID {
			affected = append(affected, c)
		}
	}
	m.mu.Unlock()

	for _, c := range affected {
		peer := c.callerID
		if userID == c.callerID {
			peer = c.calleeID
		}
		env, err := NewEnvelope(TypeCallEnd, &CallPayload{CallID: c.callID, From: userID, To: peer, Reason: "peer disconnected"})
		if err == nil {
			m.hub.SendToUser(ctx, peer, env)
		}
		m.close(ctx, c.callID, CallEnded)
	}
}

// participant resolves the call and verifies the user is one of its two ends.
func (m *CallManager) participant(callID, userID string) (*call, error) {
	if callID == "" {
		return nil, fmt.Errorf("missing call_id: %w", common.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("unknown call %s: %w", callID, common.ErrNotFound)
	}
	if userID != c.callerID && userID != c.calleeID {
		return nil, fmt.Errorf("not a participant of call %s: %w", callID, common.ErrForbidden)
	}
	return c, nil
}

func (m *CallManager) drop(callID string) {
	m.mu.Lock()
	delete(m.calls, callID)
	m.mu.Unlock()
}

// close persists the terminal call-log record first and only then clears the
// in-memory state, so a crash between the two never loses a finished call.
func (m *CallManager) close(ctx context.Context, callID, status string) {
	if err := m.store.CloseCallLog(ctx, callID, status); err != nil && !errors.Is(err, common.ErrVersionConflict) {
		m.logger.Error(ctx, "failed to close call log", "call_id", callID, "error", err)
	}
	m.drop(callID)
}

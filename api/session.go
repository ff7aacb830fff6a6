package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quotewire/quotewire/internal/slogging"
)

// LockConflictError names the current holder of a contended field lock.
// The lock is never silently overridden.
type LockConflictError struct {
	QuoteID string
	Field   string
	Holder  string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("field %s of quote %s is locked by %s", e.Field, e.QuoteID, e.Holder)
}

// NotLockOwnerError indicates an operation that requires holding the lock.
// Holder is empty when the field is simply unlocked.
type NotLockOwnerError struct {
	QuoteID string
	Field   string
	Holder  string
}

func (e *NotLockOwnerError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("field %s of quote %s is not locked", e.Field, e.QuoteID)
	}
	return fmt.Sprintf("field %s of quote %s is held by %s", e.Field, e.QuoteID, e.Holder)
}

// ErrNotParticipant is returned for session operations by users who never joined
var ErrNotParticipant = errors.New("user is not a session participant")

// fieldLock records the exclusive holder of one field. The TTL runs from
// refreshedAt; an unrefreshed lock becomes reclaimable by anyone.
type fieldLock struct {
	holder      string
	acquiredAt  time.Time
	refreshedAt time.Time
}

type cursorKey struct {
	userID string
	field  string
}

// quoteSession is the collaborative editing state for one quote. Created on
// first join, destroyed when the last participant leaves; locks die with it.
type quoteSession struct {
	quoteID      string
	participants map[string]map[string]struct{}
	locks        map[string]*fieldLock
	cursors      map[cursorKey]int
	createdAt    time.Time
}

// SessionManager owns per-quote advisory field locks and cursor awareness.
// A single mutex guards the session map; no I/O happens while it is held.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*quoteSession

	router     *ChannelRouter
	store      QuoteStore
	lockTTL    time.Duration
	optimistic bool

	// injectable clock for TTL tests
	now func() time.Time
}

// NewSessionManager creates a session manager. optimistic selects the
// explicit deployment policy allowing edits on unlocked fields.
func NewSessionManager(router *ChannelRouter, store QuoteStore, lockTTL time.Duration, optimistic bool) *SessionManager {
	return &SessionManager{
		sessions:   make(map[string]*quoteSession),
		router:     router,
		store:      store,
		lockTTL:    lockTTL,
		optimistic: optimistic,
		now:        time.Now,
	}
}

func (l *fieldLock) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.refreshedAt) > ttl
}

// Join adds a connection to a quote's session, creating it on first join,
// and subscribes the connection to the quote channel. Other participants
// learn about a user once, regardless of device count.
func (sm *SessionManager) Join(ctx context.Context, quoteID, userID, connectionID string) {
	sm.mu.Lock()
	session, ok := sm.sessions[quoteID]
	if !ok {
		session = &quoteSession{
			quoteID:      quoteID,
			participants: make(map[string]map[string]struct{}),
			locks:        make(map[string]*fieldLock),
			cursors:      make(map[cursorKey]int),
			createdAt:    sm.now().UTC(),
		}
		sm.sessions[quoteID] = session
	}
	newUser := session.participants[userID] == nil
	if newUser {
		session.participants[userID] = make(map[string]struct{})
	}
	session.participants[userID][connectionID] = struct{}{}
	sm.mu.Unlock()

	sm.router.Subscribe(QuoteChannel(quoteID), connectionID)

	if newUser {
		sm.publish(ctx, quoteID, ParticipantMessage{
			Type:      MessageTypeParticipantJoined,
			QuoteID:   quoteID,
			UserID:    userID,
			Timestamp: sm.now().UTC(),
		}, connectionID)
	}
}

// Leave removes a connection from a quote's session. When a user's last
// connection leaves, their locks are released; when the last participant
// leaves, the session is destroyed.
func (sm *SessionManager) Leave(ctx context.Context, quoteID, userID, connectionID string) {
	sm.mu.Lock()
	session, ok := sm.sessions[quoteID]
	if !ok {
		sm.mu.Unlock()
		return
	}

	userGone := false
	var releasedFields []string
	if conns, ok := session.participants[userID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(session.participants, userID)
			userGone = true
			for field, lock := range session.locks {
				if lock.holder == userID {
					delete(session.locks, field)
					releasedFields = append(releasedFields, field)
				}
			}
			for key := range session.cursors {
				if key.userID == userID {
					delete(session.cursors, key)
				}
			}
		}
	}
	if len(session.participants) == 0 {
		delete(sm.sessions, quoteID)
	}
	sm.mu.Unlock()

	sm.router.Unsubscribe(QuoteChannel(quoteID), connectionID)

	for _, field := range releasedFields {
		sm.publish(ctx, quoteID, FieldLockMessage{
			Type:      MessageTypeFieldUnlocked,
			QuoteID:   quoteID,
			Field:     field,
			UserID:    userID,
			Timestamp: sm.now().UTC(),
		}, connectionID)
	}
	if userGone {
		sm.publish(ctx, quoteID, ParticipantMessage{
			Type:      MessageTypeParticipantLeft,
			QuoteID:   quoteID,
			UserID:    userID,
			Timestamp: sm.now().UTC(),
		}, connectionID)
	}
}

// HandleDisconnect removes a closed connection from every session it joined.
// Part of the registry's teardown cascade; idempotent.
func (sm *SessionManager) HandleDisconnect(conn Connection) {
	sm.mu.Lock()
	var member []string
	for quoteID, session := range sm.sessions {
		if conns, ok := session.participants[conn.UserID]; ok {
			if _, ok := conns[conn.ID]; ok {
				member = append(member, quoteID)
			}
		}
	}
	sm.mu.Unlock()

	for _, quoteID := range member {
		sm.Leave(context.Background(), quoteID, conn.UserID, conn.ID)
	}
}

// AcquireLock transitions a field to Locked(userID). It succeeds only when
// the field is unlocked, already held by the caller, or the holder's lock
// has expired; otherwise LockConflictError names the holder.
func (sm *SessionManager) AcquireLock(ctx context.Context, quoteID, field, userID, originConnectionID string) error {
	now := sm.now().UTC()

	sm.mu.Lock()
	session, ok := sm.sessions[quoteID]
	if !ok || session.participants[userID] == nil {
		sm.mu.Unlock()
		return ErrNotParticipant
	}

	if lock, exists := session.locks[field]; exists {
		if lock.holder != userID && !lock.expired(now, sm.lockTTL) {
			holder := lock.holder
			sm.mu.Unlock()
			return &LockConflictError{QuoteID: quoteID, Field: field, Holder: holder}
		}
	}
	session.locks[field] = &fieldLock{holder: userID, acquiredAt: now, refreshedAt: now}
	sm.mu.Unlock()

	sm.publish(ctx, quoteID, FieldLockMessage{
		Type:      MessageTypeFieldLocked,
		QuoteID:   quoteID,
		Field:     field,
		UserID:    userID,
		Timestamp: now,
	}, originConnectionID)
	return nil
}

// ReleaseLock transitions a field back to Unlocked. Only the holder may
// release; anyone else receives NotLockOwnerError.
func (sm *SessionManager) ReleaseLock(ctx context.Context, quoteID, field, userID, originConnectionID string) error {
	sm.mu.Lock()
	session, ok := sm.sessions[quoteID]
	if !ok {
		sm.mu.Unlock()
		return ErrNotParticipant
	}
	lock, exists := session.locks[field]
	if !exists {
		sm.mu.Unlock()
		return &NotLockOwnerError{QuoteID: quoteID, Field: field}
	}
	if lock.holder != userID {
		holder := lock.holder
		sm.mu.Unlock()
		return &NotLockOwnerError{QuoteID: quoteID, Field: field, Holder: holder}
	}
	delete(session.locks, field)
	sm.mu.Unlock()

	sm.publish(ctx, quoteID, FieldLockMessage{
		Type:      MessageTypeFieldUnlocked,
		QuoteID:   quoteID,
		Field:     field,
		UserID:    userID,
		Timestamp: sm.now().UTC(),
	}, originConnectionID)
	return nil
}

// UpdateField applies a field edit. The caller must hold the lock, unless
// the field is unlocked and optimistic mode was configured. On success the
// edit is broadcast to the quote channel excluding the sender, the lock TTL
// is refreshed, and persistence runs asynchronously; a store rejection
// triggers a compensating revert broadcast.
func (sm *SessionManager) UpdateField(ctx context.Context, quoteID, field string, value json.RawMessage, userID, originConnectionID string) error {
	now := sm.now().UTC()

	sm.mu.Lock()
	session, ok := sm.sessions[quoteID]
	if !ok || session.participants[userID] == nil {
		sm.mu.Unlock()
		return ErrNotParticipant
	}

	lock, exists := session.locks[field]
	switch {
	case exists && lock.holder == userID:
		// Refresh the TTL on every successful update by the holder. An
		// expired-but-unreclaimed lock still belongs to the holder.
		lock.refreshedAt = now
	case exists && !lock.expired(now, sm.lockTTL):
		holder := lock.holder
		sm.mu.Unlock()
		return &LockConflictError{QuoteID: quoteID, Field: field, Holder: holder}
	default:
		// Unlocked, or another user's expired lock
		if !sm.optimistic {
			sm.mu.Unlock()
			return &NotLockOwnerError{QuoteID: quoteID, Field: field}
		}
		delete(session.locks, field)
	}
	sm.mu.Unlock()

	sm.publish(ctx, quoteID, FieldUpdatedMessage{
		Type:      MessageTypeFieldUpdated,
		QuoteID:   quoteID,
		Field:     field,
		Value:     value,
		UserID:    userID,
		Timestamp: now,
	}, originConnectionID)

	go sm.persistFieldUpdate(quoteID, field, value, userID)
	return nil
}

// persistFieldUpdate applies the edit against the storage collaborator.
// A rejection is compensated with a field:reverted broadcast carrying the
// authoritative value; it is never silently dropped.
func (sm *SessionManager) persistFieldUpdate(quoteID, field string, value json.RawMessage, userID string) {
	logger := slogging.Get()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sm.store.ApplyFieldUpdate(ctx, quoteID, field, value, userID)
	if err == nil {
		return
	}

	reason := "storage_error"
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		reason = vErr.Reason
	}
	logger.Warn("Field update rejected for quote %s field %s by user %s: %v", quoteID, field, userID, err)

	var authoritative json.RawMessage
	if snapshot, getErr := sm.store.Get(ctx, quoteID); getErr == nil {
		authoritative = snapshot.Fields[field]
	} else {
		logger.Error("Failed to fetch authoritative value for revert of quote %s field %s: %v", quoteID, field, getErr)
	}

	// The revert goes to everyone, the original editor included
	sm.publish(ctx, quoteID, FieldRevertedMessage{
		Type:      MessageTypeFieldReverted,
		QuoteID:   quoteID,
		Field:     field,
		Value:     authoritative,
		Reason:    reason,
		Timestamp: sm.now().UTC(),
	}, "")
}

// UpdateCursor records and broadcasts a participant's cursor position.
// Fire-and-forget: no persistence, no lock interaction.
func (sm *SessionManager) UpdateCursor(ctx context.Context, quoteID, field, userID string, position int, originConnectionID string) {
	sm.mu.Lock()
	session, ok := sm.sessions[quoteID]
	if !ok || session.participants[userID] == nil {
		sm.mu.Unlock()
		return
	}
	session.cursors[cursorKey{userID: userID, field: field}] = position
	sm.mu.Unlock()

	sm.publish(ctx, quoteID, CursorBroadcastMessage{
		Type:      MessageTypeCursorPosition,
		QuoteID:   quoteID,
		Field:     field,
		Position:  position,
		UserID:    userID,
		Timestamp: sm.now().UTC(),
	}, originConnectionID)
}

// LockHolder reports the current holder of a field lock, ignoring expiry
func (sm *SessionManager) LockHolder(quoteID, field string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[quoteID]
	if !ok {
		return "", false
	}
	lock, exists := session.locks[field]
	if !exists {
		return "", false
	}
	return lock.holder, true
}

// Participants returns the user IDs currently in a quote's session
func (sm *SessionManager) Participants(quoteID string) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[quoteID]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(session.participants))
	for userID := range session.participants {
		users = append(users, userID)
	}
	return users
}

// SessionCount returns the number of active sessions
func (sm *SessionManager) SessionCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// StartLockJanitor reclaims expired locks on a fixed interval so a silently
// dropped connection cannot deadlock a field until someone retries it.
func (sm *SessionManager) StartLockJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.reclaimExpiredLocks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (sm *SessionManager) reclaimExpiredLocks(ctx context.Context) {
	now := sm.now().UTC()

	type expiredLock struct {
		quoteID string
		field   string
		holder  string
	}
	var expired []expiredLock

	sm.mu.Lock()
	for quoteID, session := range sm.sessions {
		for field, lock := range session.locks {
			if lock.expired(now, sm.lockTTL) {
				delete(session.locks, field)
				expired = append(expired, expiredLock{quoteID: quoteID, field: field, holder: lock.holder})
			}
		}
	}
	sm.mu.Unlock()

	for _, e := range expired {
		slogging.Get().Info("Reclaimed expired lock on quote %s field %s held by %s", e.quoteID, e.field, e.holder)
		sm.publish(ctx, e.quoteID, FieldLockMessage{
			Type:      MessageTypeFieldUnlocked,
			QuoteID:   e.quoteID,
			Field:     e.field,
			UserID:    e.holder,
			Timestamp: now,
		}, "")
	}
}

// publish marshals a session event and publishes it on the quote channel
func (sm *SessionManager) publish(ctx context.Context, quoteID string, msg any, originConnectionID string) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slogging.Get().Error("Failed to marshal session event for quote %s: %v", quoteID, err)
		return
	}
	sm.router.Publish(ctx, QuoteChannel(quoteID), payload, originConnectionID)
}

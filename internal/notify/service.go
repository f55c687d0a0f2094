package notify

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"findkin/pkg/domain"
	"findkin/pkg/store"
)

// Service appends notifications to the durable per-user log first, then
// best-effort pushes them to live sessions. The log is the source of truth;
// losing a push loses only real-time delivery.
type Service struct {
	store        store.Store
	hub          *Hub
	initialBatch int
}

// NewService wires the durable log and the hub.
func NewService(s store.Store, hub *Hub, initialBatch int) *Service {
	if initialBatch <= 0 {
		initialBatch = 10
	}
	return &Service{store: s, hub: hub, initialBatch: initialBatch}
}

// Notify persists the notification and pushes it to any live sessions.
func (s *Service) Notify(userID, message, navigateTo string) error {
	n := domain.Notification{
		ID:         uuid.NewString(),
		Message:    message,
		Clickable:  navigateTo != "",
		NavigateTo: navigateTo,
		Time:       time.Now().UTC(),
	}
	if err := s.store.AppendNotification(userID, n); err != nil {
		return err
	}
	s.hub.Broadcast(userID, Event{Type: EventNotification, Data: n})
	return nil
}

// Attach registers the session and emits the connection acknowledgement plus
// the initial durable batch.
func (s *Service) Attach(session *Session) error {
	if err := s.hub.Subscribe(session); err != nil {
		return err
	}
	session.enqueue(Event{Type: EventConnected})
	page, err := s.Page(session.UserID(), 0, s.initialBatch)
	if err != nil {
		// The session stays live; the client can page the log explicitly.
		slog.Warn("initial notification batch failed", "user_id", session.UserID(), "err", err)
		return nil
	}
	session.enqueue(Event{Type: EventInitial, Data: page})
	return nil
}

// Page reads a slice of the durable log, newest first. A user without a
// record yet simply has an empty log.
func (s *Service) Page(userID string, offset, limit int) (store.NotificationPage, error) {
	if limit <= 0 {
		limit = s.initialBatch
	}
	page, err := s.store.ListNotifications(userID, offset, limit)
	if errors.Is(err, store.ErrNotFound) {
		return store.NotificationPage{Items: []domain.Notification{}, Offset: offset, PageSize: limit, NextOffset: -1}, nil
	}
	return page, err
}

// MarkRead marks the given ids (or all) read. Idempotent; the receipt
// partitions ids into updated, already-read, and invalid.
func (s *Service) MarkRead(userID string, ids []string, all bool) (store.ReadReceipt, error) {
	receipt, err := s.store.MarkNotificationsRead(userID, ids, all)
	if errors.Is(err, store.ErrNotFound) {
		return store.ReadReceipt{Invalid: ids}, nil
	}
	return receipt, err
}

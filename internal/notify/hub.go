package notify

import (
	"context"
	"errors"
)

// ErrCapacity is returned when the global live-session cap is reached. New
// subscriptions are rejected outright rather than accepted and starved.
var ErrCapacity = errors.New("notification session capacity reached")

// SessionGauge tracks the live session count. prometheus.Gauge satisfies it.
type SessionGauge interface {
	Set(float64)
}

type subscribeReq struct {
	session *Session
	reply   chan error
}

type broadcastReq struct {
	userID string
	event  Event
}

// Hub multiplexes push delivery to per-user channels of live sessions.
//
// A single run loop owns the channel registry, so registration, fan-out, and
// cleanup are serialized: simultaneous disconnects of a user's last sessions
// queue idempotent unregister events, and the empty-channel check-then-delete
// happens inside the loop after each one, never in a connection handler.
type Hub struct {
	capacity int
	gauge    SessionGauge

	channels map[string]map[*Session]struct{}
	live     int

	subscribeCh   chan subscribeReq
	unsubscribeCh chan *Session
	broadcastCh   chan broadcastReq
	done          chan struct{}
}

// NewHub builds a hub with a global cap on concurrently live sessions.
// capacity <= 0 means unlimited.
func NewHub(capacity int, gauge SessionGauge) *Hub {
	return &Hub{
		capacity:      capacity,
		gauge:         gauge,
		channels:      make(map[string]map[*Session]struct{}),
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan *Session, 64),
		broadcastCh:   make(chan broadcastReq, 256),
		done:          make(chan struct{}),
	}
}

// Run owns the registry until ctx is canceled, then force-deregisters every
// session so pumps drain and connections close.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case req := <-h.subscribeCh:
			req.reply <- h.add(req.session)
		case session := <-h.unsubscribeCh:
			h.remove(session)
		case req := <-h.broadcastCh:
			for session := range h.channels[req.userID] {
				session.enqueue(req.event)
			}
		}
	}
}

// Subscribe registers a session with its user's channel, lazily creating the
// channel on first subscription.
func (h *Hub) Subscribe(s *Session) error {
	req := subscribeReq{session: s, reply: make(chan error, 1)}
	select {
	case h.subscribeCh <- req:
		return <-req.reply
	case <-h.done:
		return errors.New("notification hub stopped")
	}
}

// Unsubscribe detaches a session. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Session) {
	select {
	case h.unsubscribeCh <- s:
	case <-h.done:
	}
}

// Broadcast pushes an event to every live session of the user. Fire and
// forget: with no channel or an empty channel the push is silently dropped.
func (h *Hub) Broadcast(userID string, e Event) {
	select {
	case h.broadcastCh <- broadcastReq{userID: userID, event: e}:
	case <-h.done:
	default:
	}
}

func (h *Hub) add(s *Session) error {
	if h.capacity > 0 && h.live >= h.capacity {
		return ErrCapacity
	}
	sessions, ok := h.channels[s.userID]
	if !ok {
		sessions = make(map[*Session]struct{})
		h.channels[s.userID] = sessions
	}
	if _, exists := sessions[s]; exists {
		return nil
	}
	sessions[s] = struct{}{}
	h.live++
	h.updateGauge()
	return nil
}

func (h *Hub) remove(s *Session) {
	sessions, ok := h.channels[s.userID]
	if !ok {
		return
	}
	if _, exists := sessions[s]; !exists {
		return
	}
	delete(sessions, s)
	s.close()
	h.live--
	h.updateGauge()
	// Channel is destroyed once its last session detaches.
	if len(sessions) == 0 {
		delete(h.channels, s.userID)
	}
}

func (h *Hub) closeAll() {
	for userID, sessions := range h.channels {
		for session := range sessions {
			session.close()
		}
		delete(h.channels, userID)
	}
	h.live = 0
	h.updateGauge()
}

func (h *Hub) updateGauge() {
	if h.gauge != nil {
		h.gauge.Set(float64(h.live))
	}
}

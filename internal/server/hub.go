package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/sjawhar/sitevoice/internal/storage"
)

const eventQueueSize = 256

// Subscription is one websocket client's view of the hub. Events carries
// control and text events in order and is closed if the client falls
// eventQueueSize messages behind. Levels holds only the latest meter frame.
type Subscription struct {
	Events chan []byte
	Levels chan []byte
}

// Hub fans events out to websocket subscribers without blocking the
// publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		Events: make(chan []byte, eventQueueSize),
		Levels: make(chan []byte, 1),
	}
	h.mu.Lock()
	h.clients[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.clients[sub]; !ok {
		return
	}
	delete(h.clients, sub)
	close(sub.Events)
}

// Broadcast queues msg for every subscriber. A subscriber whose queue is
// full is dropped so it reconnects and resyncs instead of silently missing
// a state change or part of a recommendation.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.clients {
		select {
		case sub.Events <- msg:
		default:
			log.Printf("ws subscriber fell behind, disconnecting")
			h.removeLocked(sub)
		}
	}
}

// broadcastLatest replaces any undelivered meter frame.
func (h *Hub) broadcastLatest(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.clients {
		select {
		case <-sub.Levels:
		default:
		}
		select {
		case sub.Levels <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastCaptureState(state string, maxDuration time.Duration, errMsg string) {
	h.broadcastEvent(CaptureStateEvent{
		Event:       newEvent("capture_state", time.Now().UTC()),
		State:       state,
		MaxDuration: maxDuration.Seconds(),
		Error:       errMsg,
	})
}

func (h *Hub) BroadcastLevels(levels []float64) {
	payload, err := json.Marshal(LevelsEvent{
		Event:  newEvent("levels", time.Now().UTC()),
		Levels: levels,
	})
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.broadcastLatest(payload)
}

func (h *Hub) BroadcastTranscriptReady(c storage.Capture) {
	h.broadcastEvent(TranscriptReadyEvent{
		Event:     newEvent("transcript_ready", time.Now().UTC()),
		CaptureID: c.ID,
		Text:      c.Transcript,
		Status:    c.TranscriptStatus,
		Seconds:   c.Seconds,
		Error:     c.Error,
	})
}

func (h *Hub) BroadcastRecommendationDelta(requestID, delta string, done bool) {
	h.broadcastEvent(RecommendationDeltaEvent{
		Event:     newEvent("recommendation_delta", time.Now().UTC()),
		RequestID: requestID,
		Delta:     delta,
		Done:      done,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}

// Package fanout routes canonical events from ingest to subscribed
// receiver sessions. Each subscriber owns a bounded queue; a receiver that
// cannot keep up loses events (counted) and is eventually cut off rather
// than being allowed to stall ingest.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/iwismer/rusty-timer-sub001/internal/protocol"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

// Delivery is one item on a subscriber queue: a live event, an epoch reset
// notice, or a refreshed target set after a mapping change.
type Delivery struct {
	Event   *protocol.ReadEvent
	Reset   *protocol.StreamReset
	Refresh *protocol.SelectionApplied
}

type epochSet struct {
	all    bool
	epochs map[uint64]bool
}

func (e epochSet) contains(epoch uint64) bool {
	return e.all || e.epochs[epoch]
}

type cursor struct {
	epoch, seq uint64
}

// Subscriber is one receiver session attached to the hub.
type Subscriber struct {
	ReceiverID string
	SessionID  string

	queue chan Delivery
	done  chan struct{}

	mu      sync.Mutex
	sel     protocol.Selection
	targets map[string]epochSet
	floors  map[string]cursor
	drops   int
	reason  string
}

// Deliveries is the subscriber's outbound queue. It is never closed; watch
// Done to learn when the hub has cut the subscriber off.
func (s *Subscriber) Deliveries() <-chan Delivery { return s.queue }

// Done is closed when the hub disconnects the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Reason reports why the subscriber was cut off. Empty while attached.
func (s *Subscriber) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Drops reports how many deliveries were discarded because the queue was
// full.
func (s *Subscriber) Drops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// SetFloor marks (epoch, seq) and everything before it on a stream as
// already covered by replay. Live events at or below the floor are
// discarded instead of delivered, so the replay/live seam has no
// duplicates.
func (s *Subscriber) SetFloor(streamID string, epoch, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floors[streamID] = cursor{epoch: epoch, seq: seq}
}

func (s *Subscriber) setTargets(sel protocol.Selection, targets []protocol.Target) {
	sets := map[string]epochSet{}
	for _, t := range targets {
		es, ok := sets[t.StreamID]
		if !ok {
			es = epochSet{epochs: map[uint64]bool{}}
		}
		if t.Epoch == 0 {
			es.all = true
		} else {
			es.epochs[t.Epoch] = true
		}
		sets[t.StreamID] = es
	}
	s.mu.Lock()
	s.sel = sel
	s.targets = sets
	s.mu.Unlock()
}

// wants reports whether the subscriber should receive the event, and
// whether it falls under the replay floor.
func (s *Subscriber) wants(ev *protocol.ReadEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.targets[ev.StreamID]
	if !ok || !es.contains(ev.Epoch) {
		return false
	}
	return s.aboveFloorLocked(ev)
}

// AboveFloor reports whether the event is past the replay floor for its
// stream. An event published before the floor was set passes the filter at
// enqueue, so consumers re-check queued events at dequeue; replay already
// covered anything the check rejects.
func (s *Subscriber) AboveFloor(ev *protocol.ReadEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aboveFloorLocked(ev)
}

func (s *Subscriber) aboveFloorLocked(ev *protocol.ReadEvent) bool {
	f, ok := s.floors[ev.StreamID]
	if !ok {
		return true
	}
	return ev.Epoch > f.epoch || (ev.Epoch == f.epoch && ev.Seq > f.seq)
}

func (s *Subscriber) targetsStream(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.targets[streamID]
	return ok
}

func (s *Subscriber) selection() protocol.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

type Hub struct {
	st        *store.Store
	queueSize int
	highWater int

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// New builds a hub. queueSize bounds each subscriber queue; a subscriber
// whose drop count passes highWater is disconnected.
func New(st *store.Store, queueSize, highWater int) *Hub {
	return &Hub{
		st:        st,
		queueSize: queueSize,
		highWater: highWater,
		subs:      make(map[string]*Subscriber),
	}
}

// Subscribe attaches a receiver session with its selection and returns the
// resolved targets. Live events for the targets start queueing immediately,
// so a caller that replays history before draining the queue sees no gap at
// the seam.
func (h *Hub) Subscribe(receiverID, sessionID string, sel protocol.Selection) (*Subscriber, []protocol.Target, []string, error) {
	targets, warnings, err := Resolve(h.st, sel)
	if err != nil {
		return nil, nil, nil, err
	}
	sub := &Subscriber{
		ReceiverID: receiverID,
		SessionID:  sessionID,
		queue:      make(chan Delivery, h.queueSize),
		done:       make(chan struct{}),
		floors:     map[string]cursor{},
	}
	sub.setTargets(sel, targets)

	h.mu.Lock()
	h.subs[sessionID] = sub
	h.mu.Unlock()
	return sub, targets, warnings, nil
}

// Unsubscribe detaches a session. Safe to call after a backpressure cut.
func (h *Hub) Unsubscribe(sessionID string) {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	if ok {
		delete(h.subs, sessionID)
	}
	h.mu.Unlock()
	if ok {
		sub.cut("unsubscribed")
	}
}

// SubscriberCount reports the number of attached receiver sessions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// SetSelection replaces a subscriber's selection in place and returns the
// new target set. Removed targets stop delivery immediately; cursors are
// untouched.
func (h *Hub) SetSelection(sessionID string, sel protocol.Selection) ([]protocol.Target, []string, error) {
	h.mu.RLock()
	sub, ok := h.subs[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("fanout: no subscriber for session %s", sessionID)
	}
	targets, warnings, err := Resolve(h.st, sel)
	if err != nil {
		return nil, nil, err
	}
	sub.setTargets(sel, targets)
	return targets, warnings, nil
}

// Publish offers a canonical event to every matching subscriber. The
// enqueue never blocks: a full queue counts a drop, and a subscriber past
// the drop high-water mark is disconnected with an explicit reason.
func (h *Hub) Publish(ev protocol.ReadEvent) {
	h.mu.RLock()
	var kicked []*Subscriber
	for _, sub := range h.subs {
		if !sub.wants(&ev) {
			continue
		}
		if !sub.offer(Delivery{Event: &ev}) && sub.shouldCut(h.highWater) {
			kicked = append(kicked, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range kicked {
		h.cutSubscriber(sub)
	}
}

// OnEpochAdvance tells subscribers a stream rolled to a new epoch and
// re-resolves selections scoped to the current epoch.
func (h *Hub) OnEpochAdvance(streamID string, newEpoch uint64) {
	info, err := h.st.GetStream(streamID)
	if err != nil {
		slog.Error("epoch advance for unknown stream",
			slog.String("stream_id", streamID), slog.Any("error", err))
		return
	}
	reset := protocol.StreamReset{
		StreamRef: protocol.StreamRef{ForwarderID: info.ForwarderID, ReaderKey: info.ReaderKey},
		StreamID:  streamID,
		NewEpoch:  newEpoch,
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var kicked []*Subscriber
	for _, sub := range subs {
		if sub.targetsStream(streamID) {
			if !sub.offer(Delivery{Reset: &reset}) && sub.shouldCut(h.highWater) {
				kicked = append(kicked, sub)
				continue
			}
		}
		sel := sub.selection()
		if sel.Mode == protocol.SelectionRace && sel.EpochScope == protocol.EpochScopeCurrent {
			h.refresh(sub, sel)
		}
	}
	for _, sub := range kicked {
		h.cutSubscriber(sub)
	}
}

// OnMappingChange re-resolves every subscriber selecting the given race.
func (h *Hub) OnMappingChange(raceID string) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sel := sub.selection()
		if sel.Mode == protocol.SelectionRace && sel.RaceID == raceID {
			h.refresh(sub, sel)
		}
	}
}

func (h *Hub) refresh(sub *Subscriber, sel protocol.Selection) {
	targets, warnings, err := Resolve(h.st, sel)
	if err != nil {
		slog.Error("selection re-resolution failed",
			slog.String("receiver_id", sub.ReceiverID), slog.Any("error", err))
		return
	}
	sub.setTargets(sel, targets)
	sub.offer(Delivery{Refresh: &protocol.SelectionApplied{
		SessionID: sub.SessionID,
		Targets:   targets,
		Warnings:  warnings,
	}})
}

func (h *Hub) cutSubscriber(sub *Subscriber) {
	h.mu.Lock()
	if h.subs[sub.SessionID] == sub {
		delete(h.subs, sub.SessionID)
	}
	h.mu.Unlock()
	reason := fmt.Sprintf("backpressure: %d events dropped", sub.Drops())
	sub.cut(reason)
	slog.Warn("receiver cut off",
		slog.String("receiver_id", sub.ReceiverID),
		slog.String("reason", reason))
}

func (s *Subscriber) offer(d Delivery) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.queue <- d:
		return true
	default:
		s.mu.Lock()
		s.drops++
		s.mu.Unlock()
		return false
	}
}

func (s *Subscriber) shouldCut(highWater int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops > highWater
}

func (s *Subscriber) cut(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != "" {
		return
	}
	s.reason = reason
	close(s.done)
}

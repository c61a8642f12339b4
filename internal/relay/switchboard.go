package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/logger"
	"github.com/aviary-dev/aviary/internal/events"
	"github.com/aviary-dev/aviary/internal/events/bus"
)

var (
	// ErrUnknownRecipient is returned when a direct envelope targets a
	// name the switchboard has never seen.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrEmptySender rejects envelopes without a from field.
	ErrEmptySender = errors.New("envelope sender is empty")
)

// Channel control bodies understood on KindCommand envelopes.
const (
	cmdChannelJoin  = "CHANNEL_JOIN"
	cmdChannelLeave = "CHANNEL_LEAVE"
)

// Subscriber is one online agent's delivery endpoint, registered by its
// session at start. Deliver must be non-blocking (it enqueues on the
// agent's injection queue).
type Subscriber interface {
	Deliver(env Envelope) error
	Pending() int
}

// Directory resolves known agent names and records message counters.
// The registry implements it; tests use fakes.
type Directory interface {
	Names() []string
	RecordSent(name string) error
	RecordReceived(name string) error
}

// Config tunes the switchboard.
type Config struct {
	// DedupeCap bounds each recipient's delivered-id set.
	DedupeCap int
	// SenderHashCap bounds each sender's double-emission hash set.
	SenderHashCap int
	// OfflineTTL drops recipients that never come online.
	OfflineTTL time.Duration
	// OfflineQueueCap bounds per-recipient offline buffering.
	OfflineQueueCap int
	// SweepInterval paces the offline sweeper in Run.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DedupeCap <= 0 {
		c.DedupeCap = 1000
	}
	if c.SenderHashCap <= 0 {
		c.SenderHashCap = 500
	}
	if c.OfflineTTL <= 0 {
		c.OfflineTTL = 24 * time.Hour
	}
	if c.OfflineQueueCap <= 0 {
		c.OfflineQueueCap = 200
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

type offlineEntry struct {
	envs  []Envelope
	since time.Time
}

// Switchboard routes envelopes between agents. Publish never blocks:
// delivery is handing the envelope to the recipient's injection queue
// or parking it in a bounded offline buffer.
type Switchboard struct {
	cfg Config
	dir Directory
	bus bus.EventBus
	log *logger.Logger

	mu        sync.Mutex
	subs      map[string]Subscriber
	delivered map[string]*fifoSet // recipient -> delivered envelope ids
	senderSeen map[string]*fifoSet // sender -> body hashes
	channels  map[string]membership
	offline   map[string]*offlineEntry
	lastSeen  map[string]time.Time
}

// NewSwitchboard wires the router. dir and eventBus may be nil.
func NewSwitchboard(cfg Config, dir Directory, eventBus bus.EventBus, log *logger.Logger) *Switchboard {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Switchboard{
		cfg:        cfg,
		dir:        dir,
		bus:        eventBus,
		log:        log.WithFields(zap.String("component", "relay")),
		subs:       make(map[string]Subscriber),
		delivered:  make(map[string]*fifoSet),
		senderSeen: make(map[string]*fifoSet),
		channels:   make(map[string]membership),
		offline:    make(map[string]*offlineEntry),
		lastSeen:   make(map[string]time.Time),
	}
}

// Subscribe registers an online agent and flushes anything buffered for
// it while it was offline.
func (s *Switchboard) Subscribe(name string, sub Subscriber) {
	s.mu.Lock()
	s.subs[name] = sub
	s.lastSeen[name] = time.Now()
	parked := s.offline[name]
	delete(s.offline, name)
	s.mu.Unlock()

	if parked != nil {
		for _, env := range parked.envs {
			if err := sub.Deliver(env); err != nil {
				s.log.Warn("offline flush delivery failed",
					zap.String("recipient", name),
					zap.String("envelope_id", env.ID),
					zap.Error(err))
			}
		}
		s.log.Info("flushed offline messages",
			zap.String("recipient", name),
			zap.Int("count", len(parked.envs)))
	}
}

// Unsubscribe removes an agent's delivery endpoint (session stopped).
func (s *Switchboard) Unsubscribe(name string) {
	s.mu.Lock()
	delete(s.subs, name)
	s.lastSeen[name] = time.Now()
	s.mu.Unlock()
}

// PendingFor reports queued messages for the agent: its injection queue
// depth when online, the offline buffer depth otherwise.
func (s *Switchboard) PendingFor(name string) int {
	s.mu.Lock()
	sub := s.subs[name]
	var parked int
	if entry := s.offline[name]; entry != nil {
		parked = len(entry.envs)
	}
	s.mu.Unlock()
	if sub != nil {
		return sub.Pending() + parked
	}
	return parked
}

// Join adds an agent to a channel, creating the channel on first use.
func (s *Switchboard) Join(channel, name string) {
	channel = NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.channels[channel]
	if !ok {
		members = make(membership)
		s.channels[channel] = members
	}
	members.add(name)
}

// Leave removes an agent from a channel.
func (s *Switchboard) Leave(channel, name string) {
	channel = NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.channels[channel]; ok {
		members.remove(name)
		if len(members) == 0 {
			delete(s.channels, channel)
		}
	}
}

// Members returns the channel's current membership, sorted.
func (s *Switchboard) Members(channel string) []string {
	channel = NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.channels[channel]; ok {
		return members.names()
	}
	return nil
}

// Publish routes one envelope. Classification by To: agent name,
// broadcast `*`, or channel. Publish order per (from, to) pair equals
// delivery order; the call never blocks on recipients.
func (s *Switchboard) Publish(env Envelope) error {
	if env.From == "" {
		return ErrEmptySender
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.TS == 0 {
		env.TS = time.Now().UnixNano()
	}
	if env.Kind == "" {
		env.Kind = KindMessage
	}
	if env.Importance == "" {
		env.Importance = ImportanceNormal
	}

	// Channel membership control rides on command envelopes.
	if env.Kind == KindCommand && IsChannel(env.To) {
		switch env.Body {
		case cmdChannelJoin:
			s.Join(env.To, env.From)
			return nil
		case cmdChannelLeave:
			s.Leave(env.To, env.From)
			return nil
		}
	}

	if s.senderDuplicate(env) {
		return nil
	}

	recipients, err := s.resolve(env)
	if err != nil {
		return err
	}

	if s.dir != nil {
		if err := s.dir.RecordSent(env.From); err != nil {
			s.log.Debug("sender counter update failed", zap.String("sender", env.From), zap.Error(err))
		}
	}
	s.emit(events.MessagePublished, env, "")

	for _, recipient := range recipients {
		s.deliverTo(recipient, env)
	}
	return nil
}

// senderDuplicate suppresses accidental double-emission from a session
// that re-parses the same output window: recipient + body prefix.
func (s *Switchboard) senderDuplicate(env Envelope) bool {
	body := env.Body
	if len(body) > 100 {
		body = body[:100]
	}
	key := env.To + "|" + body

	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.senderSeen[env.From]
	if !ok {
		set = newFifoSet(s.cfg.SenderHashCap)
		s.senderSeen[env.From] = set
	}
	return set.seen(key)
}

// resolve expands To into concrete recipient names, excluding the
// sender everywhere.
func (s *Switchboard) resolve(env Envelope) ([]string, error) {
	switch {
	case IsBroadcast(env.To):
		return s.allKnownExcept(env.From), nil
	case IsChannel(env.To):
		members := s.Members(env.To)
		out := members[:0:0]
		for _, m := range members {
			if m != env.From {
				out = append(out, m)
			}
		}
		return out, nil
	default:
		if !s.knows(env.To) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, env.To)
		}
		return []string{env.To}, nil
	}
}

func (s *Switchboard) knows(name string) bool {
	s.mu.Lock()
	_, online := s.subs[name]
	s.mu.Unlock()
	if online {
		return true
	}
	if s.dir != nil {
		for _, n := range s.dir.Names() {
			if n == name {
				return true
			}
		}
	}
	return false
}

func (s *Switchboard) allKnownExcept(sender string) []string {
	set := make(map[string]struct{})
	s.mu.Lock()
	for name := range s.subs {
		set[name] = struct{}{}
	}
	s.mu.Unlock()
	if s.dir != nil {
		for _, name := range s.dir.Names() {
			set[name] = struct{}{}
		}
	}
	delete(set, sender)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// deliverTo hands the envelope to one recipient, with per-recipient id
// dedupe and offline parking.
func (s *Switchboard) deliverTo(recipient string, env Envelope) {
	s.mu.Lock()
	ids, ok := s.delivered[recipient]
	if !ok {
		ids = newFifoSet(s.cfg.DedupeCap)
		s.delivered[recipient] = ids
	}
	if ids.seen(env.ID) {
		s.mu.Unlock()
		return
	}
	sub := s.subs[recipient]
	if sub == nil {
		s.parkLocked(recipient, env)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := sub.Deliver(env); err != nil {
		s.log.Warn("delivery failed",
			zap.String("recipient", recipient),
			zap.String("envelope_id", env.ID),
			zap.Error(err))
		s.emit(events.MessageDropped, env, recipient)
		return
	}
	if s.dir != nil {
		if err := s.dir.RecordReceived(recipient); err != nil {
			s.log.Debug("recipient counter update failed", zap.String("recipient", recipient), zap.Error(err))
		}
	}
	s.emit(events.MessageDelivered, env, recipient)
}

// parkLocked buffers an envelope for an offline recipient. Overflow
// drops the oldest non-urgent entry.
func (s *Switchboard) parkLocked(recipient string, env Envelope) {
	entry, ok := s.offline[recipient]
	if !ok {
		entry = &offlineEntry{since: time.Now()}
		s.offline[recipient] = entry
	}
	if len(entry.envs) >= s.cfg.OfflineQueueCap {
		victim := -1
		for i, e := range entry.envs {
			if !e.Urgent() {
				victim = i
				break
			}
		}
		if victim < 0 {
			victim = 0
		}
		dropped := entry.envs[victim]
		entry.envs = append(entry.envs[:victim], entry.envs[victim+1:]...)
		s.log.Warn("offline buffer full, dropping oldest",
			zap.String("recipient", recipient),
			zap.String("dropped_id", dropped.ID))
	}
	entry.envs = append(entry.envs, env)
}

// Run sweeps offline buffers and channel memberships for agents that
// never came online within the TTL. Blocks until ctx is done.
func (s *Switchboard) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Switchboard) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, entry := range s.offline {
		if now.Sub(entry.since) > s.cfg.OfflineTTL {
			delete(s.offline, name)
			for channel, members := range s.channels {
				members.remove(name)
				if len(members) == 0 {
					delete(s.channels, channel)
				}
			}
			s.log.Info("dropped recipient that never came online",
				zap.String("recipient", name),
				zap.Int("discarded", len(entry.envs)))
		}
	}
}

func (s *Switchboard) emit(eventType string, env Envelope, recipient string) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"envelope_id": env.ID,
		"from":        env.From,
		"to":          env.To,
		"kind":        string(env.Kind),
	}
	if recipient != "" {
		data["recipient"] = recipient
	}
	if err := s.bus.Publish(context.Background(), eventType, bus.NewEvent(eventType, "relay", data)); err != nil {
		s.log.Debug("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

// fifoSet is a bounded FIFO membership set.
type fifoSet struct {
	set   map[string]struct{}
	order []string
	cap   int
}

func newFifoSet(cap int) *fifoSet {
	return &fifoSet{set: make(map[string]struct{}, cap), cap: cap}
}

// seen reports prior membership, recording the key if new.
func (f *fifoSet) seen(key string) bool {
	if _, ok := f.set[key]; ok {
		return true
	}
	f.set[key] = struct{}{}
	f.order = append(f.order, key)
	if len(f.order) > f.cap {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.set, oldest)
	}
	return false
}

// Package presence tracks which operators are connected and fans conversation
// events out to them, per user or per tenant/team group.
package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrHubClosed         = errors.New("presence hub closed")
)

// Operator is a connected human agent.
type Operator struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name,omitempty"`
	Teams    []string `json:"teams,omitempty"`
}

// Conn is one live operator transport, such as a websocket.
type Conn interface {
	ID() string
	Send(ctx context.Context, ev Event) error
}

// Notifier is the fan-out surface the engine depends on. Calls never block on
// delivery and never report failures.
type Notifier interface {
	SendToUser(userID string, ev Event)
	SendToGroup(group string, ev Event)
}

// TenantGroup is the broadcast group of every operator of a tenant.
func TenantGroup(tenantID string) string {
	return "tenant:" + tenantID
}

// TeamGroup is the broadcast group of one team of a tenant.
func TeamGroup(tenantID, teamID string) string {
	return "team:" + tenantID + ":" + teamID
}

// member owns an outbox drained by its own writer, so a slow socket only
// delays its own events.
type member struct {
	conn     Conn
	operator Operator
	groups   map[string]struct{}
	outbox   chan Event
	quit     chan struct{}
}

type targetKind int

const (
	targetUser targetKind = iota
	targetGroup
)

type delivery struct {
	kind targetKind
	key  string
	ev   Event
}

// Options tunes the hub's delivery lanes and per-connection outboxes.
type Options struct {
	Lanes       int
	LaneBuffer  int
	ConnBuffer  int
	SendTimeout time.Duration
}

// Hub is the process-scoped registry of operator connections. It is created
// once and injected; there is no package-level instance.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*member
	groups  map[string]map[string]struct{}
	users   map[string]map[string]struct{}

	lanes       []chan delivery
	connBuffer  int
	sendTimeout time.Duration
	logger      *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ Notifier = (*Hub)(nil)

func NewHub(log *slog.Logger, opts Options) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if opts.Lanes <= 0 {
		opts.Lanes = 16
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = 256
	}
	if opts.ConnBuffer <= 0 {
		opts.ConnBuffer = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	lanes := make([]chan delivery, opts.Lanes)
	for i := range lanes {
		lanes[i] = make(chan delivery, opts.LaneBuffer)
	}
	return &Hub{
		members:     map[string]*member{},
		groups:      map[string]map[string]struct{}{},
		users:       map[string]map[string]struct{}{},
		lanes:       lanes,
		connBuffer:  opts.ConnBuffer,
		sendTimeout: opts.SendTimeout,
		logger:      log.With(slog.String("component", "presence")),
		done:        make(chan struct{}),
	}
}

// Start launches the delivery workers. It is called lazily on first use as well.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		for i := range h.lanes {
			h.wg.Add(1)
			go h.runLane(h.lanes[i])
		}
	})
}

// Close stops the delivery workers and connection writers. Queued events are
// discarded.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		close(h.done)
		h.mu.Unlock()
	})
	h.wg.Wait()
}

// Join registers conn for op and subscribes it to the tenant group and one
// group per team, then announces the operator to the tenant.
func (h *Hub) Join(conn Conn, op Operator) error {
	if conn == nil || strings.TrimSpace(conn.ID()) == "" {
		return errors.New("connection id is required")
	}
	if strings.TrimSpace(op.ID) == "" || strings.TrimSpace(op.TenantID) == "" {
		return errors.New("operator id and tenant id are required")
	}
	m := &member{
		conn:     conn,
		operator: op,
		groups:   map[string]struct{}{},
		outbox:   make(chan Event, h.connBuffer),
		quit:     make(chan struct{}),
	}

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return ErrHubClosed
	default:
	}
	if old, ok := h.members[conn.ID()]; ok {
		h.detachLocked(conn.ID(), old)
	}
	h.members[conn.ID()] = m
	addIndex(h.users, op.ID, conn.ID())
	h.addToGroupLocked(conn.ID(), m, TenantGroup(op.TenantID))
	for _, team := range op.Teams {
		if team = strings.TrimSpace(team); team != "" {
			h.addToGroupLocked(conn.ID(), m, TeamGroup(op.TenantID, team))
		}
	}
	h.wg.Add(1)
	go h.runWriter(m)
	h.mu.Unlock()

	h.logger.Info("operator joined",
		slog.String("operator_id", op.ID),
		slog.String("tenant_id", op.TenantID),
		slog.String("conn_id", conn.ID()))
	h.SendToGroup(TenantGroup(op.TenantID), NewEvent(EventAddTeamMember, "", op))
	return nil
}

// Leave discards the connection and tells the tenant the operator left.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	m, ok := h.members[connID]
	if ok {
		h.detachLocked(connID, m)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Info("operator left",
		slog.String("operator_id", m.operator.ID),
		slog.String("conn_id", connID))
	h.SendToGroup(TenantGroup(m.operator.TenantID), NewEvent(EventRemoveTeamMember, "", m.operator))
}

// AddToGroup subscribes an already joined connection to group.
func (h *Hub) AddToGroup(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return ErrUnknownConnection
	}
	h.addToGroupLocked(connID, m, group)
	return nil
}

// RemoveFromGroup unsubscribes a connection from group.
func (h *Hub) RemoveFromGroup(connID, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return ErrUnknownConnection
	}
	delete(m.groups, group)
	removeIndex(h.groups, group, connID)
	return nil
}

// IsOnline reports whether the user has at least one live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Online lists the distinct operators connected for a tenant.
func (h *Hub) Online(tenantID string) []Operator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]struct{}{}
	items := make([]Operator, 0)
	for _, m := range h.members {
		if m.operator.TenantID != tenantID {
			continue
		}
		if _, dup := seen[m.operator.ID]; dup {
			continue
		}
		seen[m.operator.ID] = struct{}{}
		items = append(items, m.operator)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (h *Hub) SendToUser(userID string, ev Event) {
	if userID == "" {
		return
	}
	h.enqueue(delivery{kind: targetUser, key: userID, ev: ev})
}

func (h *Hub) SendToGroup(group string, ev Event) {
	if group == "" {
		return
	}
	h.enqueue(delivery{kind: targetGroup, key: group, ev: ev})
}

func (h *Hub) enqueue(d delivery) {
	h.Start()
	laneKey := d.ev.ConversationID
	if laneKey == "" {
		laneKey = d.key
	}
	lane := h.lanes[laneIndex(laneKey, len(h.lanes))]
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case lane <- d:
	default:
		h.logger.Warn("notification lane full, dropping event",
			slog.String("event", string(d.ev.Name)),
			slog.String("conversation_id", d.ev.ConversationID),
			slog.String("target", d.key))
	}
}

func (h *Hub) runLane(lane chan delivery) {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case d := <-lane:
			h.deliver(d)
		}
	}
}

// deliver hands the event to every target's outbox without waiting on I/O.
func (h *Hub) deliver(d delivery) {
	for _, m := range h.targets(d) {
		select {
		case m.outbox <- d.ev:
		case <-m.quit:
		default:
			h.logger.Warn("connection outbox full, dropping event",
				slog.String("event", string(d.ev.Name)),
				slog.String("conversation_id", d.ev.ConversationID),
				slog.String("conn_id", m.conn.ID()))
		}
	}
}

func (h *Hub) runWriter(m *member) {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case <-m.quit:
			return
		case ev := <-m.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
			err := m.conn.Send(ctx, ev)
			cancel()
			if err != nil {
				h.logger.Debug("notification send failed",
					slog.String("event", string(ev.Name)),
					slog.String("conn_id", m.conn.ID()),
					slog.Any("error", err))
			}
		}
	}
}

func (h *Hub) targets(d delivery) []*member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids map[string]struct{}
	switch d.kind {
	case targetUser:
		ids = h.users[d.key]
	case targetGroup:
		ids = h.groups[d.key]
	}
	members := make([]*member, 0, len(ids))
	for id := range ids {
		if m, ok := h.members[id]; ok {
			members = append(members, m)
		}
	}
	return members
}

func (h *Hub) addToGroupLocked(connID string, m *member, group string) {
	m.groups[group] = struct{}{}
	addIndex(h.groups, group, connID)
}

func (h *Hub) detachLocked(connID string, m *member) {
	for group := range m.groups {
		removeIndex(h.groups, group, connID)
	}
	removeIndex(h.users, m.operator.ID, connID)
	delete(h.members, connID)
	close(m.quit)
}

func addIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = map[string]struct{}{}
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func laneIndex(key string, n int) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(n))
}

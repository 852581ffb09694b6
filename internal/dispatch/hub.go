package dispatch

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/vendor-tracking/internal/models"
	"github.com/example/vendor-tracking/internal/observability"
)

const hubShards = 32

var (
	ErrNoSession = fmt.Errorf("%w: no push session", models.ErrNotFound)
	ErrDuplicate = errors.New("push session already registered")
	ErrHubClosed = errors.New("hub closed")
)

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type RoomKind string

const (
	VendorRoomKind   RoomKind = "vendor"
	CustomerRoomKind RoomKind = "customer"
)

type Room struct {
	Kind RoomKind
	ID   string
}

func VendorRoom(vendorID string) Room     { return Room{Kind: VendorRoomKind, ID: vendorID} }
func CustomerRoom(customerID string) Room { return Room{Kind: CustomerRoomKind, ID: customerID} }

func (r Room) String() string { return string(r.Kind) + ":" + r.ID }

// Client is one registered push connection with its own outbound queue.
type Client struct {
	id   string
	conn Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	rooms  map[Room]struct{}
	closed bool
}

func (c *Client) ID() string { return c.id }

// Done is closed once the client has been unsubscribed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

type room struct {
	mu      sync.Mutex
	members map[string]*Client
	dead    bool
}

type roomShard struct {
	mu    sync.Mutex
	rooms map[Room]*room
}

type clientShard struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type Options struct {
	SendBuffer int
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// Hub fans events out to rooms of push connections. Rooms and clients live in
// sharded maps; each room has its own mutex so publishes to different rooms
// never contend. One Hub is created per server and closed at shutdown.
type Hub struct {
	logger  *slog.Logger
	opts    Options
	rooms   [hubShards]roomShard
	clients [hubShards]clientShard
	wg      sync.WaitGroup
	closed  atomic.Bool
}

func NewHub(logger *slog.Logger, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	h := &Hub{logger: logger, opts: opts}
	for i := 0; i < hubShards; i++ {
		h.rooms[i].rooms = make(map[Room]*room)
		h.clients[i].clients = make(map[string]*Client)
	}
	return h
}

func shardOf(key string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(key))
	return int(f.Sum32() % hubShards)
}

// Register adds a connection and starts its writer.
func (h *Hub) Register(id string, conn Conn) (*Client, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}
	c := &Client{
		id:    id,
		conn:  conn,
		send:  make(chan []byte, h.opts.SendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[Room]struct{}),
	}
	sh := &h.clients[shardOf(id)]
	sh.mu.Lock()
	if _, ok := sh.clients[id]; ok {
		sh.mu.Unlock()
		return nil, ErrDuplicate
	}
	sh.clients[id] = c
	sh.mu.Unlock()

	observability.WSConnections.Inc()
	h.wg.Add(1)
	go h.writePump(c)
	return c, nil
}

func (h *Hub) client(id string) *Client {
	sh := &h.clients[shardOf(id)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.clients[id]
}

// Subscribe adds the connection to room. Joining a room twice is a no-op.
func (h *Hub) Subscribe(connID string, r Room) error {
	c := h.client(connID)
	if c == nil {
		return ErrNoSession
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNoSession
	}
	if _, ok := c.rooms[r]; ok {
		return nil
	}
	for {
		rm := h.roomFor(r)
		rm.mu.Lock()
		if rm.dead {
			// emptied and unlinked between lookup and lock; fetch a fresh one
			rm.mu.Unlock()
			continue
		}
		rm.members[c.id] = c
		rm.mu.Unlock()
		break
	}
	c.rooms[r] = struct{}{}
	return nil
}

// Leave removes the connection from one room, keeping it connected.
func (h *Hub) Leave(connID string, r Room) {
	c := h.client(connID)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[r]; !ok {
		return
	}
	delete(c.rooms, r)
	h.removeMember(r, c)
}

// LeaveAll removes the connection from every room, keeping it connected.
func (h *Hub) LeaveAll(connID string) {
	c := h.client(connID)
	if c == nil {
		return
	}
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[Room]struct{})
	c.mu.Unlock()
	for r := range rooms {
		h.removeMember(r, c)
	}
}

// Unsubscribe removes the connection from all rooms and closes it. It is safe
// to call more than once.
func (h *Hub) Unsubscribe(connID string) {
	sh := &h.clients[shardOf(connID)]
	sh.mu.Lock()
	c, ok := sh.clients[connID]
	delete(sh.clients, connID)
	sh.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	rooms := c.rooms
	c.rooms = nil
	c.mu.Unlock()

	for r := range rooms {
		h.removeMember(r, c)
	}
	close(c.done)
	_ = c.conn.Close()
	observability.WSConnections.Dec()
}

func (h *Hub) roomFor(r Room) *room {
	sh := &h.rooms[shardOf(r.String())]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rm, ok := sh.rooms[r]
	if !ok {
		rm = &room{members: make(map[string]*Client)}
		sh.rooms[r] = rm
	}
	return rm
}

func (h *Hub) lookupRoom(r Room) *room {
	sh := &h.rooms[shardOf(r.String())]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.rooms[r]
}

func (h *Hub) removeMember(r Room, c *Client) {
	sh := &h.rooms[shardOf(r.String())]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rm, ok := sh.rooms[r]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, c.id)
	if len(rm.members) == 0 {
		rm.dead = true
		delete(sh.rooms, r)
	}
	rm.mu.Unlock()
}

// Publish enqueues ev for every current member of r and returns how many
// accepted it. The room stays locked while enqueueing, so two publishes to the
// same room reach each member in call order.
func (h *Hub) Publish(r Room, ev Event) int {
	data, err := Encode(ev)
	if err != nil {
		h.logger.Error("encode event failed", "event", ev.Kind(), "error", err)
		return 0
	}
	rm := h.lookupRoom(r)
	if rm == nil {
		return 0
	}
	var slow []*Client
	n := 0
	rm.mu.Lock()
	for _, c := range rm.members {
		if c.enqueue(data) {
			n++
		} else {
			slow = append(slow, c)
		}
	}
	rm.mu.Unlock()

	h.dropSlow(slow)
	observability.BroadcastEventsTotal.WithLabelValues(string(ev.Kind())).Add(float64(n))
	return n
}

// PublishAll enqueues ev for every connected client.
func (h *Hub) PublishAll(ev Event) int {
	data, err := Encode(ev)
	if err != nil {
		h.logger.Error("encode event failed", "event", ev.Kind(), "error", err)
		return 0
	}
	var slow []*Client
	n := 0
	for i := range h.clients {
		sh := &h.clients[i]
		sh.mu.RLock()
		for _, c := range sh.clients {
			if c.enqueue(data) {
				n++
			} else {
				slow = append(slow, c)
			}
		}
		sh.mu.RUnlock()
	}
	h.dropSlow(slow)
	observability.BroadcastEventsTotal.WithLabelValues(string(ev.Kind())).Add(float64(n))
	return n
}

// Send delivers ev to a single connection.
func (h *Hub) Send(connID string, ev Event) error {
	c := h.client(connID)
	if c == nil {
		return ErrNoSession
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		h.dropSlow([]*Client{c})
		return fmt.Errorf("%w: send queue full for %s", models.ErrTransport, connID)
	}
	return nil
}

func (h *Hub) dropSlow(cs []*Client) {
	for _, c := range cs {
		h.logger.Warn("dropping slow push connection", "conn_id", c.id)
		observability.BroadcastDropsTotal.WithLabelValues("queue_full").Inc()
		h.Unsubscribe(c.id)
	}
}

func (h *Hub) writePump(c *Client) {
	defer h.wg.Done()
	var tick <-chan time.Time
	if h.opts.PingPeriod > 0 {
		t := time.NewTicker(h.opts.PingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.transportFailure(c, err)
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteWait)); err != nil {
				h.transportFailure(c, err)
				return
			}
		}
	}
}

func (h *Hub) transportFailure(c *Client, err error) {
	h.logger.Warn("push write failed, dropping connection", "conn_id", c.id, "error", fmt.Errorf("%w: %v", models.ErrTransport, err))
	observability.BroadcastDropsTotal.WithLabelValues("write_error").Inc()
	h.Unsubscribe(c.id)
}

// Members is the number of connections currently in r.
func (h *Hub) Members(r Room) int {
	rm := h.lookupRoom(r)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Connections is the number of registered connections.
func (h *Hub) Connections() int {
	n := 0
	for i := range h.clients {
		h.clients[i].mu.RLock()
		n += len(h.clients[i].clients)
		h.clients[i].mu.RUnlock()
	}
	return n
}

// Close disconnects every client and waits for their writers to stop.
func (h *Hub) Close() {
	h.closed.Store(true)
	var ids []string
	for i := range h.clients {
		h.clients[i].mu.RLock()
		for id := range h.clients[i].clients {
			ids = append(ids, id)
		}
		h.clients[i].mu.RUnlock()
	}
	for _, id := range ids {
		h.Unsubscribe(id)
	}
	h.wg.Wait()
	h.logger.Info("push hub closed", "connections", len(ids))
}

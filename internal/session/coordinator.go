package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"codecanvas/internal/models"
	"codecanvas/internal/utils"
)

// Session is the per-connection protocol state: who the connection is and
// which rooms it has joined.
type Session struct {
	ID       string
	Identity *models.Identity // nil when anonymous

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewSession(identity *models.Identity) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		rooms:    make(map[string]struct{}),
	}
}

// Rooms returns the rooms the session is a member of, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) track(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrack(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Coordinator applies connection events to the registry. Every mutation of a
// room and the emissions it causes happen under that room's lock, so peers
// observe events in mutation order.
type Coordinator struct {
	registry  *Registry
	fabric    Broadcaster
	persister *Persister
	log       *utils.Logger
	now       func() time.Time
}

func NewCoordinator(registry *Registry, fabric Broadcaster, persister *Persister, log *utils.Logger) *Coordinator {
	return &Coordinator{
		registry:  registry,
		fabric:    fabric,
		persister: persister,
		log:       log,
		now:       time.Now,
	}
}

// acquire returns the live room for roomID with its lock held. A state the
// registry dropped between Ensure and Lock is retried.
func (c *Coordinator) acquire(roomID string) *RoomState {
	for {
		room := c.registry.Ensure(roomID)
		room.mu.Lock()
		if !room.closed {
			return room
		}
		room.mu.Unlock()
	}
}

// lookup returns the live room with its lock held, or nil if it is not active.
func (c *Coordinator) lookup(roomID string) *RoomState {
	room, ok := c.registry.Get(roomID)
	if !ok {
		return nil
	}
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil
	}
	return room
}

func (c *Coordinator) Join(sess *Session, roomID string) {
	if roomID == "" {
		return
	}
	c.fabric.Join(roomID, sess.ID)
	sess.track(roomID)

	room := c.acquire(roomID)
	defer room.mu.Unlock()

	if _, dup := room.users[sess.ID]; dup {
		c.fabric.ToConn(sess.ID, loadCode(room.document))
		c.fabric.ToRoom(roomID, usersInRoom(len(room.users)))
		return
	}
	room.users[sess.ID] = &member{}

	if id := sess.Identity; id != nil && id.Username != "" {
		if room.claim(sess.ID, id.Username) {
			c.fabric.ToConn(sess.ID, models.WSFrame{Type: models.EventUsernameAutoSet, Data: models.UsernamePayload{Username: id.Username}})
			c.fabric.ToRoomExcept(roomID, sess.ID, models.WSFrame{Type: models.EventUserJoinedChat, Data: models.UsernamePayload{Username: id.Username}})
		} else {
			c.log.Warn("verified username already held in room", "roomId", roomID, "connectionId", sess.ID, "username", id.Username)
			c.fabric.ToConn(sess.ID, models.WSFrame{Type: models.EventUsernameTaken})
		}
	}

	if !room.hydrationQueued {
		room.hydrationQueued = true
		c.persister.Enqueue(roomID, "get", c.hydrateTask(room))
	}

	c.log.Debug("joined room", "roomId", roomID, "connectionId", sess.ID, "users", len(room.users))
	c.fabric.ToConn(sess.ID, loadCode(room.document))
	c.fabric.ToRoom(roomID, usersInRoom(len(room.users)))
}

// hydrateTask seeds a freshly activated room from the store. Fields edited
// before the load completes keep their live content.
func (c *Coordinator) hydrateTask(room *RoomState) StoreTask {
	return func(ctx context.Context, store DocumentStore) error {
		persisted, err := store.Get(ctx, room.ID)
		if errors.Is(err, models.ErrDocumentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		room.mu.Lock()
		defer room.mu.Unlock()
		if room.closed || !room.hydrate(persisted.Code) {
			return nil
		}
		c.fabric.ToRoom(room.ID, loadCode(room.document))
		return nil
	}
}

func (c *Coordinator) SetUsername(sess *Session, req models.SetUsernameRequest) {
	if req.Username == "" {
		return
	}
	room := c.lookup(req.RoomID)
	if room == nil {
		return
	}
	defer room.mu.Unlock()

	if _, ok := room.users[sess.ID]; !ok {
		return
	}
	if !room.claim(sess.ID, req.Username) {
		c.fabric.ToConn(sess.ID, models.WSFrame{Type: models.EventUsernameTaken})
		return
	}
	c.fabric.ToConn(sess.ID, models.WSFrame{Type: models.EventUsernameAccepted})
	c.fabric.ToRoomExcept(req.RoomID, sess.ID, models.WSFrame{Type: models.EventUserJoinedChat, Data: models.UsernamePayload{Username: req.Username}})
}

func (c *Coordinator) SendMessage(sess *Session, req models.SendMessageRequest) {
	room := c.lookup(req.RoomID)
	if room == nil {
		return
	}
	defer room.mu.Unlock()

	u, ok := room.users[sess.ID]
	if !ok || u.username == "" {
		return
	}
	c.fabric.ToRoom(req.RoomID, models.WSFrame{Type: models.EventChatMessage, Data: models.ChatMessage{
		Username:     u.username,
		Message:      req.Message,
		Timestamp:    c.now().UnixMilli(),
		ConnectionID: sess.ID,
	}})
}

// ChangeDocument replaces one field wholesale, relays it to the other members
// and schedules a flush. Flushes coalesce: at most one is queued per room and
// it writes whatever the document holds when it runs.
func (c *Coordinator) ChangeDocument(sess *Session, req models.DocumentChangeRequest) {
	field, ok := models.ParseField(req.Field)
	if !ok {
		return
	}
	room := c.lookup(req.RoomID)
	if room == nil {
		return
	}
	defer room.mu.Unlock()

	if _, ok := room.users[sess.ID]; !ok {
		return
	}
	room.document.Set(field, req.Content)
	room.edited[field] = true
	c.fabric.ToRoomExcept(req.RoomID, sess.ID, models.WSFrame{Type: models.EventDocumentUpdate, Data: models.DocumentUpdate{Field: field, Content: req.Content}})

	if !room.flushPending {
		room.flushPending = true
		c.persister.Enqueue(req.RoomID, "upsert", c.flushTask(room))
	}
}

// flushTask runs even if the room closed meanwhile, so the last edit of an
// activation still reaches the store.
func (c *Coordinator) flushTask(room *RoomState) StoreTask {
	return func(ctx context.Context, store DocumentStore) error {
		room.mu.Lock()
		room.flushPending = false
		doc := room.document
		room.mu.Unlock()

		return store.Upsert(ctx, models.RoomDocument{
			RoomID:       room.ID,
			Code:         doc,
			LastModified: c.now().UTC(),
		})
	}
}

func (c *Coordinator) Leave(sess *Session, roomID string) {
	if roomID == "" {
		return
	}
	c.fabric.Leave(roomID, sess.ID)
	sess.untrack(roomID)
	c.depart(sess.ID, roomID)
}

// Disconnect leaves every joined room and detaches the connection.
func (c *Coordinator) Disconnect(sess *Session) {
	for _, roomID := range sess.Rooms() {
		c.Leave(sess, roomID)
	}
	c.fabric.Remove(sess.ID)
}

func (c *Coordinator) depart(connID, roomID string) {
	room := c.lookup(roomID)
	if room == nil {
		return
	}
	username, ok := room.remove(connID)
	if !ok {
		room.mu.Unlock()
		return
	}
	if username != "" {
		c.fabric.ToRoom(roomID, models.WSFrame{Type: models.EventUserLeftChat, Data: models.UsernamePayload{Username: username}})
	}
	remaining := len(room.users)
	if remaining > 0 {
		c.fabric.ToRoom(roomID, usersInRoom(remaining))
	}
	room.mu.Unlock()

	c.log.Debug("left room", "roomId", roomID, "connectionId", connID, "users", remaining)
	if remaining == 0 && c.registry.RemoveIfEmpty(roomID) {
		c.log.Info("room removed from memory", "roomId", roomID)
	}
}

func loadCode(doc models.Document) models.WSFrame {
	return models.WSFrame{Type: models.EventLoadCode, Data: doc}
}

func usersInRoom(count int) models.WSFrame {
	return models.WSFrame{Type: models.EventUsersInRoom, Data: count}
}

package session

import (
	"sync"

	"codecanvas/internal/metrics"
	"codecanvas/internal/models"
)

// Broadcaster is the delivery capability the Coordinator emits through.
type Broadcaster interface {
	Join(roomID, connID string)
	Leave(roomID, connID string)
	Remove(connID string)
	ToConn(connID string, frame models.WSFrame)
	ToRoom(roomID string, frame models.WSFrame)
	ToRoomExcept(roomID, exceptConnID string, frame models.WSFrame)
}

// Fabric tracks attached clients and their room memberships.
type Fabric struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]struct{}
}

func NewFabric() *Fabric {
	return &Fabric{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (f *Fabric) Add(c *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c.ID]; !ok {
		metrics.ActiveConnections.Inc()
	}
	f.clients[c.ID] = c
}

// Remove detaches a client from every room and closes its send queue.
func (f *Fabric) Remove(connID string) {
	f.mu.Lock()
	c, ok := f.clients[connID]
	delete(f.clients, connID)
	for roomID, members := range f.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(f.rooms, roomID)
		}
	}
	f.mu.Unlock()

	if ok {
		metrics.ActiveConnections.Dec()
		c.Close()
	}
}

// CloseAll closes every attached client. Their handlers unwind through the
// normal disconnect path.
func (f *Fabric) CloseAll() {
	f.mu.RLock()
	clients := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

func (f *Fabric) ConnectionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Fabric) Join(roomID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		f.rooms[roomID] = members
	}
	members[connID] = struct{}{}
}

func (f *Fabric) Leave(roomID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if members, ok := f.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(f.rooms, roomID)
		}
	}
}

func (f *Fabric) ToConn(connID string, frame models.WSFrame) {
	f.mu.RLock()
	c, ok := f.clients[connID]
	f.mu.RUnlock()
	if ok {
		c.Send(frame)
	}
}

func (f *Fabric) ToRoom(roomID string, frame models.WSFrame) {
	f.ToRoomExcept(roomID, "", frame)
}

func (f *Fabric) ToRoomExcept(roomID, exceptConnID string, frame models.WSFrame) {
	f.mu.RLock()
	targets := make([]*Client, 0, len(f.rooms[roomID]))
	for connID := range f.rooms[roomID] {
		if connID == exceptConnID {
			continue
		}
		if c, ok := f.clients[connID]; ok {
			targets = append(targets, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range targets {
		c.Send(frame)
	}
}

package session

import (
	"sort"
	"sync"

	"codecanvas/internal/models"
)

type member struct {
	username string // empty while unnamed
}

// RoomState is the live state of one active room. Every field is guarded by mu;
// the unexported helpers expect the caller to hold it.
type RoomState struct {
	ID string

	mu        sync.Mutex
	users     map[string]*member
	usernames map[string]struct{}
	document  models.Document

	// fields edited since activation; hydration never overwrites them
	edited map[models.Field]bool

	hydrationQueued bool
	flushPending    bool

	// set once the registry drops the room; holders must re-Ensure
	closed bool
}

func NewRoomState(id string) *RoomState {
	return &RoomState{
		ID:        id,
		users:     make(map[string]*member),
		usernames: make(map[string]struct{}),
		edited:    make(map[models.Field]bool),
	}
}

func (r *RoomState) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *RoomState) Document() models.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document
}

// nameOf returns the name held by connID, if any.
func (r *RoomState) nameOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[connID]
	if !ok || u.username == "" {
		return "", false
	}
	return u.username, true
}

// nameList returns the claimed names, sorted.
func (r *RoomState) nameList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.usernames))
	for name := range r.usernames {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *RoomState) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// claim assigns username to connID, replacing any name it already held.
// It reports false without mutating when the name is taken.
func (r *RoomState) claim(connID, username string) bool {
	u, ok := r.users[connID]
	if !ok {
		return false
	}
	if _, taken := r.usernames[username]; taken {
		return false
	}
	if u.username != "" {
		delete(r.usernames, u.username)
	}
	u.username = username
	r.usernames[username] = struct{}{}
	return true
}

// remove drops connID and releases its name. It returns the released name.
func (r *RoomState) remove(connID string) (username string, ok bool) {
	u, ok := r.users[connID]
	if !ok {
		return "", false
	}
	if u.username != "" {
		delete(r.usernames, u.username)
	}
	delete(r.users, connID)
	return u.username, true
}

// hydrate merges a persisted document into fields not edited since activation.
// It reports whether the live document changed.
func (r *RoomState) hydrate(persisted models.Document) bool {
	changed := false
	for _, f := range []models.Field{models.FieldHTML, models.FieldCSS, models.FieldJS} {
		if r.edited[f] {
			continue
		}
		if v := persisted.Get(f); v != r.document.Get(f) {
			r.document.Set(f, v)
			changed = true
		}
	}
	return changed
}

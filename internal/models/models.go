package models

import (
	"errors"
	"strings"
	"time"
)

var ErrDocumentNotFound = errors.New("document not found")

const (
	// DefaultRoomName is the name of rooms nobody has named yet.
	DefaultRoomName   = "Untitled Project"
	MaxRoomNameLength = 50
)

/*** Shared document ***/

// Field names one of the three layers of a room's document.
type Field string

const (
	FieldHTML Field = "html" // structural
	FieldCSS  Field = "css"  // presentational
	FieldJS   Field = "js"   // behavioral
)

// ParseField canonicalises a field name. The layer aliases
// (structural, presentational, behavioral) map onto html, css and js.
func ParseField(raw string) (Field, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "html", "structural":
		return FieldHTML, true
	case "css", "presentational":
		return FieldCSS, true
	case "js", "javascript", "behavioral":
		return FieldJS, true
	}
	return "", false
}

type Document struct {
	HTML string `json:"html" bson:"html"`
	CSS  string `json:"css" bson:"css"`
	JS   string `json:"js" bson:"js"`
}

func (d Document) Get(f Field) string {
	switch f {
	case FieldHTML:
		return d.HTML
	case FieldCSS:
		return d.CSS
	case FieldJS:
		return d.JS
	}
	return ""
}

// Set replaces the content of one field. It reports false for an unknown field.
func (d *Document) Set(f Field, content string) bool {
	switch f {
	case FieldHTML:
		d.HTML = content
	case FieldCSS:
		d.CSS = content
	case FieldJS:
		d.JS = content
	default:
		return false
	}
	return true
}

// RoomDocument is the persisted form of a room: its document plus the
// ownership metadata managed over HTTP. Rooms first persisted by an edit have
// no creator, the default name and are public.
type RoomDocument struct {
	RoomID       string    `json:"roomId"`
	Name         string    `json:"name"`
	CreatorID    string    `json:"creatorId,omitempty"`
	IsPublic     bool      `json:"isPublic"`
	Code         Document  `json:"code"`
	LastModified time.Time `json:"lastModified"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RoomSummary is a room listed without its document.
type RoomSummary struct {
	RoomID       string    `json:"roomId"`
	Name         string    `json:"name"`
	IsPublic     bool      `json:"isPublic"`
	LastModified time.Time `json:"lastModified"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Identity is a verified account attached to a connection.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

/*** WebSocket protocol ***/

type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Inbound events.
const (
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventSetUsername    = "set-username"
	EventSendMessage    = "send-message"
	EventDocumentChange = "document-change"
)

// Outbound events.
const (
	EventLoadCode         = "load-code"
	EventUsersInRoom      = "users-in-room"
	EventUsernameAutoSet  = "username-auto-set"
	EventUsernameAccepted = "username-accepted"
	EventUsernameTaken    = "username-taken"
	EventUserJoinedChat   = "user-joined-chat"
	EventUserLeftChat     = "user-left-chat"
	EventChatMessage      = "chat-message"
	EventDocumentUpdate   = "document-update"
	EventError            = "error"
)

type SetUsernameRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type SendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

type DocumentChangeRequest struct {
	RoomID  string `json:"roomId"`
	Field   string `json:"field"`
	Content string `json:"content"`
}

type UsernamePayload struct {
	Username string `json:"username"`
}

type ChatMessage struct {
	Username     string `json:"username"`
	Message      string `json:"message"`
	Timestamp    int64  `json:"timestamp"` // unix millis
	ConnectionID string `json:"connectionId"`
}

type DocumentUpdate struct {
	Field   Field  `json:"field"`
	Content string `json:"content"`
}

/*** HTTP ***/

// CreateRoomRequest is optional; an empty body creates a public blank room
// with the next free default name.
type CreateRoomRequest struct {
	Name     string `json:"name"`
	IsPublic *bool  `json:"isPublic"`
	Template string `json:"template"`
}

type CreateRoomResponse struct {
	RoomID       string    `json:"roomId"`
	Name         string    `json:"name"`
	IsPublic     bool      `json:"isPublic"`
	LastModified time.Time `json:"lastModified"`
	CreatedAt    time.Time `json:"createdAt"`
}

type UpdateRoomRequest struct {
	Name string `json:"name"`
}

type UpdateRoomResponse struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type RoomListResponse struct {
	Rooms []RoomSummary `json:"rooms"`
}

type RoomResponse struct {
	RoomID       string     `json:"roomId"`
	Name         string     `json:"name"`
	CreatorID    string     `json:"creatorId,omitempty"`
	IsPublic     bool       `json:"isPublic"`
	Code         Document   `json:"code"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	ActiveUsers  int        `json:"activeUsers"`
	Live         bool       `json:"live"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type StatsResponse struct {
	ActiveRooms       int            `json:"activeRooms"`
	ActiveConnections int            `json:"activeConnections"`
	Rooms             map[string]int `json:"rooms"`
}

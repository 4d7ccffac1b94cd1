package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codecanvas/internal/metrics"
	"codecanvas/internal/models"
	"codecanvas/internal/session"
	"codecanvas/internal/utils"
)

type identityResolver interface {
	Resolve(token string) (*models.Identity, error)
}

type starterTemplates interface {
	Document(name string) (models.Document, error)
}

type roomStore interface {
	Get(ctx context.Context, roomID string) (*models.RoomDocument, error)
	Create(ctx context.Context, doc models.RoomDocument) error
	ListByCreator(ctx context.Context, creatorID string) ([]models.RoomSummary, error)
	Rename(ctx context.Context, roomID, name string) error
	Delete(ctx context.Context, roomID string) error
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers are wired with.
type Deps struct {
	Log         *utils.Logger
	Resolver    identityResolver
	Store       roomStore
	Templates   starterTemplates
	Registry    *session.Registry
	Fabric      *session.Fabric
	Coordinator *session.Coordinator

	MessagesPerSecond float64
	MessageBurst      int
}

type Handlers struct {
	log       *utils.Logger
	resolver  identityResolver
	store     roomStore
	templates starterTemplates
	registry  *session.Registry
	fabric    *session.Fabric
	coord     *session.Coordinator

	rate  float64
	burst int
	now   func() time.Time
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		log:       d.Log,
		resolver:  d.Resolver,
		store:     d.Store,
		templates: d.Templates,
		registry:  d.Registry,
		fabric:    d.Fabric,
		coord:     d.Coordinator,
		rate:      d.MessagesPerSecond,
		burst:     d.MessageBurst,
		now:       time.Now,
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// Ready reports whether the document store answers.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("readiness check failed", "error", err)
		utils.JSONError(w, http.StatusServiceUnavailable, "document store unavailable")
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// authenticate resolves the Bearer token, writing a 401 when there is no
// valid identity.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (*models.Identity, bool) {
	token, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		utils.JSONError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	identity, err := h.resolver.Resolve(token)
	if err != nil || identity == nil || identity.ID == "" {
		utils.JSONError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	return identity, true
}

// optionalIdentity is the caller's identity if a valid Bearer token was sent.
func (h *Handlers) optionalIdentity(r *http.Request) *models.Identity {
	token, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		return nil
	}
	identity, err := h.resolver.Resolve(token)
	if err != nil {
		return nil
	}
	return identity
}

func isCreator(identity *models.Identity, doc *models.RoomDocument) bool {
	return identity != nil && identity.ID != "" && identity.ID == doc.CreatorID
}

var untitledName = regexp.MustCompile(`(?i)^untitled project(?: (\d+))?$`)

// nextUntitledName numbers a new default-named room after the highest
// "Untitled Project N" the creator already owns. A bare "Untitled Project"
// counts as 1.
func nextUntitledName(owned []models.RoomSummary) string {
	highest := 0
	for _, room := range owned {
		m := untitledName.FindStringSubmatch(room.Name)
		if m == nil {
			continue
		}
		n := 1
		if m[1] != "" {
			if v, err := strconv.Atoi(m[1]); err == nil {
				n = v
			}
		}
		highest = max(highest, n)
	}
	return fmt.Sprintf("%s %d", models.DefaultRoomName, highest+1)
}

// CreateRoom provisions a persisted room owned by the caller, seeded from a
// starter template (blank unless the body names one).
func (h *Handlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.JSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if utf8.RuneCountInString(name) > models.MaxRoomNameLength {
		utils.JSONError(w, http.StatusBadRequest, fmt.Sprintf("room name must be at most %d characters", models.MaxRoomNameLength))
		return
	}
	code, err := h.templates.Document(req.Template)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if name == "" || name == models.DefaultRoomName {
		owned, err := h.store.ListByCreator(r.Context(), identity.ID)
		if err != nil {
			h.log.Error("failed to list rooms", "userId", identity.ID, "error", err)
			utils.JSONError(w, http.StatusInternalServerError, "failed to create room")
			return
		}
		name = nextUntitledName(owned)
	}
	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	now := h.now().UTC()
	doc := models.RoomDocument{
		RoomID:       uuid.NewString(),
		Name:         name,
		CreatorID:    identity.ID,
		IsPublic:     isPublic,
		Code:         code,
		LastModified: now,
		CreatedAt:    now,
	}
	if err := h.store.Create(r.Context(), doc); err != nil {
		h.log.Error("failed to create room", "userId", identity.ID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	h.log.Info("room created", "roomId", doc.RoomID, "userId", identity.ID, "template", req.Template)
	utils.JSON(w, http.StatusCreated, models.CreateRoomResponse{
		RoomID:       doc.RoomID,
		Name:         doc.Name,
		IsPublic:     doc.IsPublic,
		LastModified: doc.LastModified,
		CreatedAt:    doc.CreatedAt,
	})
}

// ListMyRooms lists the caller's rooms, most recently modified first.
func (h *Handlers) ListMyRooms(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	rooms, err := h.store.ListByCreator(r.Context(), identity.ID)
	if err != nil {
		h.log.Error("failed to list rooms", "userId", identity.ID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []models.RoomSummary{}
	}
	utils.JSON(w, http.StatusOK, models.RoomListResponse{Rooms: rooms})
}

// GetRoom returns the room's document: the live copy while the room is
// active, the persisted one otherwise. Private rooms are only shown to their
// creator. A room that is live but was never persisted is public.
func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	resp := models.RoomResponse{RoomID: roomID, Name: models.DefaultRoomName, IsPublic: true}

	persisted, err := h.store.Get(r.Context(), roomID)
	switch {
	case err == nil:
		if !persisted.IsPublic && !isCreator(h.optionalIdentity(r), persisted) {
			utils.JSONError(w, http.StatusForbidden, "this room is private")
			return
		}
		resp.Name = persisted.Name
		resp.CreatorID = persisted.CreatorID
		resp.IsPublic = persisted.IsPublic
		resp.Code = persisted.Code
		resp.LastModified = &persisted.LastModified
		resp.CreatedAt = &persisted.CreatedAt
	case errors.Is(err, models.ErrDocumentNotFound):
	default:
		h.log.Error("failed to load room", "roomId", roomID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "failed to load room")
		return
	}

	live, isLive := h.registry.Get(roomID)
	if isLive {
		resp.Live = true
		resp.Code = live.Document()
		resp.ActiveUsers = live.MemberCount()
	} else if persisted == nil {
		utils.JSONError(w, http.StatusNotFound, "room not found")
		return
	}
	utils.JSON(w, http.StatusOK, resp)
}

// ownedRoom loads roomID and checks the caller created it, writing the error
// response when not.
func (h *Handlers) ownedRoom(w http.ResponseWriter, r *http.Request, identity *models.Identity, action string) (string, bool) {
	roomID := chi.URLParam(r, "roomId")
	doc, err := h.store.Get(r.Context(), roomID)
	switch {
	case errors.Is(err, models.ErrDocumentNotFound):
		utils.JSONError(w, http.StatusNotFound, "room not found")
		return "", false
	case err != nil:
		h.log.Error("failed to load room", "roomId", roomID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "failed to "+action+" room")
		return "", false
	case !isCreator(identity, doc):
		utils.JSONError(w, http.StatusForbidden, "not authorized to "+action+" this room")
		return "", false
	}
	return roomID, true
}

// UpdateRoom renames a room. Only its creator may.
func (h *Handlers) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req models.UpdateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < 1 || n > models.MaxRoomNameLength {
		utils.JSONError(w, http.StatusBadRequest, fmt.Sprintf("room name must be 1-%d characters", models.MaxRoomNameLength))
		return
	}

	roomID, ok := h.ownedRoom(w, r, identity, "update")
	if !ok {
		return
	}
	if err := h.store.Rename(r.Context(), roomID, name); err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			utils.JSONError(w, http.StatusNotFound, "room not found")
			return
		}
		h.log.Error("failed to rename room", "roomId", roomID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "failed to update room")
		return
	}
	h.log.Info("room renamed", "roomId", roomID, "userId", identity.ID)
	utils.JSON(w, http.StatusOK, models.UpdateRoomResponse{RoomID: roomID, Name: name})
}

// DeleteRoom removes a persisted room. Only its creator may. Members still
// connected keep editing; their next edit persists the room again without
// an owner.
func (h *Handlers) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	roomID, ok := h.ownedRoom(w, r, identity, "delete")
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), roomID); err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			utils.JSONError(w, http.StatusNotFound, "room not found")
			return
		}
		h.log.Error("failed to delete room", "roomId", roomID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "failed to delete room")
		return
	}
	h.log.Info("room deleted", "roomId", roomID, "userId", identity.ID)
	utils.JSON(w, http.StatusOK, models.MessageResponse{Message: "room deleted"})
}

func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	rooms := h.registry.Snapshot()
	utils.JSON(w, http.StatusOK, models.StatsResponse{
		ActiveRooms:       len(rooms),
		ActiveConnections: h.fabric.ConnectionCount(),
		Rooms:             rooms,
	})
}

/*** Collab WebSocket: rooms, presence, chat and document sync ***/
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// CollabWS serves one connection. A missing or bad credential downgrades the
// connection to anonymous; it is never refused for it.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
	}
	identity, err := h.resolver.Resolve(token)
	if err != nil {
		h.log.Warn("socket auth failed, continuing anonymously", "error", err)
		identity = nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := session.NewSession(identity)
	client := session.NewClient(sess.ID, conn)
	client.SetRateLimit(h.rate, h.burst)
	h.fabric.Add(client)

	log := h.log.With("connectionId", sess.ID)
	if identity != nil {
		log.Info("client connected", "username", identity.Username)
	} else {
		log.Info("client connected", "anonymous", true)
	}

	go client.WritePump()
	client.ReadPump(log, func(frame models.WSFrame) { h.dispatch(sess, client, frame) })

	h.coord.Disconnect(sess)
	log.Info("client disconnected")
}

func (h *Handlers) dispatch(sess *session.Session, client *session.Client, frame models.WSFrame) {
	switch frame.Type {
	case models.EventJoinRoom:
		h.coord.Join(sess, roomIDFrom(frame.Data))

	case models.EventLeaveRoom:
		h.coord.Leave(sess, roomIDFrom(frame.Data))

	case models.EventSetUsername:
		var req models.SetUsernameRequest
		marshal(frame.Data, &req)
		h.coord.SetUsername(sess, req)

	case models.EventSendMessage:
		var req models.SendMessageRequest
		marshal(frame.Data, &req)
		h.coord.SendMessage(sess, req)

	case models.EventDocumentChange:
		var req models.DocumentChangeRequest
		marshal(frame.Data, &req)
		h.coord.ChangeDocument(sess, req)

	default:
		metrics.Events.WithLabelValues("unknown").Inc()
		client.Send(errFrame("unknown_type"))
		return
	}
	metrics.Events.WithLabelValues(frame.Type).Inc()
}

// roomIDFrom accepts either a bare room id or {"roomId": ...}.
func roomIDFrom(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	var req struct {
		RoomID string `json:"roomId"`
	}
	marshal(data, &req)
	return req.RoomID
}

func marshal(in any, out any) { b, _ := json.Marshal(in); _ = json.Unmarshal(b, out) }

func errFrame(msg string) models.WSFrame { return models.WSFrame{Type: models.EventError, Data: msg} }

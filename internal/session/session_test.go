package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"codecanvas/internal/metrics"
	"codecanvas/internal/models"
	"codecanvas/internal/utils"
)

func TestClientSendWithHook(t *testing.T) {
	client := NewClient("c1", nil)
	capture := newFrameCapture()
	client.SetSendHook(capture.hook)

	client.Send(models.WSFrame{Type: "ping"})

	got := capture.list()
	if len(got) != 1 || got[0].Type != "ping" {
		t.Fatalf("expected frame captured, got %#v", got)
	}
}

func TestClientSendOverflowClosesClient(t *testing.T) {
	client := NewClient("slow", nil)
	before := testutil.ToFloat64(metrics.DroppedFrames)

	for i := 0; i < sendBuffer; i++ {
		if !client.Send(models.WSFrame{Type: "x"}) {
			t.Fatalf("send %d rejected before buffer was full", i)
		}
	}
	if client.Send(models.WSFrame{Type: "overflow"}) {
		t.Fatalf("expected overflow send to be rejected")
	}
	if client.Send(models.WSFrame{Type: "after"}) {
		t.Fatalf("expected send on closed client to be rejected")
	}
	if got := testutil.ToFloat64(metrics.DroppedFrames) - before; got != 2 {
		t.Fatalf("expected 2 dropped frames, got %v", got)
	}

	// the queue is closed after the buffered frames
	n := 0
	for range client.send {
		n++
	}
	if n != sendBuffer {
		t.Fatalf("expected %d buffered frames, got %d", sendBuffer, n)
	}
	client.Close()
}

func TestClientPumpsOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	handled := make(chan models.WSFrame, 1)
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient("srv", conn)
		go client.WritePump()
		client.Send(models.WSFrame{Type: "hello"})
		client.ReadPump(utils.NewNopLogger(), func(f models.WSFrame) { handled <- f })
		client.Close()
		close(done)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	var hello models.WSFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "hello" {
		t.Fatalf("expected hello frame, got %#v (%v)", hello, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errFrame models.WSFrame
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame.Type != models.EventError || errFrame.Data != "invalid_frame" {
		t.Fatalf("unexpected error frame: %#v", errFrame)
	}

	if err := conn.WriteJSON(models.WSFrame{Type: models.EventJoinRoom, Data: "r1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case f := <-handled:
		if f.Type != models.EventJoinRoom || f.Data != "r1" {
			t.Fatalf("unexpected frame: %#v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected frame to be handled")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected read pump to return after close")
	}
}

func TestReadPumpDropsFramesOverRateLimit(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	handled := 0
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		client := NewClient("flood", conn)
		client.SetRateLimit(0.001, 2)
		client.ReadPump(utils.NewNopLogger(), func(models.WSFrame) {
			mu.Lock()
			handled++
			mu.Unlock()
		})
		close(done)
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 5; i++ {
		if err := conn.WriteJSON(models.WSFrame{Type: "noop"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected read pump to return")
	}

	mu.Lock()
	defer mu.Unlock()
	if handled != 2 {
		t.Fatalf("expected burst of 2 frames handled, got %d", handled)
	}
}

func TestFabricRouting(t *testing.T) {
	f := NewFabric()
	caps := map[string]*frameCapture{}
	for _, id := range []string{"a", "b", "c"} {
		c := NewClient(id, nil)
		caps[id] = newFrameCapture()
		c.SetSendHook(caps[id].hook)
		f.Add(c)
	}
	f.Join("r1", "a")
	f.Join("r1", "b")
	f.Join("r2", "c")

	f.ToRoomExcept("r1", "a", models.WSFrame{Type: "except"})
	f.ToRoom("r1", models.WSFrame{Type: "all"})
	f.ToConn("c", models.WSFrame{Type: "direct"})
	f.ToConn("missing", models.WSFrame{Type: "dropped"})

	if got := caps["a"].list(); len(got) != 1 || got[0].Type != "all" {
		t.Fatalf("unexpected frames for a: %#v", got)
	}
	if got := caps["b"].list(); len(got) != 2 || got[0].Type != "except" || got[1].Type != "all" {
		t.Fatalf("unexpected frames for b: %#v", got)
	}
	if got := caps["c"].list(); len(got) != 1 || got[0].Type != "direct" {
		t.Fatalf("unexpected frames for c: %#v", got)
	}

	f.Leave("r1", "b")
	f.Remove("a")
	f.ToRoom("r1", models.WSFrame{Type: "late"})
	if got := caps["b"].list(); len(got) != 2 {
		t.Fatalf("expected b to stop receiving after leave, got %#v", got)
	}
	if f.ConnectionCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", f.ConnectionCount())
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	r1 := reg.Ensure("r1")
	if again := reg.Ensure("r1"); again != r1 {
		t.Fatalf("expected Ensure to return existing state")
	}
	if _, ok := reg.Get("r2"); ok {
		t.Fatalf("expected r2 to be absent")
	}

	r1.mu.Lock()
	r1.users["c1"] = &member{}
	r1.mu.Unlock()
	if reg.RemoveIfEmpty("r1") {
		t.Fatalf("expected occupied room to be kept")
	}
	if snap := reg.Snapshot(); snap["r1"] != 1 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}

	r1.mu.Lock()
	r1.remove("c1")
	r1.mu.Unlock()
	if !reg.RemoveIfEmpty("r1") {
		t.Fatalf("expected empty room to be removed")
	}
	if !r1.isClosed() {
		t.Fatalf("expected removed state to be closed")
	}
	if reg.RemoveIfEmpty("r1") {
		t.Fatalf("expected second removal to be a no-op")
	}
	if fresh := reg.Ensure("r1"); fresh == r1 {
		t.Fatalf("expected a fresh state after removal")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 room, got %d", reg.Count())
	}
}

func TestRoomStateClaimAndHydrate(t *testing.T) {
	room := NewRoomState("r1")
	room.users["a"] = &member{}
	room.users["b"] = &member{}

	if !room.claim("a", "alice") {
		t.Fatalf("expected first claim to succeed")
	}
	if room.claim("b", "alice") {
		t.Fatalf("expected duplicate claim to fail")
	}
	if room.claim("ghost", "ghost") {
		t.Fatalf("expected claim by non-member to fail")
	}
	if name, ok := room.nameOf("a"); !ok || name != "alice" {
		t.Fatalf("unexpected username: %q %v", name, ok)
	}

	room.edited[models.FieldCSS] = true
	room.document.CSS = "live"
	if !room.hydrate(models.Document{HTML: "h", CSS: "stale", JS: ""}) {
		t.Fatalf("expected hydrate to report a change")
	}
	if room.document != (models.Document{HTML: "h", CSS: "live"}) {
		t.Fatalf("unexpected document: %#v", room.document)
	}
	if room.hydrate(models.Document{HTML: "h", CSS: "other"}) {
		t.Fatalf("expected no change on identical hydrate")
	}
}

func TestPersisterRunsRoomTasksInOrder(t *testing.T) {
	p := NewPersister(newMemStore(), utils.NewNopLogger(), time.Second)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		p.Enqueue("r1", "test", func(context.Context, DocumentStore) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
	if len(order) != 50 {
		t.Fatalf("expected 50 tasks, got %d", len(order))
	}
}

func TestPersisterRoomsDoNotBlockEachOther(t *testing.T) {
	p := NewPersister(newMemStore(), utils.NewNopLogger(), time.Second)
	release := make(chan struct{})
	ran := make(chan struct{})

	p.Enqueue("slow", "test", func(context.Context, DocumentStore) error {
		<-release
		return nil
	})
	p.Enqueue("fast", "test", func(context.Context, DocumentStore) error {
		close(ran)
		return nil
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("expected fast room task to run while slow room is blocked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wait to time out, got %v", err)
	}

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := p.Wait(ctx2); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestPersisterAppliesTaskTimeout(t *testing.T) {
	p := NewPersister(newMemStore(), utils.NewNopLogger(), 10*time.Millisecond)
	errc := make(chan error, 1)
	p.Enqueue("r1", "test", func(ctx context.Context, _ DocumentStore) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected task context to expire")
	}
}

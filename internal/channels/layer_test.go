package channels

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// sessionHarness upgrades real WebSocket connections so tests exercise the
// same write pumps production uses.
type sessionHarness struct {
	srv      *httptest.Server
	sessions chan *Session
	clients  []*websocket.Conn
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{sessions: make(chan *Session, 32)}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.sessions <- NewSession(conn, SessionConfig{})
	}))
	t.Cleanup(h.close)
	return h
}

// dial opens one client connection and returns the server-side session
// paired with the client conn.
func (h *sessionHarness) dial(t *testing.T) (*Session, *websocket.Conn) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.clients = append(h.clients, client)
	select {
	case s := <-h.sessions:
		return s, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server session")
		return nil, nil
	}
}

func (h *sessionHarness) close() {
	for _, c := range h.clients {
		c.Close()
	}
	h.srv.Close()
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", kind)
	}
	return string(data)
}

func TestGroupAddMembership(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	a, _ := h.dial(t)
	b, _ := h.dial(t)

	layer.GroupAdd("room:1", a)
	layer.GroupAdd("room:1", b)
	layer.GroupAdd("room:2", a)

	if got := layer.GroupSize("room:1"); got != 2 {
		t.Errorf("GroupSize(room:1) = %d, want 2", got)
	}
	if !layer.IsInGroup("room:1", a) || !layer.IsInGroup("room:1", b) {
		t.Error("expected both sessions in room:1")
	}
	if layer.IsInGroup("room:2", b) {
		t.Error("b should not be in room:2")
	}
	if got := layer.GetSessionGroups(a); len(got) != 2 || got[0] != "room:1" || got[1] != "room:2" {
		t.Errorf("GetSessionGroups(a) = %v, want [room:1 room:2]", got)
	}
	if got := layer.GetAllGroups(); len(got) != 2 {
		t.Errorf("GetAllGroups() = %v, want 2 groups", got)
	}
}

func TestGroupAddIdempotent(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	a, _ := h.dial(t)
	layer.GroupAdd("room", a)
	layer.GroupAdd("room", a)

	if got := layer.GroupSize("room"); got != 1 {
		t.Errorf("GroupSize = %d after duplicate add, want 1", got)
	}
	if got := layer.GetSessionGroups(a); len(got) != 1 {
		t.Errorf("GetSessionGroups = %v, want one group", got)
	}
}

func TestGroupDiscardPrunesEmptyGroup(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	a, _ := h.dial(t)
	layer.GroupAdd("room", a)
	layer.GroupDiscard("room", a)

	if got := layer.GetAllGroups(); len(got) != 0 {
		t.Errorf("expected empty group pruned, still have %v", got)
	}
	if got := layer.GetSessionGroups(a); len(got) != 0 {
		t.Errorf("expected session index cleared, still have %v", got)
	}
	// Discarding a non-member must be a no-op.
	layer.GroupDiscard("room", a)
	layer.GroupDiscard("ghost", a)
}

func TestDiscardAll(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	a, _ := h.dial(t)
	b, _ := h.dial(t)
	for _, g := range []string{"g1", "g2", "g3"} {
		layer.GroupAdd(g, a)
	}
	layer.GroupAdd("g2", b)

	layer.DiscardAll(a)

	if got := layer.GetSessionGroups(a); len(got) != 0 {
		t.Errorf("a still in groups %v after DiscardAll", got)
	}
	if layer.IsInGroup("g1", a) || layer.IsInGroup("g2", a) || layer.IsInGroup("g3", a) {
		t.Error("a still a member after DiscardAll")
	}
	// b's membership survives, g1/g3 are pruned.
	if !layer.IsInGroup("g2", b) {
		t.Error("DiscardAll(a) removed b from g2")
	}
	if got := layer.GetAllGroups(); len(got) != 1 || got[0] != "g2" {
		t.Errorf("GetAllGroups() = %v, want [g2]", got)
	}
}

func TestGroupSendBroadcast(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	var clients []*websocket.Conn
	for i := 0; i < 3; i++ {
		s, c := h.dial(t)
		layer.GroupAdd("room", s)
		clients = append(clients, c)
	}

	res, err := layer.GroupSend("room", "hello", SendOptions{})
	if err != nil {
		t.Fatalf("GroupSend: %v", err)
	}
	if res.Sent != 3 || res.Failed != 0 {
		t.Errorf("result = sent %d failed %d, want 3/0", res.Sent, res.Failed)
	}
	for i, c := range clients {
		if got := readText(t, c); got != "hello" {
			t.Errorf("client %d got %q, want %q", i, got, "hello")
		}
	}
}

func TestGroupSendCountsClosedAsFailed(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	for i := 0; i < 10; i++ {
		s, _ := h.dial(t)
		layer.GroupAdd("room", s)
	}
	dead, _ := h.dial(t)
	layer.GroupAdd("room", dead)
	dead.Close(websocket.CloseNormalClosure, "bye")

	res, err := layer.GroupSend("room", "ping", SendOptions{})
	if err != nil {
		t.Fatalf("GroupSend: %v", err)
	}
	if res.Sent != 10 {
		t.Errorf("Sent = %d, want 10", res.Sent)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], ErrSessionClosed) {
		t.Errorf("Errors = %v, want one ErrSessionClosed", res.Errors)
	}
}

func TestGroupSendThrowOnErrorAttemptsAll(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	dead, _ := h.dial(t)
	layer.GroupAdd("room", dead)
	dead.Close(websocket.CloseNormalClosure, "bye")

	live, client := h.dial(t)
	layer.GroupAdd("room", live)

	res, err := layer.GroupSend("room", "msg", SendOptions{ThrowOnError: true})
	if err == nil {
		t.Fatal("expected error with ThrowOnError set")
	}
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
	// The live session must still have been attempted.
	if res.Sent != 1 {
		t.Errorf("Sent = %d, want 1 (all members attempted)", res.Sent)
	}
	if got := readText(t, client); got != "msg" {
		t.Errorf("live client got %q, want %q", got, "msg")
	}
}

func TestGroupSendBinary(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	s, client := h.dial(t)
	layer.GroupAdd("room", s)

	payload := []byte{0x01, 0x02, 0xff}
	res, err := layer.GroupSendBinary("room", payload, SendOptions{})
	if err != nil {
		t.Fatalf("GroupSendBinary: %v", err)
	}
	if res.Sent != 1 {
		t.Errorf("Sent = %d, want 1", res.Sent)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Errorf("frame type = %d, want binary", kind)
	}
	if string(data) != string(payload) {
		t.Errorf("payload = %v, want %v", data, payload)
	}
}

func TestGroupSendUnknownGroup(t *testing.T) {
	layer := NewLayer()
	res, err := layer.GroupSend("nobody-home", "hi", SendOptions{})
	if err != nil {
		t.Fatalf("GroupSend: %v", err)
	}
	if res.Sent != 0 || res.Failed != 0 || len(res.Errors) != 0 {
		t.Errorf("expected empty result for unknown group, got %+v", res)
	}
}

func TestLayerSnapshot(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	a, _ := h.dial(t)
	b, _ := h.dial(t)
	layer.GroupAdd("g1", a)
	layer.GroupAdd("g1", b)
	layer.GroupAdd("g2", a)

	groups, sessions := layer.Snapshot()
	if groups["g1"] != 2 || groups["g2"] != 1 {
		t.Errorf("groups = %v, want g1:2 g2:1", groups)
	}
	if sessions != 2 {
		t.Errorf("sessions = %d, want 2", sessions)
	}
}

func TestLayerClose(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	a, _ := h.dial(t)
	b, _ := h.dial(t)
	layer.GroupAdd("g1", a)
	layer.GroupAdd("g2", b)

	layer.Close()

	if got := layer.GetAllGroups(); len(got) != 0 {
		t.Errorf("groups remain after Close: %v", got)
	}
	if a.IsOpen() || b.IsOpen() {
		t.Error("sessions still open after layer Close")
	}
	// Layer stays usable.
	c, _ := h.dial(t)
	layer.GroupAdd("g1", c)
	if layer.GroupSize("g1") != 1 {
		t.Error("layer unusable after Close")
	}
}

// TestLayerBimapConsistencyUnderContention hammers membership from many
// goroutines and then verifies the two indexes agree.
func TestLayerBimapConsistencyUnderContention(t *testing.T) {
	h := newSessionHarness(t)
	layer := NewLayer()

	var all []*Session
	for i := 0; i < 8; i++ {
		s, _ := h.dial(t)
		all = append(all, s)
	}

	var wg sync.WaitGroup
	for i, s := range all {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				g := fmt.Sprintf("g%d", (i+n)%5)
				layer.GroupAdd(g, s)
				if n%3 == 0 {
					layer.GroupDiscard(g, s)
				}
				if n%7 == 0 {
					layer.DiscardAll(s)
				}
			}
		}(i, s)
	}
	wg.Wait()

	layer.mu.Lock()
	defer layer.mu.Unlock()
	for group, members := range layer.groups {
		if len(members) == 0 {
			t.Errorf("group %q left empty but not pruned", group)
		}
		for id := range members {
			if _, ok := layer.sessions[id][group]; !ok {
				t.Errorf("group index has (%s, %s) but session index disagrees", group, id)
			}
		}
	}
	for id, names := range layer.sessions {
		if len(names) == 0 {
			t.Errorf("session %q left with empty group set but not pruned", id)
		}
		for group := range names {
			if _, ok := layer.groups[group][id]; !ok {
				t.Errorf("session index has (%s, %s) but group index disagrees", id, group)
			}
		}
	}
}

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	board "prism-board/board-api/domain"
	"prism-board/stream-service/domain"
)

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errors.New("missing authorization header")
	}
	return strings.TrimPrefix(h, "Bearer "), nil
}

type fakeMembership map[string]bool

func (f fakeMembership) IsBoardMember(ctx context.Context, userID, boardID string) (bool, error) {
	return f[boardID+"/"+userID], nil
}

func newTestServer(t *testing.T) (*httptest.Server, *domain.Registry) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := domain.NewRegistry(4, logger)
	e := echo.New()
	Register(e, reg, fakeMembership{"b1/alice": true, "b1/bob": true}, mockAuth{}, Config{SendBuffer: 16, Logger: logger})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, boardID string) {
	t.Helper()
	payload, _ := sonic.Marshal(clientFrame{Type: typ, BoardID: boardID})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func next(t *testing.T, conn *websocket.Conn) domain.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f domain.Frame
	if err := sonic.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return f
}

func TestWebsocketRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWebsocketJoinBroadcastAndLeave(t *testing.T) {
	srv, reg := newTestServer(t)

	alice := dial(t, srv, "alice")
	welcome := next(t, alice)
	if welcome.Type != domain.EventWelcome || welcome.Handle == "" || welcome.UserID != "alice" {
		t.Fatalf("unexpected welcome %+v", welcome)
	}
	send(t, alice, "join", "b1")
	members := next(t, alice)
	if members.Type != domain.EventMembers || len(members.Members) != 1 || members.Members[0].UserID != "alice" {
		t.Fatalf("unexpected members frame %+v", members)
	}

	bob := dial(t, srv, "bob")
	bobHandle := next(t, bob).Handle
	send(t, bob, "join", "b1")
	if f := next(t, bob); f.Type != domain.EventMembers || len(f.Members) != 2 {
		t.Fatalf("unexpected members for bob %+v", f)
	}
	if f := next(t, alice); f.Type != domain.EventPresenceJoined || f.Handle != bobHandle || f.UserID != "bob" {
		t.Fatalf("expected presence-joined for bob, got %+v", f)
	}

	res := board.ReorderResult{ItemID: "C", BoardID: "b1", ParentID: "l1", Position: 1.5, Version: 2}
	if n := reg.Publish("b1", res, welcome.Handle); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if f := next(t, bob); f.Type != domain.EventReorder || f.Result == nil || !reflect.DeepEqual(*f.Result, res) {
		t.Fatalf("unexpected reorder frame %+v", f)
	}

	send(t, alice, "ping", "")
	if f := next(t, alice); f.Type != domain.EventPong {
		t.Fatalf("origin must not see its own result; expected pong, got %+v", f)
	}

	send(t, bob, "leave", "b1")
	if f := next(t, bob); f.Type != domain.EventLeft || f.BoardID != "b1" {
		t.Fatalf("unexpected left frame %+v", f)
	}
	if f := next(t, alice); f.Type != domain.EventPresenceLeft || f.Handle != bobHandle {
		t.Fatalf("expected presence-left, got %+v", f)
	}
}

func TestWebsocketRejectsNonMembersAndUnknownCommands(t *testing.T) {
	srv, reg := newTestServer(t)
	mallory := dial(t, srv, "mallory")
	next(t, mallory)

	send(t, mallory, "join", "b1")
	if f := next(t, mallory); f.Type != domain.EventError || f.Error != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", f)
	}
	if len(reg.Members("b1")) != 0 {
		t.Fatalf("non-member must not be in the room: %+v", reg.Members("b1"))
	}
	send(t, mallory, "leave", "b1")
	if f := next(t, mallory); f.Type != domain.EventError || f.Error != codeNotJoined {
		t.Fatalf("expected not_joined error, got %+v", f)
	}
	send(t, mallory, "shout", "b1")
	if f := next(t, mallory); f.Type != domain.EventError || f.Error != codeUnknownType {
		t.Fatalf("expected unknown_type error, got %+v", f)
	}
	send(t, mallory, "join", "")
	if f := next(t, mallory); f.Type != domain.EventError || f.Error != codeValidation {
		t.Fatalf("expected validation error, got %+v", f)
	}
}

func TestDisconnectRemovesSessionFromRoom(t *testing.T) {
	srv, reg := newTestServer(t)
	alice := dial(t, srv, "alice")
	next(t, alice)
	send(t, alice, "join", "b1")
	next(t, alice)

	alice.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Rooms() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room not discarded after disconnect: %d rooms", reg.Rooms())
}

package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/board-api/domain"
	streamapi "prism-board/stream-service/api"
	streamdomain "prism-board/stream-service/domain"
)

type allowList map[string]bool

func (a allowList) IsBoardMember(ctx context.Context, userID, boardID string) (bool, error) {
	return a[boardID+"/"+userID], nil
}

func newStreamService(t *testing.T) (string, *streamdomain.Registry) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := streamdomain.NewRegistry(4, logger)
	e := echo.New()
	streamapi.Register(e, reg, allowList{"b1/u1": true}, mockAuth{}, streamapi.Config{SendBuffer: 16, Logger: logger})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", reg
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSubscriberFeedsRemoteResults(t *testing.T) {
	wsURL, reg := newStreamService(t)
	s, _ := newTestBoard(t)
	logger, _ := test.NewNullLogger()

	var mu sync.Mutex
	var presence []streamdomain.Frame
	sub := &Subscriber{URL: wsURL, Bearer: "u1", Logger: logger, OnPresence: func(f streamdomain.Frame) {
		mu.Lock()
		presence = append(presence, f)
		mu.Unlock()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, s) }()

	eventually(t, func() bool { return len(reg.Members("b1")) == 1 })
	handle := reg.Members("b1")[0].Handle

	reg.Publish("b1", domain.ReorderResult{ItemID: "A", BoardID: "b1", ParentID: "l1", Position: 3.5, Version: 2}, "")
	eventually(t, func() bool {
		v, _ := s.Snapshot()
		ids := v.IDs("l1")
		return len(ids) == 3 && ids[2] == "A"
	})

	// Results that originate from this client are not echoed back.
	if n := reg.Publish("b1", domain.ReorderResult{ItemID: "B", BoardID: "b1", ParentID: "l1", Position: 9, Version: 2}, handle); n != 0 {
		t.Fatalf("origin should be excluded, delivered to %d", n)
	}

	// The store learned its session handle from the welcome frame.
	var session string
	eventually(t, func() bool {
		s.do(func() { session = s.session })
		return session == handle
	})

	mu.Lock()
	if len(presence) == 0 || presence[0].Type != streamdomain.EventMembers {
		t.Fatalf("expected members frame, got %+v", presence)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected exit error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	eventually(t, func() bool { return reg.Rooms() == 0 })
}

func TestSubscriberStopsWhenRejected(t *testing.T) {
	wsURL, _ := newStreamService(t)
	logger, _ := test.NewNullLogger()
	s := NewStore("b2", "u1", &coordTransport{}, Options{Logger: logger})
	defer s.Close()

	sub := &Subscriber{URL: wsURL, Bearer: "u1", Logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sub.Run(ctx, s); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

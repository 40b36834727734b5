package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/board-api/api"
	"prism-board/board-api/domain"
	"prism-board/board-api/storage"
)

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errors.New("missing authorization header")
	}
	return strings.TrimPrefix(h, "Bearer "), nil
}

type originRecorder struct {
	mu      sync.Mutex
	origins []string
}

func (r *originRecorder) Publish(res domain.ReorderResult, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins = append(r.origins, origin)
}

func newBoardAPI(t *testing.T) (*httptest.Server, *storage.MemoryStore, *originRecorder) {
	t.Helper()
	m := storage.NewMemoryStore()
	m.Put(
		domain.OrderedItem{ID: "l1", BoardID: "b1", ParentID: "b1", Kind: domain.KindList, Position: 1000, Version: 1},
		card("A", "l1", 1), card("B", "l1", 2), card("C", "l1", 3),
	)
	m.AddMember("b1", "u1")
	logger, _ := test.NewNullLogger()
	pub := &originRecorder{}
	coord := domain.NewCoordinator(m, m, domain.WithLogger(logger), domain.WithPublisher(pub))

	e := echo.New()
	api.Register(e, api.Deps{Mover: coord, Items: m, Members: m, Auth: mockAuth{}, Logger: logger})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, m, pub
}

func TestHTTPTransportMoveAndFetch(t *testing.T) {
	srv, _, pub := newBoardAPI(t)
	tr := NewHTTPTransport(srv.URL, "u1")
	ctx := context.Background()

	items, err := tr.FetchItems(ctx, "b1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 4 || items[0].ID != "l1" || items[1].ID != "A" || items[3].ID != "C" {
		t.Fatalf("unexpected items %+v", items)
	}

	res, err := tr.MoveItem(ctx, domain.ReorderRequest{
		BoardID: "b1", ItemID: "C", SourceParentID: "l1", DestinationParentID: "l1",
		BeforeID: "A", AfterID: "B", OriginHandle: "sess-1",
	}, "key-1")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.ItemID != "C" || res.Position != 1.5 || res.Version != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.origins) != 1 || pub.origins[0] != "sess-1" {
		t.Fatalf("session handle should reach the publisher, got %v", pub.origins)
	}
}

func TestHTTPTransportMapsErrors(t *testing.T) {
	srv, _, _ := newBoardAPI(t)
	ctx := context.Background()

	tr := NewHTTPTransport(srv.URL, "u1")
	_, err := tr.MoveItem(ctx, domain.ReorderRequest{BoardID: "b1", ItemID: "nope", SourceParentID: "l1", DestinationParentID: "l1"}, "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = tr.MoveItem(ctx, domain.ReorderRequest{BoardID: "b1", ItemID: "C", SourceParentID: "l1", DestinationParentID: "b1"}, "")
	if !errors.Is(err, domain.ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	_, err = tr.MoveItem(ctx, domain.ReorderRequest{BoardID: "b1", ItemID: "C", SourceParentID: "l2", DestinationParentID: "l1"}, "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for a stale source, got %v", err)
	}

	outsider := NewHTTPTransport(srv.URL, "u2")
	if _, err := outsider.FetchItems(ctx, "b1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHTTPTransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.FetchItems(ctx, "b1"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrValidation},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusUnprocessableEntity, domain.ErrInvalidTarget},
		{http.StatusConflict, domain.ErrConflict},
		{http.StatusGatewayTimeout, ErrTimeout},
	}
	for _, tt := range tests {
		err := statusError(tt.status, []byte(`{"error":"x","message":"boom"}`))
		if !errors.Is(err, tt.want) || !strings.Contains(err.Error(), "boom") {
			t.Fatalf("status %d: got %v", tt.status, err)
		}
	}
	if err := statusError(http.StatusInternalServerError, nil); err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("unexpected internal error mapping %v", err)
	}
}

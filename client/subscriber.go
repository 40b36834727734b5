package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	streamdomain "prism-board/stream-service/domain"
)

// ErrRejected is returned when stream-service refuses the join.
var ErrRejected = errors.New("join rejected")

// Subscriber keeps a Store joined to its board's room on stream-service.
type Subscriber struct {
	URL    string
	Bearer string
	Dialer *websocket.Dialer
	Logger log.FieldLogger

	// OnPresence, when set, receives presence and members frames.
	OnPresence func(streamdomain.Frame)
}

// Run connects, joins the board and feeds results into store until ctx ends. After every
// (re)join the board is reloaded so results missed while disconnected are picked up.
func (sub *Subscriber) Run(ctx context.Context, store *Store) error {
	logger := sub.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	backoff := 100 * time.Millisecond
	for {
		err := sub.session(ctx, store)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrRejected) {
			return err
		}
		logger.WithError(err).WithField("board", store.boardID).Warn("realtime session ended; reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func (sub *Subscriber) session(ctx context.Context, store *Store) error {
	dialer := sub.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if sub.Bearer != "" {
		header.Set("Authorization", "Bearer "+sub.Bearer)
	}
	conn, _, err := dialer.DialContext(ctx, sub.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	join, err := sonic.Marshal(map[string]string{"type": "join", "boardId": store.boardID})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var f streamdomain.Frame
		if err := sonic.Unmarshal(raw, &f); err != nil {
			continue
		}
		if err := sub.handle(ctx, store, f); err != nil {
			return err
		}
	}
}

func (sub *Subscriber) handle(ctx context.Context, store *Store, f streamdomain.Frame) error {
	switch f.Type {
	case streamdomain.EventWelcome:
		return store.SetSession(f.Handle)
	case streamdomain.EventMembers:
		if sub.OnPresence != nil {
			sub.OnPresence(f)
		}
		return store.Load(ctx)
	case streamdomain.EventReorder:
		if f.Result == nil {
			return nil
		}
		return store.ApplyRemote(*f.Result)
	case streamdomain.EventPresenceJoined, streamdomain.EventPresenceLeft:
		if sub.OnPresence != nil {
			sub.OnPresence(f)
		}
	case streamdomain.EventError:
		return fmt.Errorf("%w: %s", ErrRejected, f.Error)
	}
	return nil
}

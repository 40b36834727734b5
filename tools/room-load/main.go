package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"prism-board/internal/config"
	"prism-board/stream-service/domain"
)

type counters struct {
	attempts  uint64
	failures  uint64
	joined    uint64
	reorders  uint64
	presence  uint64
	errFrames uint64
}

func main() {
	config.ConfigureLogging()
	wsURL := config.String("WS_URL", "ws://localhost:9000/ws")
	boardID := os.Getenv("BOARD_ID")
	if boardID == "" {
		log.Fatal("BOARD_ID must be set")
	}
	conns := config.Int("WS_CONNECTIONS", 200)
	duration := config.Duration("DURATION", 2*time.Minute)
	tokens, err := loadTokens()
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup
	wg.Add(conns)
	for i := range conns {
		go func(token string) {
			defer wg.Done()
			session(ctx, wsURL, token, boardID, &c)
		}(tokens[i%len(tokens)])
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if atomic.LoadUint64(&c.reorders) == 0 {
				fmt.Println("no reorder events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	attempts := atomic.LoadUint64(&c.attempts)
	failures := atomic.LoadUint64(&c.failures)
	reorders := atomic.LoadUint64(&c.reorders)
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d joined=%d reorders_received=%d presence_received=%d error_frames=%d connection_failures=%d\n",
		conns, int(duration.Seconds()), atomic.LoadUint64(&c.joined), reorders, atomic.LoadUint64(&c.presence), atomic.LoadUint64(&c.errFrames), failures)
	if reorders == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

func loadTokens() ([]string, error) {
	if path := os.Getenv("TOKENS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var tokens []string
		if err := sonic.Unmarshal(data, &tokens); err != nil {
			return nil, err
		}
		if len(tokens) > 0 {
			return tokens, nil
		}
	}
	if bearer := os.Getenv("TEST_BEARER"); bearer != "" {
		return []string{bearer}, nil
	}
	return nil, fmt.Errorf("set TOKENS_FILE or TEST_BEARER")
}

// session keeps one member in the room until ctx ends, reconnecting with backoff.
func session(ctx context.Context, wsURL, token, boardID string, c *counters) {
	backoff := time.Second
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	for ctx.Err() == nil {
		atomic.AddUint64(&c.attempts, 1)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			atomic.AddUint64(&c.failures, 1)
			time.Sleep(backoff)
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = time.Second
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		join, _ := sonic.Marshal(map[string]string{"type": "join", "boardId": boardID})
		if err := conn.WriteMessage(websocket.TextMessage, join); err == nil {
			read(conn, c)
		}
		stop()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		atomic.AddUint64(&c.failures, 1)
		time.Sleep(backoff)
	}
}

func read(conn *websocket.Conn, c *counters) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f domain.Frame
		if err := sonic.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.Type {
		case domain.EventMembers:
			atomic.AddUint64(&c.joined, 1)
		case domain.EventReorder:
			atomic.AddUint64(&c.reorders, 1)
		case domain.EventPresenceJoined, domain.EventPresenceLeft:
			atomic.AddUint64(&c.presence, 1)
		case domain.EventError:
			atomic.AddUint64(&c.errFrames, 1)
			log.WithField("error", f.Error).Debug("error frame")
		}
	}
}

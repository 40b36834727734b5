package api

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/board-api/domain"
)

type recordingFallback struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *recordingFallback) Enqueue(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *recordingFallback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func subscribe(t *testing.T, client *redis.Client, channel string) <-chan *redis.Message {
	t.Helper()
	sub := client.Subscribe(context.Background(), channel)
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sub.Channel()
}

func receiveUpdate(t *testing.T, ch <-chan *redis.Message) domain.BoardUpdate {
	t.Helper()
	select {
	case msg := <-ch:
		var upd domain.BoardUpdate
		if err := sonic.Unmarshal([]byte(msg.Payload), &upd); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		return upd
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for board update")
	}
	return domain.BoardUpdate{}
}

func TestPublisherPublishesBoardUpdates(t *testing.T) {
	_, client := newTestRedis(t)
	logger, _ := test.NewNullLogger()
	ch := subscribe(t, client, "board-updates")

	p := NewPublisher(client, "board-updates", nil, PublisherConfig{Workers: 2, Buffer: 4, Timeout: time.Second}, logger)
	t.Cleanup(p.Close)

	res := domain.ReorderResult{ItemID: "C", BoardID: "b1", ParentID: "l1", Position: 1.5, Version: 2}
	p.Publish(res, "sess-1")

	upd := receiveUpdate(t, ch)
	if upd.Type != domain.EventReorder || upd.BoardID != "b1" || upd.Origin != "sess-1" || !reflect.DeepEqual(upd.Result, res) {
		t.Fatalf("unexpected update: %+v", upd)
	}
}

func TestPublisherFallsBackWhenRedisDown(t *testing.T) {
	m, client := newTestRedis(t)
	logger, hook := test.NewNullLogger()
	fb := &recordingFallback{}
	m.Close()

	p := NewPublisher(client, "board-updates", fb, PublisherConfig{Workers: 1, Buffer: 1, Timeout: 200 * time.Millisecond}, logger)
	p.Publish(domain.ReorderResult{ItemID: "C", BoardID: "b1", Version: 2}, "")
	p.Close()

	if fb.count() != 1 {
		t.Fatalf("expected update to be queued for relay, got %d", fb.count())
	}
	var upd domain.BoardUpdate
	if err := sonic.Unmarshal(fb.payloads[0], &upd); err != nil || upd.Result.ItemID != "C" {
		t.Fatalf("unexpected fallback payload %s: %v", fb.payloads[0], err)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "publish failed; update queued for relay" {
		t.Fatalf("expected relay warning, got %+v", hook.LastEntry())
	}
}

func TestPublisherKeepsBoardOrder(t *testing.T) {
	_, client := newTestRedis(t)
	logger, _ := test.NewNullLogger()
	ch := subscribe(t, client, "board-updates")

	// A one-slot buffer keeps the lanes saturated so callers have to wait their turn.
	p := NewPublisher(client, "board-updates", nil, PublisherConfig{Workers: 4, Buffer: 1, Timeout: time.Second}, logger)
	t.Cleanup(p.Close)

	const n = 40
	for i := 1; i <= n; i++ {
		p.Publish(domain.ReorderResult{ItemID: "C", BoardID: "b1", Version: int64(i)}, "")
		p.Publish(domain.ReorderResult{ItemID: "X", BoardID: "b2", Version: int64(i)}, "")
	}

	last := map[string]int64{}
	for i := 0; i < 2*n; i++ {
		upd := receiveUpdate(t, ch)
		if upd.Result.Version != last[upd.BoardID]+1 {
			t.Fatalf("board %s: version %d arrived after %d", upd.BoardID, upd.Result.Version, last[upd.BoardID])
		}
		last[upd.BoardID] = upd.Result.Version
	}
}

func TestPublishWaitsForFullLane(t *testing.T) {
	logger, hook := test.NewNullLogger()
	lane := make(chan publishJob, 1)
	p := &Publisher{logger: logger, lanes: []chan publishJob{lane}}
	lane <- publishJob{update: domain.BoardUpdate{BoardID: "b1", Result: domain.ReorderResult{Version: 1}}}

	done := make(chan struct{})
	go func() {
		p.Publish(domain.ReorderResult{BoardID: "b1", Version: 2}, "")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Publish returned before the lane had room")
	case <-time.After(30 * time.Millisecond):
	}
	if first := <-lane; first.update.Result.Version != 1 {
		t.Fatalf("expected the queued update first, got %+v", first.update)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not hand off after capacity freed")
	}
	if next := <-lane; next.update.Result.Version != 2 {
		t.Fatalf("unexpected follow-up update %+v", next.update)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Message != "publish buffer saturated; waiting for capacity" {
		t.Fatalf("expected saturation warning, got %+v", hook.LastEntry())
	}
}

func TestPublishAfterCloseDeliversInline(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fb := &recordingFallback{}
	p := NewPublisher(nil, "board-updates", fb, PublisherConfig{Workers: 2, Timeout: 100 * time.Millisecond}, logger)
	p.Close()

	p.Publish(domain.ReorderResult{ItemID: "C", BoardID: "b1", Version: 2}, "")
	if fb.count() != 1 {
		t.Fatalf("expected inline delivery to reach the fallback, got %d", fb.count())
	}
}

type sliceDrainer struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *sliceDrainer) Drain(ctx context.Context, deliver func(context.Context, []byte) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for len(s.payloads) > 0 {
		if err := deliver(ctx, s.payloads[0]); err != nil {
			return n, err
		}
		s.payloads = s.payloads[1:]
		n++
	}
	return n, nil
}

func TestRunRelayRepublishesQueuedUpdates(t *testing.T) {
	_, client := newTestRedis(t)
	logger, _ := test.NewNullLogger()
	ch := subscribe(t, client, "board-updates")

	payload, _ := sonic.Marshal(domain.NewBoardUpdate(domain.ReorderResult{ItemID: "X", BoardID: "b9", Version: 3}, ""))
	q := &sliceDrainer{payloads: [][]byte{payload}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunRelay(ctx, q, client, "board-updates", 10*time.Millisecond, logger)
		close(done)
	}()

	upd := receiveUpdate(t, ch)
	if upd.BoardID != "b9" || upd.Result.ItemID != "X" {
		t.Fatalf("unexpected relayed update: %+v", upd)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}

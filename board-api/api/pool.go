package api

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/board-api/domain"
)

// Fallback receives encoded updates that could not be published to Redis.
type Fallback interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// PublisherConfig sizes the publish worker pool. Buffer is per worker.
type PublisherConfig struct {
	Workers int
	Buffer  int
	Timeout time.Duration
}

type publishJob struct {
	update domain.BoardUpdate
}

// Publisher fans committed results out to the board updates channel from a bounded
// pool of workers, so handlers never wait on Redis. Each board is pinned to one worker,
// which keeps a board's updates in commit order.
type Publisher struct {
	client   *redis.Client
	channel  string
	fallback Fallback
	logger   *log.Logger
	cfg      PublisherConfig

	lanes []chan publishJob
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPublisher starts cfg.Workers workers. fallback may be nil.
func NewPublisher(client *redis.Client, channel string, fallback Fallback, cfg PublisherConfig, logger *log.Logger) *Publisher {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	p := &Publisher{
		client:   client,
		channel:  channel,
		fallback: fallback,
		logger:   logger,
		cfg:      cfg,
		lanes:    make([]chan publishJob, cfg.Workers),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan publishJob, cfg.Buffer)
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("board publisher started, workers: %d, buffer: %d, timeout: %v", cfg.Workers, cfg.Buffer, cfg.Timeout)
	return p
}

// Publish implements domain.Publisher. A full lane makes the caller wait for room
// rather than overtake the updates already queued for the board.
func (p *Publisher) Publish(res domain.ReorderResult, origin string) {
	job := publishJob{update: domain.NewBoardUpdate(res, origin)}
	lane := p.lanes[laneFor(res.BoardID, len(p.lanes))]
	ok, closed := trySendNonBlocking(lane, job)
	if ok {
		return
	}
	if !closed {
		p.logger.WithField("board", res.BoardID).Warn("publish buffer saturated; waiting for capacity")
		if sendBlocking(lane, job) {
			return
		}
	}
	p.logger.WithField("board", res.BoardID).Warn("publisher closed; publishing inline")
	p.deliver(-1, job)
}

func laneFor(boardID string, n int) int {
	return int(xxhash.Sum64String(boardID) % uint64(n))
}

// Close stops the workers after draining queued updates.
func (p *Publisher) Close() {
	p.once.Do(func() {
		for _, lane := range p.lanes {
			close(lane)
		}
	})
	p.wg.Wait()
}

func (p *Publisher) worker(id int) {
	defer p.wg.Done()
	for j := range p.lanes[id] {
		p.deliver(id, j)
	}
}

func (p *Publisher) deliver(worker int, j publishJob) {
	payload, err := sonic.Marshal(j.update)
	if err != nil {
		p.logger.Errorf("encode board update failed, err: %v, board: %s", err, j.update.BoardID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	err = PublishPayload(ctx, p.client, p.channel, payload)
	if err == nil {
		return
	}
	fields := log.Fields{"board": j.update.BoardID, "item": j.update.Result.ItemID, "worker": worker}
	if p.fallback == nil {
		p.logger.WithError(err).WithFields(fields).Error("publish failed; update dropped")
		return
	}
	fctx, fcancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer fcancel()
	if ferr := p.fallback.Enqueue(fctx, payload); ferr != nil {
		p.logger.WithError(ferr).WithFields(fields).Error("publish and fallback enqueue failed; update dropped")
		return
	}
	p.logger.WithError(err).WithFields(fields).Warn("publish failed; update queued for relay")
}

// PublishPayload sends an encoded board update on channel.
func PublishPayload(ctx context.Context, client *redis.Client, channel string, payload []byte) error {
	if client == nil {
		return redis.ErrClosed
	}
	return client.Publish(ctx, channel, payload).Err()
}

func trySendNonBlocking(ch chan publishJob, job publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendBlocking(ch chan publishJob, job publishJob) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	ch <- job
	return true
}

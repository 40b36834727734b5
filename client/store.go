// Package client keeps a board's local view in step with board-api. Local moves are
// applied optimistically and reconciled with the authoritative result; results pushed by
// the broadcaster are applied as upserts keyed by item id and version.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/board-api/domain"
)

var (
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("store closed")
	// ErrPending is returned when an item already has a move in flight or staged.
	ErrPending = errors.New("item has a pending move")
	// ErrNotStaged is returned by Send and Abandon for items without a staged move.
	ErrNotStaged = errors.New("item has no staged move")
)

// Notice tells the UI a local move was rolled back. Notices never block the store.
type Notice struct {
	ItemID string
	Err    error
}

// Outcome is the final result of a sent move.
type Outcome struct {
	Result domain.ReorderResult
	Err    error
}

// View is a snapshot of the board: items grouped by parent in visual order.
type View struct {
	BoardID  string
	ByParent map[string][]domain.OrderedItem
	Pending  map[string]bool
}

// Children returns the items under parentID in visual order.
func (v View) Children(parentID string) []domain.OrderedItem {
	return v.ByParent[parentID]
}

// IDs returns the item ids under parentID in visual order.
func (v View) IDs(parentID string) []string {
	items := v.ByParent[parentID]
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

type pendingMove struct {
	req     domain.ReorderRequest
	sent    bool
	retried bool
	// anchored moves had no representable key between their neighbours; the view
	// keeps them next to those neighbours until board-api renumbers.
	anchored bool
	deferred []domain.ReorderResult
	outcome  chan Outcome
}

// Options tunes a Store.
type Options struct {
	// Timeout bounds each move request. A timed out move is treated as a conflict.
	Timeout time.Duration
	// Session is the realtime handle of this client, sent as the move origin.
	Session string
	Logger  log.FieldLogger
}

// Store owns the client state of one board. Every mutation runs on a single goroutine.
type Store struct {
	boardID   string
	actor     string
	transport Transport
	timeout   time.Duration
	logger    log.FieldLogger

	cmds      chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	notices   chan Notice

	// Owned by the run loop.
	session   string
	confirmed map[string]domain.OrderedItem
	visual    map[string]domain.OrderedItem
	pending   map[string]*pendingMove
}

// NewStore starts the store goroutine for boardID.
func NewStore(boardID, actorID string, transport Transport, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	s := &Store{
		boardID:   boardID,
		actor:     actorID,
		transport: transport,
		timeout:   opts.Timeout,
		logger:    opts.Logger.WithField("board", boardID),
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		notices:   make(chan Notice, 16),
		session:   opts.Session,
		confirmed: make(map[string]domain.OrderedItem),
		visual:    make(map[string]domain.OrderedItem),
		pending:   make(map[string]*pendingMove),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the store goroutine and waits for it.
func (s *Store) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-s.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// post schedules fn without waiting. It is dropped once the store is closed.
func (s *Store) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.quit:
	}
}

// Close stops the store. In-flight moves resolve with ErrClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		_ = s.do(func() {
			for id, p := range s.pending {
				if p.outcome != nil {
					p.outcome <- Outcome{Err: ErrClosed}
				}
				delete(s.pending, id)
			}
		})
		close(s.quit)
	})
	<-s.stopped
}

// Notices delivers rollback notices.
func (s *Store) Notices() <-chan Notice { return s.notices }

// SetSession records the realtime handle once the subscriber has been welcomed.
func (s *Store) SetSession(handle string) error {
	return s.do(func() { s.session = handle })
}

// Load fetches the board and replaces the local view. Items with a pending move keep
// their visual placement.
func (s *Store) Load(ctx context.Context) error {
	items, err := s.transport.FetchItems(ctx, s.boardID)
	if err != nil {
		return fmt.Errorf("load board %s: %w", s.boardID, err)
	}
	return s.do(func() { s.replace(items) })
}

// Snapshot returns the current visual state.
func (s *Store) Snapshot() (View, error) {
	var v View
	err := s.do(func() { v = s.view() })
	return v, err
}

// Stage applies a move locally without sending it. Neighbours are resolved against the
// local view the same way board-api resolves them.
func (s *Store) Stage(itemID, destParentID, beforeID, afterID string) error {
	var err error
	if derr := s.do(func() { err = s.stage(itemID, destParentID, beforeID, afterID) }); derr != nil {
		return derr
	}
	return err
}

// Abandon reverts a staged move that has not been sent.
func (s *Store) Abandon(itemID string) error {
	var err error
	if derr := s.do(func() {
		p, ok := s.pending[itemID]
		if !ok || p.sent {
			err = fmt.Errorf("%w: %s", ErrNotStaged, itemID)
			return
		}
		s.revert(itemID)
	}); derr != nil {
		return derr
	}
	return err
}

// Send submits a staged move. The returned channel yields exactly one Outcome.
func (s *Store) Send(itemID string) (<-chan Outcome, error) {
	var (
		out <-chan Outcome
		err error
	)
	if derr := s.do(func() {
		p, ok := s.pending[itemID]
		if !ok || p.sent {
			err = fmt.Errorf("%w: %s", ErrNotStaged, itemID)
			return
		}
		p.sent = true
		p.outcome = make(chan Outcome, 1)
		out = p.outcome
		s.dispatch(itemID, p.req)
	}); derr != nil {
		return nil, derr
	}
	return out, err
}

// BeginLocalMove stages and sends a move in one step.
func (s *Store) BeginLocalMove(itemID, destParentID, beforeID, afterID string) (<-chan Outcome, error) {
	if err := s.Stage(itemID, destParentID, beforeID, afterID); err != nil {
		return nil, err
	}
	return s.Send(itemID)
}

// ApplyRemote applies a result published by another client. Results for an item with a
// pending move are held until that move resolves; stale versions are ignored.
func (s *Store) ApplyRemote(res domain.ReorderResult) error {
	return s.do(func() {
		if res.BoardID != "" && res.BoardID != s.boardID {
			return
		}
		for _, ch := range res.Changes() {
			if p, ok := s.pending[ch.ItemID]; ok {
				p.deferred = append(p.deferred, ch)
				continue
			}
			s.upsert(ch)
		}
	})
}

func (s *Store) stage(itemID, destParentID, beforeID, afterID string) error {
	it, ok := s.visual[itemID]
	if !ok {
		return fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID)
	}
	if _, busy := s.pending[itemID]; busy {
		return fmt.Errorf("%w: %s", ErrPending, itemID)
	}
	if destParentID == "" {
		destParentID = it.ParentID
	}
	siblings := s.children(destParentID)
	pos, err := domain.Place(siblings, itemID, beforeID, afterID)
	anchored := errors.Is(err, domain.ErrPrecisionExhausted) || errors.Is(err, domain.ErrInvalidBounds)
	if anchored {
		// Board-api renumbers; until its answer arrives the view orders the item by its
		// neighbours and the key only keeps it under the right parent.
		pos, err = anchorKey(siblings, beforeID, afterID), nil
	}
	if err != nil {
		return err
	}
	req := domain.ReorderRequest{
		ActorID:             s.actor,
		BoardID:             s.boardID,
		ItemID:              itemID,
		SourceParentID:      s.confirmed[itemID].ParentID,
		DestinationParentID: destParentID,
		BeforeID:            beforeID,
		AfterID:             afterID,
	}
	it.ParentID = destParentID
	it.Position = pos
	s.visual[itemID] = it
	s.pending[itemID] = &pendingMove{req: req, anchored: anchored}
	return nil
}

// dispatch sends req off the store goroutine and posts the answer back.
func (s *Store) dispatch(itemID string, req domain.ReorderRequest) {
	req.OriginHandle = s.session
	key := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		res, err := s.transport.MoveItem(ctx, req, key)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		cancel()
		s.post(func() { s.resolve(itemID, res, err) })
	}()
}

func (s *Store) resolve(itemID string, res domain.ReorderResult, err error) {
	p, ok := s.pending[itemID]
	if !ok || !p.sent {
		return
	}
	if err == nil {
		delete(s.pending, itemID)
		for _, ch := range res.Changes() {
			s.upsert(ch)
		}
		if it, ok := s.confirmed[itemID]; ok {
			s.visual[itemID] = it
		}
		s.finish(itemID, p, Outcome{Result: res})
		return
	}
	if retryable(err) && !p.retried {
		p.retried = true
		s.logger.WithError(err).WithField("item", itemID).Info("move lost a race; refetching and retrying once")
		go s.refetchAndRetry(itemID)
		return
	}
	s.logger.WithError(err).WithField("item", itemID).Warn("move failed; rolling back")
	s.revert(itemID)
	s.notify(Notice{ItemID: itemID, Err: err})
	p.outcome <- Outcome{Err: err}
}

func (s *Store) refetchAndRetry(itemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	items, err := s.transport.FetchItems(ctx, s.boardID)
	cancel()
	s.post(func() {
		p, ok := s.pending[itemID]
		if !ok {
			return
		}
		if err != nil {
			s.resolve(itemID, domain.ReorderResult{}, fmt.Errorf("refetch after conflict: %w", err))
			return
		}
		s.replace(items)
		it, ok := s.confirmed[itemID]
		if !ok {
			s.resolve(itemID, domain.ReorderResult{}, fmt.Errorf("%w: item %s", domain.ErrNotFound, itemID))
			return
		}
		p.req.SourceParentID = it.ParentID
		s.dispatch(itemID, p.req)
	})
}

// finish clears the pending move and replays remote results held for the item.
func (s *Store) finish(itemID string, p *pendingMove, out Outcome) {
	delete(s.pending, itemID)
	for _, res := range p.deferred {
		s.upsert(res)
	}
	if p.outcome != nil {
		p.outcome <- out
	}
}

// revert puts the item back where the server last placed it.
func (s *Store) revert(itemID string) {
	p := s.pending[itemID]
	if it, ok := s.confirmed[itemID]; ok {
		s.visual[itemID] = it
	} else {
		delete(s.visual, itemID)
	}
	delete(s.pending, itemID)
	if p != nil {
		for _, res := range p.deferred {
			s.upsert(res)
		}
	}
}

func (s *Store) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.logger.WithField("item", n.ItemID).Debug("notice dropped; nobody listening")
	}
}

// upsert applies an authoritative result when it is newer than what we hold.
func (s *Store) upsert(res domain.ReorderResult) {
	cur, ok := s.confirmed[res.ItemID]
	if ok && res.Version <= cur.Version {
		return
	}
	it := domain.OrderedItem{
		ID:       res.ItemID,
		BoardID:  res.BoardID,
		ParentID: res.ParentID,
		Position: res.Position,
		Version:  res.Version,
		Kind:     cur.Kind,
	}
	if it.BoardID == "" {
		it.BoardID = s.boardID
	}
	if !ok {
		it.Kind = domain.KindCard
		if it.ParentID == it.BoardID {
			it.Kind = domain.KindList
		}
	}
	s.confirmed[res.ItemID] = it
	if _, busy := s.pending[res.ItemID]; !busy {
		s.visual[res.ItemID] = it
	}
}

func (s *Store) replace(items []domain.OrderedItem) {
	confirmed := make(map[string]domain.OrderedItem, len(items))
	visual := make(map[string]domain.OrderedItem, len(items))
	for _, it := range items {
		confirmed[it.ID] = it
		visual[it.ID] = it
	}
	for id := range s.pending {
		if v, ok := s.visual[id]; ok {
			visual[id] = v
		}
	}
	s.confirmed = confirmed
	s.visual = visual
}

func (s *Store) children(parentID string) []domain.OrderedItem {
	var out []domain.OrderedItem
	for _, it := range s.visual {
		if it.ParentID == parentID {
			out = append(out, it)
		}
	}
	return s.ordered(parentID, out)
}

func (s *Store) view() View {
	v := View{BoardID: s.boardID, ByParent: map[string][]domain.OrderedItem{}, Pending: map[string]bool{}}
	for _, it := range s.visual {
		v.ByParent[it.ParentID] = append(v.ByParent[it.ParentID], it)
	}
	for parent, items := range v.ByParent {
		v.ByParent[parent] = s.ordered(parent, items)
	}
	for id := range s.pending {
		v.Pending[id] = true
	}
	return v
}

// ordered sorts the children of parentID by key, then moves anchored pending items
// next to the neighbours they were dropped between.
func (s *Store) ordered(parentID string, items []domain.OrderedItem) []domain.OrderedItem {
	domain.SortByPosition(items)
	for id, p := range s.pending {
		if p.anchored && p.req.DestinationParentID == parentID {
			items = anchor(items, id, p.req.BeforeID, p.req.AfterID)
		}
	}
	return items
}

// anchor places itemID among items by renumbering a copy of the others and asking
// domain.Place where it falls; the keys of items are left untouched.
func anchor(items []domain.OrderedItem, itemID, beforeID, afterID string) []domain.OrderedItem {
	var (
		moved  domain.OrderedItem
		found  bool
		others = make([]domain.OrderedItem, 0, len(items))
	)
	for _, it := range items {
		if it.ID == itemID {
			moved, found = it, true
			continue
		}
		others = append(others, it)
	}
	if !found {
		return items
	}
	scaled := make([]domain.OrderedItem, len(others))
	copy(scaled, others)
	for i, k := range domain.Renumber(len(scaled)) {
		scaled[i].Position = k
	}
	pos, err := domain.Place(scaled, itemID, beforeID, afterID)
	if err != nil {
		return items
	}
	at := len(scaled)
	for i, it := range scaled {
		if pos < it.Position {
			at = i
			break
		}
	}
	out := make([]domain.OrderedItem, 0, len(items))
	out = append(out, others[:at]...)
	out = append(out, moved)
	return append(out, others[at:]...)
}

// anchorKey is the display key of an anchored move: the lower neighbour's key, or the
// upper one's when the item goes first.
func anchorKey(siblings []domain.OrderedItem, beforeID, afterID string) domain.OrderKey {
	for _, it := range siblings {
		if it.ID == beforeID || (beforeID == "" && it.ID == afterID) {
			return it.Position
		}
	}
	return domain.DefaultKey
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrConflict) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

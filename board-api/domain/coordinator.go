package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Coordinator performs transactional moves. It keeps no per-board state; any number of
// coordinators may run concurrently against the same Store.
type Coordinator struct {
	store       Store
	members     Membership
	publisher   Publisher
	logger      log.FieldLogger
	maxAttempts int
	baseBackoff time.Duration
	sleep       func(context.Context, time.Duration) error
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithRetry overrides the conflict retry policy.
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Coordinator) {
		c.maxAttempts = attempts
		c.baseBackoff = base
	}
}

// WithLogger sets the logger used for renumbering and publish diagnostics.
func WithLogger(l log.FieldLogger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithPublisher sets where committed results are sent.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// NewCoordinator wires a coordinator over store and members.
func NewCoordinator(store Store, members Membership, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		members:     members,
		logger:      log.StandardLogger(),
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: DefaultBaseBackoff,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reorder moves req.ItemID between the named neighbours under the destination parent
// and returns the committed placement.
func (c *Coordinator) Reorder(ctx context.Context, req ReorderRequest) (ReorderResult, error) {
	if err := validateRequest(req); err != nil {
		return ReorderResult{}, err
	}
	var res ReorderResult
	err := retryConflicts(ctx, c.maxAttempts, c.baseBackoff, c.sleep, func() error {
		var err error
		res, err = c.reorderOnce(ctx, req)
		return err
	})
	if err != nil {
		return ReorderResult{}, err
	}
	c.publish(res, req.OriginHandle)
	return res, nil
}

func validateRequest(req ReorderRequest) error {
	switch {
	case req.ActorID == "":
		return fmt.Errorf("%w: missing actor", ErrValidation)
	case req.BoardID == "":
		return fmt.Errorf("%w: missing board id", ErrValidation)
	case req.ItemID == "":
		return fmt.Errorf("%w: missing item id", ErrValidation)
	case req.SourceParentID == "" || req.DestinationParentID == "":
		return fmt.Errorf("%w: missing parent id", ErrValidation)
	case req.BeforeID != "" && req.BeforeID == req.AfterID:
		return fmt.Errorf("%w: before and after name the same item", ErrInvalidTarget)
	case req.BeforeID == req.ItemID || req.AfterID == req.ItemID:
		return fmt.Errorf("%w: item cannot be its own neighbour", ErrInvalidTarget)
	case req.DestinationParentID == req.ItemID:
		return fmt.Errorf("%w: item cannot contain itself", ErrInvalidTarget)
	}
	return nil
}

func (c *Coordinator) reorderOnce(ctx context.Context, req ReorderRequest) (ReorderResult, error) {
	item, err := c.store.GetItem(ctx, req.BoardID, req.ItemID)
	if err != nil {
		return ReorderResult{}, err
	}
	if item == nil {
		return ReorderResult{}, fmt.Errorf("%w: item %s", ErrNotFound, req.ItemID)
	}
	if item.ParentID != req.SourceParentID {
		return ReorderResult{}, fmt.Errorf("%w: item %s is no longer under %s", ErrConflict, item.ID, req.SourceParentID)
	}
	if err := c.checkDestination(ctx, item, req); err != nil {
		return ReorderResult{}, err
	}
	for _, id := range []string{req.BeforeID, req.AfterID} {
		if id == "" {
			continue
		}
		n, err := c.store.GetItem(ctx, req.BoardID, id)
		if err != nil {
			return ReorderResult{}, err
		}
		if err := checkNeighbour(n, id, item.Kind, req.DestinationParentID); err != nil {
			return ReorderResult{}, err
		}
	}
	if err := c.authorize(ctx, req.ActorID, item.BoardID, req.BoardID); err != nil {
		return ReorderResult{}, err
	}

	var res ReorderResult
	parents := []string{item.ParentID, req.DestinationParentID}
	err = c.store.InTx(ctx, req.BoardID, parents, func(tx Tx) error {
		cur, err := tx.GetItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: item %s", ErrNotFound, item.ID)
		}
		if cur.ParentID != item.ParentID || cur.Version != item.Version {
			return ErrConcurrencyConflict
		}
		for _, id := range []string{req.BeforeID, req.AfterID} {
			if id == "" {
				continue
			}
			n, err := tx.GetItem(ctx, id)
			if err != nil {
				return err
			}
			if err := checkNeighbour(n, id, item.Kind, req.DestinationParentID); err != nil {
				return err
			}
		}

		pos, renumbered, err := c.allocateIn(ctx, tx, req.DestinationParentID, item.ID, req.BeforeID, req.AfterID)
		if err != nil {
			return err
		}
		expected := cur.Version
		if renumbered != nil && cur.ParentID == req.DestinationParentID {
			// renumbering bumped the moved item's own version
			if cur, err = tx.GetItem(ctx, item.ID); err != nil {
				return err
			}
			expected = cur.Version
		}
		version, err := tx.UpdatePosition(ctx, item.ID, req.DestinationParentID, pos, expected)
		if err != nil {
			return err
		}
		res = ReorderResult{
			ItemID:   item.ID,
			BoardID:  req.BoardID,
			ParentID: req.DestinationParentID,
			Position: pos,
			Version:  version,
		}
		for _, sib := range renumbered {
			if sib.ID != item.ID {
				res.Renumbered = append(res.Renumbered, sib.Result())
			}
		}
		return nil
	})
	return res, err
}

func (c *Coordinator) checkDestination(ctx context.Context, item *OrderedItem, req ReorderRequest) error {
	switch item.Kind {
	case KindList:
		if req.DestinationParentID != item.BoardID {
			return fmt.Errorf("%w: lists can only be ordered within their board", ErrInvalidTarget)
		}
		return nil
	case KindCard:
		if req.DestinationParentID == item.BoardID {
			return fmt.Errorf("%w: cards can only be placed in lists", ErrInvalidTarget)
		}
		dest, err := c.store.GetItem(ctx, req.BoardID, req.DestinationParentID)
		if err != nil {
			return err
		}
		if dest == nil {
			return fmt.Errorf("%w: destination list %s", ErrNotFound, req.DestinationParentID)
		}
		if dest.Kind != KindList {
			return fmt.Errorf("%w: cards can only be placed in lists", ErrInvalidTarget)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, item.Kind)
	}
}

func checkNeighbour(n *OrderedItem, id string, kind Kind, parentID string) error {
	if n == nil {
		return fmt.Errorf("%w: neighbour %s", ErrNotFound, id)
	}
	if n.Kind != kind {
		return fmt.Errorf("%w: neighbour %s is a %s", ErrInvalidTarget, id, n.Kind)
	}
	if n.ParentID != parentID {
		return fmt.Errorf("%w: neighbour %s moved to %s", ErrConflict, id, n.ParentID)
	}
	return nil
}

func (c *Coordinator) authorize(ctx context.Context, actorID string, boardIDs ...string) error {
	seen := make(map[string]struct{}, len(boardIDs))
	for _, b := range boardIDs {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		ok, err := c.members.IsBoardMember(ctx, actorID, b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrUnauthorized, actorID, b)
		}
	}
	return nil
}

// allocateIn computes a key for itemID under parentID. When precision runs out it
// renumbers the parent once, retries, and returns the rewritten siblings.
func (c *Coordinator) allocateIn(ctx context.Context, tx Tx, parentID, itemID, beforeID, afterID string) (OrderKey, []OrderedItem, error) {
	siblings, err := tx.ListSiblings(ctx, parentID)
	if err != nil {
		return 0, nil, err
	}
	pos, err := Place(siblings, itemID, beforeID, afterID)
	if err == nil {
		return pos, nil, nil
	}
	if !errors.Is(err, ErrPrecisionExhausted) {
		return 0, nil, err
	}

	siblings, err = tx.RenumberSiblings(ctx, parentID)
	if err != nil {
		return 0, nil, fmt.Errorf("renumber %s: %w", parentID, err)
	}
	c.logger.WithFields(log.Fields{"parent": parentID, "siblings": len(siblings)}).Info("renumbered siblings after precision exhaustion")
	pos, err = Place(siblings, itemID, beforeID, afterID)
	if errors.Is(err, ErrPrecisionExhausted) {
		return 0, nil, fmt.Errorf("allocate after renumber: %w", err)
	}
	if err != nil {
		return 0, nil, err
	}
	return pos, siblings, nil
}

// Place computes a key for itemID among siblings, between the named neighbours.
func Place(siblings []OrderedItem, itemID, beforeID, afterID string) (OrderKey, error) {
	lo, hi, err := bounds(without(siblings, itemID), beforeID, afterID)
	if err != nil {
		return 0, err
	}
	return Allocate(lo, hi)
}

func without(items []OrderedItem, id string) []OrderedItem {
	out := make([]OrderedItem, 0, len(items))
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

// bounds resolves the adjacent key pair for an insert. The named neighbour is paired
// with its immediate successor or predecessor so the new key can never collide with an
// item inserted concurrently between the two named neighbours.
func bounds(siblings []OrderedItem, beforeID, afterID string) (*OrderKey, *OrderKey, error) {
	idx := func(id string) int {
		for i, s := range siblings {
			if s.ID == id {
				return i
			}
		}
		return -1
	}
	switch {
	case beforeID != "":
		ib := idx(beforeID)
		if ib < 0 {
			return nil, nil, fmt.Errorf("%w: neighbour %s not under parent", ErrConflict, beforeID)
		}
		if afterID != "" {
			ia := idx(afterID)
			if ia < 0 {
				return nil, nil, fmt.Errorf("%w: neighbour %s not under parent", ErrConflict, afterID)
			}
			if ia <= ib {
				return nil, nil, fmt.Errorf("%w: neighbours %s and %s are out of order", ErrConflict, beforeID, afterID)
			}
		}
		lo := KeyPtr(siblings[ib].Position)
		if ib+1 < len(siblings) {
			return lo, KeyPtr(siblings[ib+1].Position), nil
		}
		return lo, nil, nil
	case afterID != "":
		ia := idx(afterID)
		if ia < 0 {
			return nil, nil, fmt.Errorf("%w: neighbour %s not under parent", ErrConflict, afterID)
		}
		hi := KeyPtr(siblings[ia].Position)
		if ia > 0 {
			return KeyPtr(siblings[ia-1].Position), hi, nil
		}
		return nil, hi, nil
	default:
		if n := len(siblings); n > 0 {
			return KeyPtr(siblings[n-1].Position), nil, nil
		}
		return nil, nil, nil
	}
}

// Append places a newly created item at the tail of its parent.
func (c *Coordinator) Append(ctx context.Context, actorID string, item OrderedItem) (OrderedItem, error) {
	if actorID == "" || item.ID == "" || item.BoardID == "" || item.ParentID == "" {
		return OrderedItem{}, fmt.Errorf("%w: incomplete item", ErrValidation)
	}
	if !item.Kind.Valid() {
		return OrderedItem{}, fmt.Errorf("%w: unknown kind %q", ErrValidation, item.Kind)
	}
	if err := c.checkDestination(ctx, &item, ReorderRequest{BoardID: item.BoardID, DestinationParentID: item.ParentID}); err != nil {
		return OrderedItem{}, err
	}
	if err := c.authorize(ctx, actorID, item.BoardID); err != nil {
		return OrderedItem{}, err
	}
	var (
		created    OrderedItem
		renumbered []OrderedItem
	)
	err := retryConflicts(ctx, c.maxAttempts, c.baseBackoff, c.sleep, func() error {
		return c.store.InTx(ctx, item.BoardID, []string{item.ParentID}, func(tx Tx) error {
			existing, err := tx.GetItem(ctx, item.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: item %s already exists", ErrValidation, item.ID)
			}
			pos, sibs, err := c.allocateIn(ctx, tx, item.ParentID, item.ID, "", "")
			if err != nil {
				return err
			}
			renumbered = sibs
			created = item
			created.Position = pos
			created.Version = 1
			return tx.InsertItem(ctx, created)
		})
	})
	if err != nil {
		return OrderedItem{}, err
	}
	res := created.Result()
	for _, sib := range renumbered {
		res.Renumbered = append(res.Renumbered, sib.Result())
	}
	c.publish(res, "")
	return created, nil
}

func (c *Coordinator) publish(res ReorderResult, origin string) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(res, origin)
}

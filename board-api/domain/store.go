package domain

import "context"

// Store is the persistence collaborator of the coordinator. Reads outside a
// transaction are advisory; every decision is re-checked inside InTx.
type Store interface {
	// GetItem returns nil, nil when the item does not exist on the board.
	GetItem(ctx context.Context, boardID, itemID string) (*OrderedItem, error)
	// ListSiblings returns the children of parentID sorted by position.
	ListSiblings(ctx context.Context, boardID, parentID string) ([]OrderedItem, error)
	// ListBoard returns every list and card of the board.
	ListBoard(ctx context.Context, boardID string) ([]OrderedItem, error)
	// InTx runs fn while holding the per-parent locks for parentIDs, acquired in
	// ascending id order. Writes made through the Tx become visible atomically when fn
	// returns nil and are discarded otherwise.
	InTx(ctx context.Context, boardID string, parentIDs []string, fn func(Tx) error) error
}

// Tx is the transactional view handed to InTx callbacks. Reads observe the
// transaction's own staged writes.
type Tx interface {
	GetItem(ctx context.Context, itemID string) (*OrderedItem, error)
	ListSiblings(ctx context.Context, parentID string) ([]OrderedItem, error)
	// UpdatePosition moves the item and returns its new version. A version other than
	// expectedVersion yields ErrConcurrencyConflict.
	UpdatePosition(ctx context.Context, itemID, parentID string, position OrderKey, expectedVersion int64) (int64, error)
	// RenumberSiblings rewrites every child of parentID with evenly spaced keys,
	// preserving order and bumping versions.
	RenumberSiblings(ctx context.Context, parentID string) ([]OrderedItem, error)
	InsertItem(ctx context.Context, item OrderedItem) error
}

// Membership answers whether an actor may act on a board.
type Membership interface {
	IsBoardMember(ctx context.Context, actorID, boardID string) (bool, error)
}

// Publisher hands committed results to the realtime broadcaster. Implementations must
// not block the caller on delivery.
type Publisher interface {
	Publish(result ReorderResult, originHandle string)
}

package domain

import "sort"

// Kind distinguishes the two levels of the board hierarchy.
type Kind string

const (
	KindList Kind = "list"
	KindCard Kind = "card"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindList || k == KindCard }

// OrderedItem is a list (parent = board) or a card (parent = list).
type OrderedItem struct {
	ID       string   `json:"id"`
	BoardID  string   `json:"boardId"`
	ParentID string   `json:"parentId"`
	Kind     Kind     `json:"kind"`
	Position OrderKey `json:"position"`
	Version  int64    `json:"version"`
}

// ReorderRequest places an item relative to named neighbours under the destination parent.
// Either neighbour may be empty; both empty means "append at the tail".
type ReorderRequest struct {
	ActorID             string `json:"-"`
	BoardID             string `json:"boardId"`
	ItemID              string `json:"itemId"`
	SourceParentID      string `json:"sourceParentId"`
	DestinationParentID string `json:"destinationParentId"`
	BeforeID            string `json:"beforeId,omitempty"`
	AfterID             string `json:"afterId,omitempty"`
	// OriginHandle is the realtime session of the caller, skipped by the broadcast.
	OriginHandle string `json:"-"`
}

// ReorderResult is the single authoritative outcome of a move. When the move had to
// renumber the destination, Renumbered carries every other sibling's new placement.
type ReorderResult struct {
	ItemID     string          `json:"itemId"`
	BoardID    string          `json:"boardId"`
	ParentID   string          `json:"parentId"`
	Position   OrderKey        `json:"position"`
	Version    int64           `json:"version"`
	Renumbered []ReorderResult `json:"renumbered,omitempty"`
}

// Changes flattens r into single-item placements, the moved item first.
func (r ReorderResult) Changes() []ReorderResult {
	head := r
	head.Renumbered = nil
	return append([]ReorderResult{head}, r.Renumbered...)
}

// Result returns the item's current placement as a ReorderResult.
func (it OrderedItem) Result() ReorderResult {
	return ReorderResult{
		ItemID:   it.ID,
		BoardID:  it.BoardID,
		ParentID: it.ParentID,
		Position: it.Position,
		Version:  it.Version,
	}
}

// SortByPosition orders items ascending by key, ties broken by id so output is stable.
func SortByPosition(items []OrderedItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})
}

package domain

// EventReorder is the update type carried on the board updates channel.
const EventReorder = "reorder"

// BoardUpdate is the envelope published to the realtime fan-out bus for every
// committed result.
type BoardUpdate struct {
	Type    string        `json:"type"`
	BoardID string        `json:"boardId"`
	Origin  string        `json:"origin,omitempty"`
	Result  ReorderResult `json:"result"`
}

// NewBoardUpdate wraps a committed result for publishing.
func NewBoardUpdate(res ReorderResult, origin string) BoardUpdate {
	return BoardUpdate{Type: EventReorder, BoardID: res.BoardID, Origin: origin, Result: res}
}

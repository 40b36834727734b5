package domain

import (
	"github.com/bytedance/sonic"

	board "prism-board/board-api/domain"
)

// Frame types pushed to clients.
const (
	EventWelcome        = "welcome"
	EventMembers        = "members"
	EventLeft           = "left"
	EventPong           = "pong"
	EventReorder        = board.EventReorder
	EventPresenceJoined = "presence-joined"
	EventPresenceLeft   = "presence-left"
	EventError          = "error"
)

// Member identifies one session in a room.
type Member struct {
	Handle string `json:"handle"`
	UserID string `json:"userId"`
}

// Frame is the envelope of every server to client message.
type Frame struct {
	Type    string               `json:"type"`
	BoardID string               `json:"boardId,omitempty"`
	Handle  string               `json:"handle,omitempty"`
	UserID  string               `json:"userId,omitempty"`
	Members []Member             `json:"members,omitempty"`
	Result  *board.ReorderResult `json:"result,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Encode renders f for the wire.
func (f Frame) Encode() ([]byte, error) {
	return sonic.Marshal(f)
}

// ReorderFrame wraps a committed result for the members of its board.
func ReorderFrame(res board.ReorderResult) Frame {
	return Frame{Type: EventReorder, BoardID: res.BoardID, Result: &res}
}

// ErrorFrame reports a failed client command.
func ErrorFrame(boardID, code string) Frame {
	return Frame{Type: EventError, BoardID: boardID, Error: code}
}

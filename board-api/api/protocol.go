package api

import "prism-board/board-api/domain"

const (
	moveMaxSize       = 16 * 1024 // 16 KiB
	headerIdempotency = "Idempotency-Key"
	headerSession     = "X-Session-Handle"
)

// POST /api/boards/:boardId/moves request body
type moveRequest struct {
	ItemID              string `json:"itemId"`
	SourceParentID      string `json:"sourceParentId"`
	DestinationParentID string `json:"destinationParentId"`
	BeforeID            string `json:"beforeId,omitempty"`
	AfterID             string `json:"afterId,omitempty"`
}

// POST /api/boards/:boardId/items request body
type createItemRequest struct {
	ID       string      `json:"id,omitempty"`
	Kind     domain.Kind `json:"kind"`
	ParentID string      `json:"parentId"`
}

type listView struct {
	domain.OrderedItem
	Cards []domain.OrderedItem `json:"cards"`
}

// GET /api/boards/:boardId/items response body
type boardResponse struct {
	BoardID string     `json:"boardId"`
	Lists   []listView `json:"lists"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// groupBoard nests cards under their lists, both in position order. Cards whose list
// is missing are dropped.
func groupBoard(boardID string, items []domain.OrderedItem) boardResponse {
	resp := boardResponse{BoardID: boardID, Lists: []listView{}}
	cards := map[string][]domain.OrderedItem{}
	for _, it := range items {
		switch it.Kind {
		case domain.KindList:
			resp.Lists = append(resp.Lists, listView{OrderedItem: it})
		case domain.KindCard:
			cards[it.ParentID] = append(cards[it.ParentID], it)
		}
	}
	lists := make([]domain.OrderedItem, len(resp.Lists))
	for i := range resp.Lists {
		lists[i] = resp.Lists[i].OrderedItem
	}
	domain.SortByPosition(lists)
	for i, l := range lists {
		cs := cards[l.ID]
		if cs == nil {
			cs = []domain.OrderedItem{}
		}
		domain.SortByPosition(cs)
		resp.Lists[i] = listView{OrderedItem: l, Cards: cs}
	}
	return resp
}

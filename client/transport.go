package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/board-api/domain"
)

// Transport carries moves and board fetches to board-api.
type Transport interface {
	MoveItem(ctx context.Context, req domain.ReorderRequest, idempotencyKey string) (domain.ReorderResult, error)
	FetchItems(ctx context.Context, boardID string) ([]domain.OrderedItem, error)
}

// ErrTimeout marks a move whose outcome did not arrive in time.
var ErrTimeout = errors.New("move timed out")

// HTTPTransport talks to board-api over HTTP.
type HTTPTransport struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// NewHTTPTransport creates a transport for the API at baseURL.
func NewHTTPTransport(baseURL, bearer string) *HTTPTransport {
	return &HTTPTransport{BaseURL: baseURL, Bearer: bearer, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type moveBody struct {
	ItemID              string `json:"itemId"`
	SourceParentID      string `json:"sourceParentId"`
	DestinationParentID string `json:"destinationParentId"`
	BeforeID            string `json:"beforeId,omitempty"`
	AfterID             string `json:"afterId,omitempty"`
}

type listBody struct {
	domain.OrderedItem
	Cards []domain.OrderedItem `json:"cards"`
}

type boardBody struct {
	BoardID string     `json:"boardId"`
	Lists   []listBody `json:"lists"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// MoveItem posts one move and returns the authoritative result.
func (t *HTTPTransport) MoveItem(ctx context.Context, req domain.ReorderRequest, idempotencyKey string) (domain.ReorderResult, error) {
	body, err := sonic.Marshal(moveBody{
		ItemID:              req.ItemID,
		SourceParentID:      req.SourceParentID,
		DestinationParentID: req.DestinationParentID,
		BeforeID:            req.BeforeID,
		AfterID:             req.AfterID,
	})
	if err != nil {
		return domain.ReorderResult{}, err
	}
	httpReq, err := t.newRequest(ctx, http.MethodPost, "/api/boards/"+url.PathEscape(req.BoardID)+"/moves", body)
	if err != nil {
		return domain.ReorderResult{}, err
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	// The broadcaster skips the session that made the move.
	if req.OriginHandle != "" {
		httpReq.Header.Set("X-Session-Handle", req.OriginHandle)
	}
	var res domain.ReorderResult
	if err := t.do(httpReq, &res); err != nil {
		return domain.ReorderResult{}, err
	}
	return res, nil
}

// FetchItems returns every list and card of the board.
func (t *HTTPTransport) FetchItems(ctx context.Context, boardID string) ([]domain.OrderedItem, error) {
	httpReq, err := t.newRequest(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(boardID)+"/items", nil)
	if err != nil {
		return nil, err
	}
	var board boardBody
	if err := t.do(httpReq, &board); err != nil {
		return nil, err
	}
	var items []domain.OrderedItem
	for _, l := range board.Lists {
		items = append(items, l.OrderedItem)
		items = append(items, l.Cards...)
	}
	return items, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.Bearer)
	}
	return req, nil
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp.StatusCode, data)
	}
	return sonic.Unmarshal(data, out)
}

// statusError turns an error response back into the domain sentinel it came from.
func statusError(status int, data []byte) error {
	var body errorBody
	_ = sonic.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrInvalidTarget, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrConflict, msg)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	}
	return fmt.Errorf("board-api: %d %s", status, msg)
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"prism-board/board-api/domain"
)

const (
	edmDouble = "Edm.Double"
	edmInt64  = "Edm.Int64"

	// Table storage accepts at most 100 operations in one entity group transaction.
	maxBatchOps = 100

	lockKind      = "lock"
	lockRowPrefix = "~lock~"
)

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, o *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

// Storage keeps items in one table partitioned by board, so every move of a board is a
// single-partition entity group transaction. Concurrency is optimistic: item writes are
// conditional on the ETag read inside the transaction and every transaction also bumps a
// lock row per touched parent, which serialises writers of the same parent.
type Storage struct {
	items   tableClient
	members tableClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, itemsTable, membersTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    200 * time.Millisecond,
				MaxRetryDelay: 5 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{items: svc.NewClient(itemsTable), members: svc.NewClient(membersTable)}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type itemEntity struct {
	entityKeys
	ParentID     string  `json:"ParentID,omitempty"`
	Kind         string  `json:"Kind"`
	Position     float64 `json:"Position"`
	PositionType string  `json:"Position@odata.type,omitempty"`
	Version      int64   `json:"Version,string"`
	VersionType  string  `json:"Version@odata.type,omitempty"`
	ETag         string  `json:"odata.etag,omitempty"`
}

type lockEntity struct {
	entityKeys
	Kind    string `json:"Kind"`
	Seq     int64  `json:"Seq,string"`
	SeqType string `json:"Seq@odata.type,omitempty"`
}

type memberEntity struct {
	entityKeys
	Role string `json:"Role,omitempty"`
}

func toEntity(it domain.OrderedItem) itemEntity {
	return itemEntity{
		entityKeys:   entityKeys{PartitionKey: it.BoardID, RowKey: it.ID},
		ParentID:     it.ParentID,
		Kind:         string(it.Kind),
		Position:     float64(it.Position),
		PositionType: edmDouble,
		Version:      it.Version,
		VersionType:  edmInt64,
	}
}

func (e itemEntity) item() domain.OrderedItem {
	return domain.OrderedItem{
		ID:       e.RowKey,
		BoardID:  e.PartitionKey,
		ParentID: e.ParentID,
		Kind:     domain.Kind(e.Kind),
		Position: domain.OrderKey(e.Position),
		Version:  e.Version,
	}
}

func decodeItem(data []byte) (itemEntity, error) {
	var ent itemEntity
	err := json.Unmarshal(data, &ent)
	return ent, err
}

func isStatus(err error, codes ...int) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, c := range codes {
		if respErr.StatusCode == c {
			return true
		}
	}
	return false
}

// filterValue quotes s for an OData filter literal.
func filterValue(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (s *Storage) getEntity(ctx context.Context, boardID, rowKey string) (*itemEntity, azcore.ETag, error) {
	resp, err := s.items.GetEntity(ctx, boardID, rowKey, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, "", nil
		}
		return nil, "", err
	}
	ent, err := decodeItem(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return &ent, resp.ETag, nil
}

func (s *Storage) GetItem(ctx context.Context, boardID, itemID string) (*domain.OrderedItem, error) {
	ent, _, err := s.getEntity(ctx, boardID, itemID)
	if err != nil || ent == nil || ent.Kind == lockKind {
		return nil, err
	}
	it := ent.item()
	return &it, nil
}

func (s *Storage) list(ctx context.Context, filter string) ([]itemEntity, error) {
	pager := s.items.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []itemEntity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			ent, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func siblingsFilter(boardID, parentID string) string {
	return "PartitionKey eq " + filterValue(boardID) + " and ParentID eq " + filterValue(parentID)
}

func (s *Storage) ListSiblings(ctx context.Context, boardID, parentID string) ([]domain.OrderedItem, error) {
	ents, err := s.list(ctx, siblingsFilter(boardID, parentID))
	if err != nil {
		return nil, err
	}
	return itemsOf(ents), nil
}

func (s *Storage) ListBoard(ctx context.Context, boardID string) ([]domain.OrderedItem, error) {
	ents, err := s.list(ctx, "PartitionKey eq "+filterValue(boardID)+" and Kind ne "+filterValue(lockKind))
	if err != nil {
		return nil, err
	}
	return itemsOf(ents), nil
}

func itemsOf(ents []itemEntity) []domain.OrderedItem {
	items := make([]domain.OrderedItem, 0, len(ents))
	for _, e := range ents {
		items = append(items, e.item())
	}
	domain.SortByPosition(items)
	return items
}

// IsBoardMember looks up the (board, user) row in the members table.
func (s *Storage) IsBoardMember(ctx context.Context, actorID, boardID string) (bool, error) {
	_, err := s.members.GetEntity(ctx, boardID, actorID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AddMember grants actorID access to boardID.
func (s *Storage) AddMember(ctx context.Context, boardID, actorID, role string) error {
	payload, err := json.Marshal(memberEntity{entityKeys: entityKeys{PartitionKey: boardID, RowKey: actorID}, Role: role})
	if err != nil {
		return err
	}
	_, err = s.members.UpsertEntity(ctx, payload, nil)
	return err
}

type lockState struct {
	etag   azcore.ETag
	seq    int64
	exists bool
}

func (s *Storage) InTx(ctx context.Context, boardID string, parentIDs []string, fn func(domain.Tx) error) error {
	tx := &tableTx{
		store:   s,
		boardID: boardID,
		etags:   map[string]azcore.ETag{},
		staged:  map[string]domain.OrderedItem{},
		order:   []string{},
		inserts: map[string]bool{},
		locks:   map[string]lockState{},
	}
	parents := lockOrder(parentIDs)
	for _, p := range parents {
		resp, err := s.items.GetEntity(ctx, boardID, lockRowPrefix+p, nil)
		switch {
		case err == nil:
			var le lockEntity
			if err := json.Unmarshal(resp.Value, &le); err != nil {
				return err
			}
			tx.locks[p] = lockState{etag: resp.ETag, seq: le.Seq, exists: true}
		case isStatus(err, 404):
			tx.locks[p] = lockState{}
		default:
			return err
		}
	}
	tx.parents = parents
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

type tableTx struct {
	store   *Storage
	boardID string
	parents []string
	etags   map[string]azcore.ETag
	staged  map[string]domain.OrderedItem
	order   []string
	inserts map[string]bool
	locks   map[string]lockState
}

func (t *tableTx) GetItem(ctx context.Context, itemID string) (*domain.OrderedItem, error) {
	if it, ok := t.staged[itemID]; ok {
		return &it, nil
	}
	ent, etag, err := t.store.getEntity(ctx, t.boardID, itemID)
	if err != nil || ent == nil || ent.Kind == lockKind {
		return nil, err
	}
	t.etags[itemID] = etag
	it := ent.item()
	return &it, nil
}

func (t *tableTx) ListSiblings(ctx context.Context, parentID string) ([]domain.OrderedItem, error) {
	ents, err := t.store.list(ctx, siblingsFilter(t.boardID, parentID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.OrderedItem, 0, len(ents))
	for _, e := range ents {
		if _, seen := t.etags[e.RowKey]; !seen && e.ETag != "" {
			t.etags[e.RowKey] = azcore.ETag(e.ETag)
		}
		if _, ok := t.staged[e.RowKey]; ok {
			continue
		}
		out = append(out, e.item())
	}
	for _, it := range t.staged {
		if it.ParentID == parentID {
			out = append(out, it)
		}
	}
	domain.SortByPosition(out)
	return out, nil
}

func (t *tableTx) stage(it domain.OrderedItem) {
	if _, ok := t.staged[it.ID]; !ok {
		t.order = append(t.order, it.ID)
	}
	t.staged[it.ID] = it
}

func (t *tableTx) UpdatePosition(ctx context.Context, itemID, parentID string, position domain.OrderKey, expectedVersion int64) (int64, error) {
	cur, err := t.GetItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if cur == nil {
		return 0, domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return 0, domain.ErrConcurrencyConflict
	}
	next := *cur
	next.ParentID = parentID
	next.Position = position
	next.Version++
	t.stage(next)
	return next.Version, nil
}

func (t *tableTx) RenumberSiblings(ctx context.Context, parentID string) ([]domain.OrderedItem, error) {
	siblings, err := t.ListSiblings(ctx, parentID)
	if err != nil {
		return nil, err
	}
	ops := len(t.parents) + len(t.order)
	for _, sib := range siblings {
		if _, ok := t.staged[sib.ID]; !ok {
			ops++
		}
	}
	if ops > maxBatchOps {
		return nil, fmt.Errorf("%w: renumbering %s needs %d operations, one batch holds %d", domain.ErrConflict, parentID, ops, maxBatchOps)
	}
	keys := domain.Renumber(len(siblings))
	for i := range siblings {
		siblings[i].Position = keys[i]
		siblings[i].Version++
		t.stage(siblings[i])
	}
	return siblings, nil
}

func (t *tableTx) InsertItem(ctx context.Context, item domain.OrderedItem) error {
	item.BoardID = t.boardID
	t.inserts[item.ID] = true
	t.stage(item)
	return nil
}

func (t *tableTx) actions() ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(t.parents)+len(t.order))
	for _, p := range t.parents {
		st := t.locks[p]
		payload, err := json.Marshal(lockEntity{
			entityKeys: entityKeys{PartitionKey: t.boardID, RowKey: lockRowPrefix + p},
			Kind:       lockKind,
			Seq:        st.seq + 1,
			SeqType:    edmInt64,
		})
		if err != nil {
			return nil, err
		}
		if st.exists {
			etag := st.etag
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: &etag})
		} else {
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
		}
	}
	for _, id := range t.order {
		payload, err := json.Marshal(toEntity(t.staged[id]))
		if err != nil {
			return nil, err
		}
		if t.inserts[id] {
			actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
			continue
		}
		etag, ok := t.etags[id]
		if !ok {
			return nil, fmt.Errorf("no etag recorded for %s", id)
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: &etag})
	}
	return actions, nil
}

func (t *tableTx) commit(ctx context.Context) error {
	if len(t.order) == 0 {
		return nil
	}
	actions, err := t.actions()
	if err != nil {
		return err
	}
	// A second batch would commit without the lock rows guarding it.
	if len(actions) > maxBatchOps {
		log.WithFields(log.Fields{"board": t.boardID, "ops": len(actions)}).Warn("transaction exceeds one table batch; refusing")
		return fmt.Errorf("%w: transaction needs %d operations, one batch holds %d", domain.ErrConflict, len(actions), maxBatchOps)
	}
	if _, err := t.store.items.SubmitTransaction(ctx, actions, nil); err != nil {
		if isStatus(err, 409, 412) {
			return domain.ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

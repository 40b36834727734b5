package storage

import (
	"context"
	"sort"
	"sync"

	"prism-board/board-api/domain"
)

// MemoryStore keeps boards in process. Transactions lock per parent, so moves that touch
// disjoint parents run in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]domain.OrderedItem
	members map[string]map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]domain.OrderedItem),
		members: make(map[string]map[string]struct{}),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Put stores item as-is. Intended for seeding.
func (m *MemoryStore) Put(items ...domain.OrderedItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.ID] = it
	}
}

// Delete removes an item. Intended for tests simulating concurrent deletes.
func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
}

// AddMember grants userID access to boardID.
func (m *MemoryStore) AddMember(boardID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[boardID]
	if !ok {
		set = make(map[string]struct{})
		m.members[boardID] = set
	}
	set[userID] = struct{}{}
}

func (m *MemoryStore) IsBoardMember(ctx context.Context, actorID, boardID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[boardID][actorID]
	return ok, nil
}

func (m *MemoryStore) GetItem(ctx context.Context, boardID, itemID string) (*domain.OrderedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[itemID]
	if !ok || it.BoardID != boardID {
		return nil, nil
	}
	return &it, nil
}

func (m *MemoryStore) ListSiblings(ctx context.Context, boardID, parentID string) ([]domain.OrderedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.siblingsLocked(boardID, parentID, nil), nil
}

func (m *MemoryStore) ListBoard(ctx context.Context, boardID string) ([]domain.OrderedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.OrderedItem, 0)
	for _, it := range m.items {
		if it.BoardID == boardID {
			out = append(out, it)
		}
	}
	domain.SortByPosition(out)
	return out, nil
}

func (m *MemoryStore) siblingsLocked(boardID, parentID string, staged map[string]domain.OrderedItem) []domain.OrderedItem {
	out := make([]domain.OrderedItem, 0)
	for id, it := range m.items {
		if s, ok := staged[id]; ok {
			it = s
		}
		if it.BoardID == boardID && it.ParentID == parentID {
			out = append(out, it)
		}
	}
	for id, it := range staged {
		if _, ok := m.items[id]; ok {
			continue
		}
		if it.BoardID == boardID && it.ParentID == parentID {
			out = append(out, it)
		}
	}
	domain.SortByPosition(out)
	return out
}

func (m *MemoryStore) parentLock(boardID, parentID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	key := boardID + "/" + parentID
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *MemoryStore) InTx(ctx context.Context, boardID string, parentIDs []string, fn func(domain.Tx) error) error {
	for _, p := range lockOrder(parentIDs) {
		l := m.parentLock(boardID, p)
		l.Lock()
		defer l.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{store: m, boardID: boardID, staged: map[string]domain.OrderedItem{}, base: map[string]int64{}}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range tx.base {
		cur, ok := m.items[id]
		if v < 0 {
			if ok {
				return domain.ErrConcurrencyConflict
			}
			continue
		}
		if !ok || cur.Version != v {
			return domain.ErrConcurrencyConflict
		}
	}
	for id, it := range tx.staged {
		m.items[id] = it
	}
	return nil
}

// lockOrder dedupes parent ids and sorts them so concurrent transactions acquire
// locks in the same global order.
func lockOrder(parentIDs []string) []string {
	seen := make(map[string]struct{}, len(parentIDs))
	out := make([]string, 0, len(parentIDs))
	for _, p := range parentIDs {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type memTx struct {
	store   *MemoryStore
	boardID string
	staged  map[string]domain.OrderedItem
	// base records the committed version each staged item was derived from, -1 for inserts.
	base map[string]int64
}

func (t *memTx) GetItem(ctx context.Context, itemID string) (*domain.OrderedItem, error) {
	if it, ok := t.staged[itemID]; ok {
		return &it, nil
	}
	return t.store.GetItem(ctx, t.boardID, itemID)
}

func (t *memTx) ListSiblings(ctx context.Context, parentID string) ([]domain.OrderedItem, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.siblingsLocked(t.boardID, parentID, t.staged), nil
}

func (t *memTx) stage(it domain.OrderedItem, baseVersion int64) {
	if _, ok := t.base[it.ID]; !ok {
		t.base[it.ID] = baseVersion
	}
	t.staged[it.ID] = it
}

func (t *memTx) UpdatePosition(ctx context.Context, itemID, parentID string, position domain.OrderKey, expectedVersion int64) (int64, error) {
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
	base := cur.Version
	if b, ok := t.base[itemID]; ok {
		base = b
	}
	next := *cur
	next.ParentID = parentID
	next.Position = position
	next.Version++
	t.stage(next, base)
	return next.Version, nil
}

func (t *memTx) RenumberSiblings(ctx context.Context, parentID string) ([]domain.OrderedItem, error) {
	siblings, err := t.ListSiblings(ctx, parentID)
	if err != nil {
		return nil, err
	}
	keys := domain.Renumber(len(siblings))
	for i := range siblings {
		base := siblings[i].Version
		if b, ok := t.base[siblings[i].ID]; ok {
			base = b
		}
		siblings[i].Position = keys[i]
		siblings[i].Version++
		t.stage(siblings[i], base)
	}
	return siblings, nil
}

func (t *memTx) InsertItem(ctx context.Context, item domain.OrderedItem) error {
	if existing, _ := t.GetItem(ctx, item.ID); existing != nil {
		return domain.ErrConcurrencyConflict
	}
	t.stage(item, -1)
	return nil
}

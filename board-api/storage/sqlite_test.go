package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"prism-board/board-api/domain"
)

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSQLite(t *testing.T, s *SQLStore, items ...domain.OrderedItem) {
	t.Helper()
	ctx := context.Background()
	err := s.InTx(ctx, items[0].BoardID, nil, func(tx domain.Tx) error {
		for _, it := range items {
			if err := tx.InsertItem(ctx, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestSQLStoreUpdatePosition(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	seedSQLite(t, s,
		domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 1},
		domain.OrderedItem{ID: "c", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 3000, Version: 1},
	)

	var version int64
	err := s.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		var err error
		version, err = tx.UpdatePosition(ctx, "c", "l1", 500, 1)
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	sibs, err := s.ListSiblings(ctx, "b1", "l1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sibs) != 2 || sibs[0].ID != "c" || sibs[0].Position != 500 {
		t.Fatalf("unexpected siblings: %+v", sibs)
	}
}

func TestSQLStoreStaleVersionAndMissingItem(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	seedSQLite(t, s, domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 2})

	err := s.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		_, err := tx.UpdatePosition(ctx, "a", "l1", 10, 1)
		return err
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	err = s.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		_, err := tx.UpdatePosition(ctx, "gone", "l1", 10, 1)
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	a, _ := s.GetItem(ctx, "b1", "a")
	if a.Position != 1000 {
		t.Fatalf("rolled back tx leaked writes: %+v", a)
	}
}

func TestSQLStoreRenumber(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	seedSQLite(t, s,
		domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1, Version: 1},
		domain.OrderedItem{ID: "b", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1.5, Version: 1},
		domain.OrderedItem{ID: "c", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1.75, Version: 1},
	)
	err := s.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		_, err := tx.RenumberSiblings(ctx, "l1")
		return err
	})
	if err != nil {
		t.Fatalf("renumber: %v", err)
	}
	sibs, _ := s.ListSiblings(ctx, "b1", "l1")
	for i, want := range []string{"a", "b", "c"} {
		if sibs[i].ID != want || sibs[i].Position != domain.OrderKey(1000*(i+1)) || sibs[i].Version != 2 {
			t.Fatalf("unexpected sibling %d: %+v", i, sibs[i])
		}
	}
}

func TestSQLStoreDuplicateInsertConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	item := domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 1}
	seedSQLite(t, s, item)
	err := s.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		return tx.InsertItem(ctx, item)
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSQLStoreMembership(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	if ok, err := s.IsBoardMember(ctx, "u1", "b1"); err != nil || ok {
		t.Fatalf("expected non-member: %v %v", ok, err)
	}
	if err := s.AddMember(ctx, "b1", "u1", "member"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if ok, err := s.IsBoardMember(ctx, "u1", "b1"); err != nil || !ok {
		t.Fatalf("expected member: %v %v", ok, err)
	}
}

package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"prism-board/board-api/domain"
)

func TestLockOrderSortsAndDedupes(t *testing.T) {
	got := lockOrder([]string{"l2", "", "l1", "l2"})
	if !reflect.DeepEqual(got, []string{"l1", "l2"}) {
		t.Fatalf("unexpected lock order: %v", got)
	}
}

func TestMemoryStoreDiscardsFailedTx(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Put(domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 1})

	boom := errors.New("boom")
	err := m.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		if _, err := tx.UpdatePosition(ctx, "a", "l1", 5, 1); err != nil {
			return err
		}
		staged, _ := tx.GetItem(ctx, "a")
		if staged.Position != 5 {
			t.Fatalf("tx must observe its own writes, got %+v", staged)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	a, _ := m.GetItem(ctx, "b1", "a")
	if a.Position != 1000 || a.Version != 1 {
		t.Fatalf("failed tx leaked writes: %+v", a)
	}
}

func TestMemoryStoreDetectsDeleteDuringTx(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Put(domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 1})

	err := m.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		if _, err := tx.UpdatePosition(ctx, "a", "l1", 5, 1); err != nil {
			return err
		}
		m.Delete("a")
		return nil
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreStaleVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Put(domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 4})

	err := m.InTx(ctx, "b1", []string{"l1"}, func(tx domain.Tx) error {
		_, err := tx.UpdatePosition(ctx, "a", "l1", 5, 3)
		return err
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryStoreMoveAcrossParents(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Put(
		domain.OrderedItem{ID: "a", BoardID: "b1", ParentID: "l1", Kind: domain.KindCard, Position: 1000, Version: 1},
		domain.OrderedItem{ID: "x", BoardID: "b1", ParentID: "l2", Kind: domain.KindCard, Position: 1000, Version: 1},
	)
	err := m.InTx(ctx, "b1", []string{"l2", "l1"}, func(tx domain.Tx) error {
		_, err := tx.UpdatePosition(ctx, "a", "l2", 2000, 1)
		return err
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	l1, _ := m.ListSiblings(ctx, "b1", "l1")
	l2, _ := m.ListSiblings(ctx, "b1", "l2")
	if len(l1) != 0 || len(l2) != 2 || l2[1].ID != "a" {
		t.Fatalf("unexpected siblings l1=%+v l2=%+v", l1, l2)
	}
}

func TestMemoryStoreMembership(t *testing.T) {
	m := NewMemoryStore()
	m.AddMember("b1", "u1")
	if ok, _ := m.IsBoardMember(context.Background(), "u1", "b1"); !ok {
		t.Fatal("expected member")
	}
	if ok, _ := m.IsBoardMember(context.Background(), "u2", "b1"); ok {
		t.Fatal("unexpected member")
	}
}

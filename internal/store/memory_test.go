package store

import (
	"context"
	"errors"
	"math"
	"testing"
)

type testEntity struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

func (testEntity) Class() string      { return "widget" }
func (e testEntity) EntityID() string { return e.ID }

func (e testEntity) Indexes() map[string][]string {
	indexes := map[string][]string{"name": {e.Name}}
	if len(e.Tags) > 0 {
		indexes["tag"] = e.Tags
	}
	return indexes
}

func TestMemoryStoreSaveGetDelete(t *testing.T) {
	t.Parallel()

	memory := NewMemoryStore()
	ctx := context.Background()
	entity := testEntity{ID: "w1", Name: "first"}
	if err := memory.Save(ctx, entity); err != nil {
		t.Fatalf("save: %v", err)
	}

	var loaded testEntity
	if err := memory.Get(ctx, "widget", "w1", &loaded); err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Name != "first" {
		t.Fatalf("unexpected name %q", loaded.Name)
	}

	if err := memory.Delete(ctx, entity); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := memory.Get(ctx, "widget", "w1", &loaded); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreIndexRefreshOnSave(t *testing.T) {
	t.Parallel()

	memory := NewMemoryStore()
	ctx := context.Background()
	if err := memory.Save(ctx, testEntity{ID: "w1", Name: "old", Tags: []string{"a", "b"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := memory.Save(ctx, testEntity{ID: "w1", Name: "new", Tags: []string{"b"}}); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	ids, err := memory.FindByIndex(ctx, "widget", "name", "old")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("stale name index must be cleared, got %v", ids)
	}
	ids, _ = memory.FindByIndex(ctx, "widget", "tag", "a")
	if len(ids) != 0 {
		t.Fatalf("stale tag index must be cleared, got %v", ids)
	}
	ids, _ = memory.FindByIndex(ctx, "widget", "tag", "b")
	if len(ids) != 1 || ids[0] != "w1" {
		t.Fatalf("expected fresh tag index, got %v", ids)
	}
}

func TestMemoryStoreSets(t *testing.T) {
	t.Parallel()

	memory := NewMemoryStore()
	ctx := context.Background()
	if err := memory.SetAdd(ctx, "widget", "w1", "parts", "p1", "p2"); err != nil {
		t.Fatalf("set add: %v", err)
	}
	if err := memory.SetRemove(ctx, "widget", "w1", "parts", "p1"); err != nil {
		t.Fatalf("set remove: %v", err)
	}
	members, err := memory.SetMembers(ctx, "widget", "w1", "parts")
	if err != nil {
		t.Fatalf("set members: %v", err)
	}
	if len(members) != 1 || members[0] != "p2" {
		t.Fatalf("unexpected members %v", members)
	}
	if err := memory.SetClear(ctx, "widget", "w1", "parts"); err != nil {
		t.Fatalf("set clear: %v", err)
	}
	members, _ = memory.SetMembers(ctx, "widget", "w1", "parts")
	if len(members) != 0 {
		t.Fatalf("expected empty set, got %v", members)
	}
}

func TestMemoryStoreSortedRangeAndTrim(t *testing.T) {
	t.Parallel()

	memory := NewMemoryStore()
	ctx := context.Background()
	for i, member := range []string{"s1", "s2", "s3", "s4"} {
		if err := memory.SortedAdd(ctx, "widget", "w1", "history", float64(100+i), member); err != nil {
			t.Fatalf("sorted add: %v", err)
		}
	}

	members, err := memory.SortedRange(ctx, "widget", "w1", "history", 101, 102)
	if err != nil {
		t.Fatalf("sorted range: %v", err)
	}
	if len(members) != 2 || members[0] != "s2" || members[1] != "s3" {
		t.Fatalf("unexpected range %v", members)
	}

	if err := memory.SortedTrim(ctx, "widget", "w1", "history", 2); err != nil {
		t.Fatalf("sorted trim: %v", err)
	}
	members, _ = memory.SortedRange(ctx, "widget", "w1", "history", math.Inf(-1), math.Inf(1))
	if len(members) != 2 || members[0] != "s3" || members[1] != "s4" {
		t.Fatalf("trim must keep the newest members, got %v", members)
	}
}

func TestMemoryStoreLockSerializes(t *testing.T) {
	t.Parallel()

	memory := NewMemoryStore()
	ctx := context.Background()
	counter := 0
	done := make(chan struct{})
	go func() {
		_ = memory.Lock(ctx, []string{"widget"}, func(context.Context) error {
			counter++
			return nil
		})
		close(done)
	}()
	if err := memory.Lock(ctx, []string{"widget"}, func(context.Context) error {
		counter++
		return nil
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	<-done
	if counter != 2 {
		t.Fatalf("expected both critical sections, got %d", counter)
	}
}

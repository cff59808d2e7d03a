package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spullara/k7/pkg/model"
)

func initTestDB(t *testing.T) {
	t.Helper()
	if err := InitDB(filepath.Join(t.TempDir(), "k7.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := CloseDB(); err != nil {
			t.Fatalf("CloseDB() error = %v", err)
		}
	})
}

func testRecord(now time.Time) *SandboxRecord {
	return &SandboxRecord{
		Namespace:       "default",
		Name:            "demo",
		Image:           "alpine:3.20",
		SpecJSON:        `{"name":"demo","image":"alpine:3.20","egress_whitelist":["10.0.0.0/8"]}`,
		DesiredState:    DesiredStateActive,
		LifecycleStatus: string(model.StatusPending),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSandboxStoreCreateGetAndDeleteFlow(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewSandboxStore()
	now := time.Now().UTC()

	if err := s.Create(ctx, testRecord(now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.Get(ctx, "default", "demo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatalf("Get() returned nil")
	}
	if got.Name != "demo" || got.LifecycleStatus != string(model.StatusPending) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if spec := got.Spec(); spec.Image != "alpine:3.20" || len(spec.EgressWhitelist) != 1 {
		t.Fatalf("Spec() decoded wrong: %+v", spec)
	}

	active, err := s.ListActive(ctx, "default")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("ListActive() len = %d, want 1", len(active))
	}

	if err := s.SetDesiredDeleted(ctx, "default", "demo", now.Add(time.Minute)); err != nil {
		t.Fatalf("SetDesiredDeleted() error = %v", err)
	}
	if err := s.MarkDeleted(ctx, "default", "demo", "deleted by request", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	active, err = s.ListActive(ctx, "default")
	if err != nil {
		t.Fatalf("ListActive() after delete error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("ListActive() after delete len = %d, want 0", len(active))
	}

	deleted, err := s.Get(ctx, "default", "demo")
	if err != nil {
		t.Fatalf("Get() after delete error = %v", err)
	}
	if deleted.LifecycleStatus != string(model.StatusDeleted) || deleted.DesiredState != DesiredStateDeleted || deleted.DeletedAt == nil {
		t.Fatalf("record was not marked deleted correctly: %+v", deleted)
	}
}

func TestSandboxStoreRecreateReplacesTombstone(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewSandboxStore()
	now := time.Now().UTC()

	if err := s.Create(ctx, testRecord(now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.MarkDeleted(ctx, "default", "demo", "gone", now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	fresh := testRecord(now.Add(time.Hour))
	fresh.Image = "alpine:3.21"
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() over tombstone error = %v", err)
	}

	got, err := s.Get(ctx, "default", "demo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Image != "alpine:3.21" || got.DeletedAt != nil || got.DesiredState != DesiredStateActive {
		t.Fatalf("tombstone not replaced: %+v", got)
	}
}

func TestSandboxStoreStatusHistoryOrder(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewSandboxStore()
	now := time.Now().UTC()

	transitions := [][2]string{
		{string(model.StatusPending), string(model.StatusInitializing)},
		{string(model.StatusInitializing), string(model.StatusRunning)},
		{string(model.StatusRunning), string(model.StatusTerminating)},
	}
	for i, tr := range transitions {
		if err := s.AppendStatusHistory(ctx, "default", "demo", "system", tr[0], tr[1], "", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AppendStatusHistory() error = %v", err)
		}
	}

	items, err := s.ListStatusHistory(ctx, "default", "demo", 0)
	if err != nil {
		t.Fatalf("ListStatusHistory() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("ListStatusHistory() len = %d, want 3", len(items))
	}
	for i, tr := range transitions {
		if items[i].FromStatus != tr[0] || items[i].ToStatus != tr[1] {
			t.Fatalf("history[%d] = %s -> %s, want %s -> %s", i, items[i].FromStatus, items[i].ToStatus, tr[0], tr[1])
		}
	}

	limited, err := s.ListStatusHistory(ctx, "default", "demo", 2)
	if err != nil {
		t.Fatalf("ListStatusHistory(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("ListStatusHistory(limit=2) len = %d, want 2", len(limited))
	}
}

func TestSandboxStoreSetEgressApplied(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewSandboxStore()
	now := time.Now().UTC()

	if err := s.Create(ctx, testRecord(now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.SetEgressApplied(ctx, "default", "demo", now.Add(time.Second)); err != nil {
		t.Fatalf("SetEgressApplied() error = %v", err)
	}

	got, err := s.Get(ctx, "default", "demo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.EgressApplied {
		t.Fatal("EgressApplied not persisted")
	}
}

func TestSandboxStorePurgeHistoricalData(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewSandboxStore()
	now := time.Now().UTC()
	old := now.Add(-30 * 24 * time.Hour)

	stale := testRecord(old)
	stale.Name = "stale"
	if err := s.Create(ctx, stale); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.MarkDeleted(ctx, "default", "stale", "old", old.Add(time.Minute)); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}
	if err := s.Create(ctx, testRecord(now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.AppendStatusHistory(ctx, "default", "stale", "system", "Pending", "Deleted", "old", old); err != nil {
		t.Fatalf("AppendStatusHistory() error = %v", err)
	}
	if err := s.AppendStatusHistory(ctx, "default", "demo", "system", "Pending", "Running", "", now); err != nil {
		t.Fatalf("AppendStatusHistory() error = %v", err)
	}

	result, err := s.PurgeHistoricalData(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeHistoricalData() error = %v", err)
	}
	if result.DeletedSandboxes != 1 {
		t.Errorf("DeletedSandboxes = %d, want 1", result.DeletedSandboxes)
	}
	if result.DeletedStatusHistory != 1 {
		t.Errorf("DeletedStatusHistory = %d, want 1", result.DeletedStatusHistory)
	}

	if got, err := s.Get(ctx, "default", "stale"); err != nil || got != nil {
		t.Errorf("purged record still present: rec=%v err=%v", got, err)
	}
	if got, err := s.Get(ctx, "default", "demo"); err != nil || got == nil {
		t.Errorf("live record lost in purge: rec=%v err=%v", got, err)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// stepClock makes created_at ordering deterministic.
func stepClock(store *SQLiteStore) {
	var mu sync.Mutex
	now := time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func fireInput() CallInput {
	rec := emergency.Record{
		Type:        emergency.TypeFire,
		Severity:    emergency.SeverityHigh,
		Description: "Kitchen fire",
		Location:    "12 Elm Street",
		Casualties:  1,
	}
	return CallInput{Record: rec, Transcript: "CALLER: There's a fire at 12 Elm Street", AutoEscalated: rec.Escalated(), HumanTakeover: rec.Escalated()}
}

func TestSQLitePragmas(t *testing.T) {
	store := newTestSQLiteStore(t)

	var mode string
	if err := store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode failed: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", mode)
	}

	var timeout int
	if err := store.DB().QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout failed: %v", err)
	}
	if timeout < 5000 {
		t.Fatalf("expected busy_timeout >= 5000, got %d", timeout)
	}
}

func TestSQLiteCreateAndUpdateCall(t *testing.T) {
	store := newTestSQLiteStore(t)
	stepClock(store)
	ctx := context.Background()

	created, err := store.CreateCall(ctx, fireInput())
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.Status != emergency.StatusPending || created.Priority != emergency.PriorityHigh {
		t.Fatalf("unexpected status/priority %q/%q", created.Status, created.Priority)
	}
	if created.Latitude != nil {
		t.Fatalf("expected no coordinates, got %v", *created.Latitude)
	}

	in := fireInput()
	in.Record.Severity = emergency.SeverityCritical
	in.Record = in.Record.WithCoordinates(40.7, -74.0)
	in.AutoEscalated, in.HumanTakeover = true, true
	in.Transcript += "\nCALLER: it's spreading"

	updated, err := store.UpdateCall(ctx, created.ID, in)
	if err != nil {
		t.Fatalf("UpdateCall failed: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected same id, got %q", updated.ID)
	}
	if updated.Status != emergency.StatusInProgress || updated.Priority != emergency.PriorityCritical {
		t.Fatalf("unexpected status/priority %q/%q", updated.Status, updated.Priority)
	}
	if !updated.AutoEscalated || !updated.HumanTakeover {
		t.Fatalf("expected escalation flags, got %#v", updated)
	}
	if !updated.Record().Equal(in.Record) {
		t.Fatalf("expected stored record %#v, got %#v", in.Record, updated.Record())
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatal("expected updated_at to advance")
	}
	if updated.CreatedAt != created.CreatedAt {
		t.Fatal("expected created_at to be kept")
	}
}

func TestSQLiteUpdateNeverLowersStatus(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	critical := fireInput()
	critical.Record.Severity = emergency.SeverityCritical
	call, err := store.CreateCall(ctx, critical)
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	if call.Status != emergency.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %q", call.Status)
	}

	// severity walked back by a later turn
	updated, err := store.UpdateCall(ctx, call.ID, fireInput())
	if err != nil {
		t.Fatalf("UpdateCall failed: %v", err)
	}
	if updated.Status != emergency.StatusInProgress {
		t.Fatalf("expected status to stay IN_PROGRESS, got %q", updated.Status)
	}
	if updated.Priority != emergency.PriorityHigh {
		t.Fatalf("expected priority to follow the record, got %q", updated.Priority)
	}
}

func TestSQLiteDefaultsMissingFields(t *testing.T) {
	store := newTestSQLiteStore(t)

	call, err := store.CreateCall(context.Background(), CallInput{Record: emergency.Record{Type: emergency.TypeMedical, Severity: emergency.SeverityLow}})
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	if call.Description != emergency.DefaultDescription || call.Location != emergency.DefaultLocation {
		t.Fatalf("expected display defaults, got %q / %q", call.Description, call.Location)
	}
}

func TestSQLiteRejectsInvalidRecord(t *testing.T) {
	store := newTestSQLiteStore(t)

	in := fireInput()
	in.Record.Casualties = -1
	if _, err := store.CreateCall(context.Background(), in); !errors.Is(err, emergency.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestSQLiteUpdateUnknownCall(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, err := store.UpdateCall(context.Background(), "missing", fireInput())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetCall(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteListCallsNewestFirst(t *testing.T) {
	store := newTestSQLiteStore(t)
	stepClock(store)
	ctx := context.Background()

	first, err := store.CreateCall(ctx, fireInput())
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	second, err := store.CreateCall(ctx, fireInput())
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}

	calls, err := store.ListCalls(ctx)
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(calls) != 2 || calls[0].ID != second.ID || calls[1].ID != first.ID {
		t.Fatalf("expected newest first, got %#v", calls)
	}
	if calls[0].Assignments == nil {
		t.Fatal("expected empty assignments slice, got nil")
	}
}

func TestSQLiteAssignResource(t *testing.T) {
	store := newTestSQLiteStore(t)
	stepClock(store)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, fireInput())
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	lat, lon := 40.71, -74.0
	res, err := store.CreateResource(ctx, Resource{Type: "fire_truck", Identifier: "Engine 7", Station: "Station 3", Latitude: &lat, Longitude: &lon})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	if res.Status != ResourceAvailable || res.Type != "FIRE_TRUCK" {
		t.Fatalf("unexpected resource %#v", res)
	}

	a, err := store.AssignResource(ctx, call.ID, res.ID)
	if err != nil {
		t.Fatalf("AssignResource failed: %v", err)
	}
	if a.Status != AssignmentAssigned {
		t.Fatalf("expected ASSIGNED, got %q", a.Status)
	}

	got, err := store.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if got.Status != emergency.StatusDispatched {
		t.Fatalf("expected call DISPATCHED, got %q", got.Status)
	}
	if len(got.Assignments) != 1 || got.Assignments[0].ResourceID != res.ID {
		t.Fatalf("unexpected assignments %#v", got.Assignments)
	}

	resources, err := store.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if len(resources) != 1 || resources[0].Status != ResourceDispatched {
		t.Fatalf("expected dispatched resource, got %#v", resources)
	}
	if resources[0].Latitude == nil || *resources[0].Latitude != lat {
		t.Fatalf("expected resource coordinates, got %#v", resources[0])
	}

	if _, err := store.AssignResource(ctx, call.ID, res.ID); !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("expected ErrResourceUnavailable assigning a dispatched resource, got %v", err)
	}

	// later record updates keep the dispatched status
	updated, err := store.UpdateCall(ctx, call.ID, fireInput())
	if err != nil {
		t.Fatalf("UpdateCall failed: %v", err)
	}
	if updated.Status != emergency.StatusDispatched {
		t.Fatalf("expected status to stay DISPATCHED, got %q", updated.Status)
	}
}

func TestSQLiteAssignUnknownCallRollsBack(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	res, err := store.CreateResource(ctx, Resource{Type: "AMBULANCE", Identifier: "Medic 1"})
	if err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}
	if _, err := store.AssignResource(ctx, "missing", res.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	resources, err := store.ListResources(ctx)
	if err != nil {
		t.Fatalf("ListResources failed: %v", err)
	}
	if resources[0].Status != ResourceAvailable {
		t.Fatalf("expected resource to stay AVAILABLE, got %q", resources[0].Status)
	}
}

func TestSQLiteCreateResourceValidation(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := store.CreateResource(ctx, Resource{Type: "SUBMARINE", Identifier: "x"}); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
	if _, err := store.CreateResource(ctx, Resource{Type: "AMBULANCE"}); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("expected missing identifier error, got %v", err)
	}
}

func TestSQLiteConcurrentAccess(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, fireInput())
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			in := fireInput()
			in.Record.Casualties = idx
			in.Transcript = fmt.Sprintf("update-%d", idx)
			_, _ = store.UpdateCall(ctx, call.ID, in)
			_, _ = store.GetCall(ctx, call.ID)
		}(i)
	}
	wg.Wait()

	calls, err := store.ListCalls(ctx)
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
}

package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/linnemanlabs/carewatch/internal/monitor"
	"github.com/linnemanlabs/carewatch/internal/registry"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestStore_AppendEventCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	ev := &monitor.Event{ID: "e1", PatientID: "p1", Type: monitor.EventFall, Timestamp: t0}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	ev.PatientID = "mutated"

	got, err := s.ListEventsByPatient(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListEventsByPatient: %v", err)
	}
	if len(got) != 1 || got[0].PatientID != "p1" {
		t.Errorf("events = %+v", got)
	}
}

func TestStore_ListEventsNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	// appended out of order
	for i, off := range []int{2, 0, 1} {
		ev := &monitor.Event{ID: fmt.Sprintf("e%d", i), PatientID: "p1", Timestamp: t0.Add(time.Duration(off) * time.Second)}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	got, _ := s.ListEventsByPatient(ctx, "p1", 0)
	if len(got) != 3 || got[0].ID != "e0" || got[1].ID != "e2" || got[2].ID != "e1" {
		t.Errorf("order = %v", got)
	}
	got, _ = s.ListEventsByPatient(ctx, "p1", 2)
	if len(got) != 2 {
		t.Errorf("limited = %d, want 2", len(got))
	}
	if got, _ := s.ListEventsByPatient(ctx, "nobody", 5); len(got) != 0 {
		t.Errorf("unknown patient events = %d, want 0", len(got))
	}
}

func TestStore_TryCreateAlertWindow(t *testing.T) {
	t.Parallel()

	now := t0
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()
	key := monitor.AlertKey{PatientID: "p1", CaregiverID: "c1", Type: monitor.AlertTypeFall}

	steps := []struct {
		advance time.Duration
		created bool
	}{
		{0, true},
		{29 * time.Second, false},
		{time.Second, false}, // exactly at the boundary
		{time.Nanosecond, true},
		{0, false},
	}
	for i, st := range steps {
		now = now.Add(st.advance)
		_, ok, err := s.TryCreateAlert(ctx, key, monitor.AlertDraft{Severity: monitor.SeverityHigh}, 30*time.Second)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ok != st.created {
			t.Errorf("step %d: created = %v, want %v", i, ok, st.created)
		}
	}
}

func TestStore_ConcurrentTryCreateAlert(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := map[string]int{}

	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := monitor.AlertKey{PatientID: "p1", CaregiverID: fmt.Sprintf("c%d", i%4), Type: monitor.AlertTypeFall}
			_, ok, err := s.TryCreateAlert(ctx, key, monitor.AlertDraft{Severity: monitor.SeverityHigh}, time.Minute)
			if err != nil {
				t.Errorf("TryCreateAlert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created[key.CaregiverID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(created) != 4 {
		t.Fatalf("caregivers with alerts = %d, want 4", len(created))
	}
	for cg, n := range created {
		if n != 1 {
			t.Errorf("caregiver %s got %d alerts, want 1", cg, n)
		}
	}
}

// TestProperty_DedupSpacing checks that, for any sequence of attempts on one
// key, created alerts are always more than the cooldown apart and an attempt
// is suppressed only when an earlier alert is within the cooldown.
func TestProperty_DedupSpacing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const cooldown = 30 * time.Second

	properties.Property("created alerts are spaced by more than the cooldown", prop.ForAll(
		func(gaps []int) bool {
			now := t0
			s := New(WithClock(func() time.Time { return now }))
			key := monitor.AlertKey{PatientID: "p", CaregiverID: "c", Type: monitor.AlertTypeFall}

			var createdAt []time.Time
			for _, g := range gaps {
				now = now.Add(time.Duration(g) * time.Second)
				_, ok, err := s.TryCreateAlert(context.Background(), key, monitor.AlertDraft{Severity: monitor.SeverityLow}, cooldown)
				if err != nil {
					return false
				}
				last := len(createdAt) > 0 && now.Sub(createdAt[len(createdAt)-1]) <= cooldown
				if ok == last {
					return false
				}
				if ok {
					createdAt = append(createdAt, now)
				}
			}
			for i := 1; i < len(createdAt); i++ {
				if createdAt[i].Sub(createdAt[i-1]) <= cooldown {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 45)),
	))

	properties.TestingRun(t)
}

func TestStore_ListAlertsFilters(t *testing.T) {
	t.Parallel()

	now := t0
	s := New(WithClock(func() time.Time { now = now.Add(time.Second); return now }))
	ctx := context.Background()
	for _, k := range []monitor.AlertKey{
		{PatientID: "p1", CaregiverID: "c1", Type: monitor.AlertTypeFall},
		{PatientID: "p1", CaregiverID: "c2", Type: monitor.AlertTypeFall},
		{PatientID: "p2", CaregiverID: "c1", Type: monitor.AlertTypeUnknownFace},
	} {
		if _, ok, err := s.TryCreateAlert(ctx, k, monitor.AlertDraft{Severity: monitor.SeverityHigh}, time.Minute); err != nil || !ok {
			t.Fatalf("TryCreateAlert = %v, %v", ok, err)
		}
	}

	all, _ := s.ListAlerts(ctx, monitor.AlertFilter{})
	if len(all) != 3 || !sort.SliceIsSorted(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) }) {
		t.Fatalf("all = %+v, want 3 newest first", all)
	}

	if _, ok, _ := s.SetAcknowledged(ctx, all[0].ID, true); !ok {
		t.Fatal("SetAcknowledged: not found")
	}

	no := false
	tests := []struct {
		name string
		f    monitor.AlertFilter
		want int
	}{
		{"by caregiver", monitor.AlertFilter{CaregiverID: "c1"}, 2},
		{"by patient", monitor.AlertFilter{PatientID: "p1"}, 2},
		{"by both", monitor.AlertFilter{CaregiverID: "c1", PatientID: "p1"}, 1},
		{"unacknowledged", monitor.AlertFilter{Acknowledged: &no}, 2},
		{"limited", monitor.AlertFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		got, err := s.ListAlerts(ctx, tt.f)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: got %d alerts, want %d", tt.name, len(got), tt.want)
		}
	}

	// returned alerts are copies
	all[1].Message = "mutated"
	got, _, _ := s.GetAlert(ctx, all[1].ID)
	if got.Message == "mutated" {
		t.Error("GetAlert returned shared state")
	}
}

func TestStore_Registry(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	p := &registry.User{ID: "p1", Email: "p@example.com", Role: monitor.RolePatient, CreatedAt: t0}
	c := &registry.User{ID: "c1", Email: "c@example.com", Role: monitor.RoleCaregiver, CreatedAt: t0.Add(time.Second)}
	for _, u := range []*registry.User{p, c} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	if err := s.CreateUser(ctx, &registry.User{ID: "x", Email: "p@example.com"}); !errors.Is(err, registry.ErrConflict) {
		t.Errorf("duplicate email err = %v", err)
	}
	if err := s.CreateUser(ctx, &registry.User{ID: "p1", Email: "new@example.com"}); !errors.Is(err, registry.ErrConflict) {
		t.Errorf("duplicate id err = %v", err)
	}

	if err := s.LinkCaregiver(ctx, &registry.Link{PatientID: "p1", CaregiverID: "c1", CreatedAt: t0}); err != nil {
		t.Fatalf("LinkCaregiver: %v", err)
	}
	if err := s.LinkCaregiver(ctx, &registry.Link{PatientID: "p1", CaregiverID: "c1", CreatedAt: t0}); !errors.Is(err, registry.ErrConflict) {
		t.Errorf("duplicate link err = %v", err)
	}

	ids, _ := s.CaregiversForPatient(ctx, "p1")
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("caregivers = %v", ids)
	}
	users, _ := s.ListUsers(ctx, "")
	if len(users) != 2 || users[0].ID != "c1" {
		t.Errorf("users = %+v, want newest first", users)
	}
	patients, _ := s.ListUsers(ctx, monitor.RolePatient)
	if len(patients) != 1 || patients[0].ID != "p1" {
		t.Errorf("patients = %+v", patients)
	}
}

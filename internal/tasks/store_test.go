package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// newTask builds a claimable PENDING task with sane fields for store
// tests.
func newTask(id, queue string, priority Priority, createdAt time.Time) *Task {
	return &Task{
		ID:           id,
		Name:         "test-task",
		Queue:        queue,
		Args:         []byte(`{"n":1}`),
		Status:       StatusPending,
		Priority:     priority,
		CreatedAt:    createdAt,
		ScheduledFor: createdAt,
		MaxRetries:   3,
		Timeout:      time.Minute,
	}
}

// runStoreTests exercises the Store contract against any backend.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("SaveAndGetByID", func(t *testing.T) {
		s := newStore(t)
		started := time.Now().Truncate(time.Millisecond)
		want := newTask("t1", "q", PriorityHigh, started)
		want.StartedAt = &started
		want.Error = "previous error"
		want.StackTrace = "stack"
		want.WorkerID = "w1"
		want.Metadata = map[string]string{"source": "unit"}

		if err := s.Save(ctx, want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.GetByID(ctx, "t1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Name != want.Name || got.Queue != want.Queue || got.Status != want.Status {
			t.Errorf("core fields = %s/%s/%s, want %s/%s/%s",
				got.Name, got.Queue, got.Status, want.Name, want.Queue, want.Status)
		}
		if got.Priority != PriorityHigh {
			t.Errorf("Priority = %d, want %d", got.Priority, PriorityHigh)
		}
		if string(got.Args) != `{"n":1}` {
			t.Errorf("Args = %s", got.Args)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
		}
		if got.CompletedAt != nil {
			t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
		}
		if got.Error != "previous error" || got.StackTrace != "stack" || got.WorkerID != "w1" {
			t.Errorf("recorded fields = %q/%q/%q", got.Error, got.StackTrace, got.WorkerID)
		}
		if got.Timeout != time.Minute {
			t.Errorf("Timeout = %v, want 1m", got.Timeout)
		}
		if got.Metadata["source"] != "unit" {
			t.Errorf("Metadata = %v", got.Metadata)
		}
	})

	t.Run("GetByIDNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("GetByID(missing) = %v, want ErrTaskNotFound", err)
		}
	})

	t.Run("ClaimNextEmpty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.ClaimNext(ctx, "q", "w")
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if got != nil {
			t.Errorf("claimed %v from empty queue", got)
		}
	})

	t.Run("ClaimNextStampsProcessing", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, newTask("t1", "q", PriorityNormal, time.Now())); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.ClaimNext(ctx, "q", "worker-9")
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if got == nil {
			t.Fatal("claimed nothing")
		}
		if got.Status != StatusProcessing {
			t.Errorf("Status = %s, want PROCESSING", got.Status)
		}
		if got.WorkerID != "worker-9" || got.StartedAt == nil {
			t.Errorf("claim stamp = %q/%v", got.WorkerID, got.StartedAt)
		}
		// The stored row reflects the claim.
		row, err := s.GetByID(ctx, "t1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if row.Status != StatusProcessing || row.WorkerID != "worker-9" || row.StartedAt == nil {
			t.Errorf("stored row = %s/%q/%v", row.Status, row.WorkerID, row.StartedAt)
		}
	})

	t.Run("ClaimNextPriorityThenAge", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().Add(-time.Minute)
		if err := s.Save(ctx, newTask("old-low", "q", PriorityLow, base)); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, newTask("new-high", "q", PriorityHigh, base.Add(30*time.Second))); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, newTask("old-high", "q", PriorityHigh, base.Add(10*time.Second))); err != nil {
			t.Fatal(err)
		}

		var order []string
		for i := 0; i < 3; i++ {
			got, err := s.ClaimNext(ctx, "q", "w")
			if err != nil {
				t.Fatalf("ClaimNext %d: %v", i, err)
			}
			if got == nil {
				t.Fatalf("ClaimNext %d: nothing claimed", i)
			}
			order = append(order, got.ID)
		}
		want := []string{"old-high", "new-high", "old-low"}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("claim order = %v, want %v", order, want)
			}
		}
	})

	t.Run("ClaimNextSkipsFutureAndOtherQueues", func(t *testing.T) {
		s := newStore(t)
		future := newTask("future", "q", PriorityHigh, time.Now())
		future.Status = StatusScheduled
		future.ScheduledFor = time.Now().Add(time.Hour)
		if err := s.Save(ctx, future); err != nil {
			t.Fatal(err)
		}
		// PENDING but not yet due: must not be claimed either.
		pendingFuture := newTask("pending-future", "q", PriorityHigh, time.Now())
		pendingFuture.ScheduledFor = time.Now().Add(time.Hour)
		if err := s.Save(ctx, pendingFuture); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, newTask("other-queue", "emails", PriorityHigh, time.Now())); err != nil {
			t.Fatal(err)
		}

		got, err := s.ClaimNext(ctx, "q", "w")
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if got != nil {
			t.Errorf("claimed %s, want nothing claimable on q", got.ID)
		}
	})

	t.Run("ClaimNextMutualExclusion", func(t *testing.T) {
		s := newStore(t)
		const tasks = 20
		for i := 0; i < tasks; i++ {
			if err := s.Save(ctx, newTask(fmt.Sprintf("t%02d", i), "q", PriorityNormal, time.Now())); err != nil {
				t.Fatal(err)
			}
		}

		var mu sync.Mutex
		seen := make(map[string]string)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					got, err := s.ClaimNext(ctx, "q", worker)
					if err != nil {
						t.Errorf("ClaimNext: %v", err)
						return
					}
					if got == nil {
						return
					}
					mu.Lock()
					if prev, dup := seen[got.ID]; dup {
						t.Errorf("task %s claimed by both %s and %s", got.ID, prev, worker)
					}
					seen[got.ID] = worker
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		if len(seen) != tasks {
			t.Errorf("claimed %d distinct tasks, want %d", len(seen), tasks)
		}
	})

	t.Run("UpdatePersistsAndChecksExistence", func(t *testing.T) {
		s := newStore(t)
		task := newTask("t1", "q", PriorityNormal, time.Now())
		if err := s.Save(ctx, task); err != nil {
			t.Fatal(err)
		}

		now := time.Now().Truncate(time.Millisecond)
		task.Status = StatusCompleted
		task.CompletedAt = &now
		task.Result = []byte(`"done"`)
		if err := s.Update(ctx, task); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, err := s.GetByID(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusCompleted || string(got.Result) != `"done"` {
			t.Errorf("updated row = %s/%s", got.Status, got.Result)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, now)
		}

		ghost := newTask("ghost", "q", PriorityNormal, time.Now())
		if err := s.Update(ctx, ghost); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("Update(ghost) = %v, want ErrTaskNotFound", err)
		}
	})

	t.Run("GetByStatusOrdersByDue", func(t *testing.T) {
		s := newStore(t)
		now := time.Now()
		for i, due := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
			task := newTask(fmt.Sprintf("s%d", i), "q", PriorityNormal, now)
			task.Status = StatusScheduled
			task.ScheduledFor = now.Add(due)
			if err := s.Save(ctx, task); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Save(ctx, newTask("p0", "q", PriorityNormal, now)); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetByStatus(ctx, StatusScheduled, 0)
		if err != nil {
			t.Fatalf("GetByStatus: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		if got[0].ID != "s1" || got[1].ID != "s2" || got[2].ID != "s0" {
			t.Errorf("order = %s,%s,%s want s1,s2,s0", got[0].ID, got[1].ID, got[2].ID)
		}

		limited, err := s.GetByStatus(ctx, StatusScheduled, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 2 {
			t.Errorf("limited len = %d, want 2", len(limited))
		}
	})

	t.Run("GetByQueue", func(t *testing.T) {
		s := newStore(t)
		now := time.Now()
		if err := s.Save(ctx, newTask("a", "emails", PriorityNormal, now.Add(-2*time.Second))); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, newTask("b", "emails", PriorityNormal, now)); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, newTask("c", "reports", PriorityNormal, now)); err != nil {
			t.Fatal(err)
		}

		got, err := s.GetByQueue(ctx, "emails", 0)
		if err != nil {
			t.Fatalf("GetByQueue: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ID != "b" || got[1].ID != "a" {
			t.Errorf("order = %s,%s want b,a (newest first)", got[0].ID, got[1].ID)
		}
	})

	t.Run("CountByStatus", func(t *testing.T) {
		s := newStore(t)
		now := time.Now()
		for i := 0; i < 3; i++ {
			if err := s.Save(ctx, newTask(fmt.Sprintf("p%d", i), "q", PriorityNormal, now)); err != nil {
				t.Fatal(err)
			}
		}
		done := newTask("d0", "q", PriorityNormal, now)
		done.Status = StatusCompleted
		done.CompletedAt = &now
		if err := s.Save(ctx, done); err != nil {
			t.Fatal(err)
		}

		counts, err := s.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus: %v", err)
		}
		if counts[StatusPending] != 3 || counts[StatusCompleted] != 1 {
			t.Errorf("counts = %v, want PENDING:3 COMPLETED:1", counts)
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		s := newStore(t)
		now := time.Now()
		old := now.Add(-48 * time.Hour)

		ancient := newTask("ancient", "q", PriorityNormal, old)
		ancient.Status = StatusCompleted
		ancient.CompletedAt = &old
		if err := s.Save(ctx, ancient); err != nil {
			t.Fatal(err)
		}
		fresh := newTask("fresh", "q", PriorityNormal, now)
		fresh.Status = StatusCompleted
		fresh.CompletedAt = &now
		if err := s.Save(ctx, fresh); err != nil {
			t.Fatal(err)
		}
		// Non-terminal rows are never swept.
		if err := s.Save(ctx, newTask("live", "q", PriorityNormal, old)); err != nil {
			t.Fatal(err)
		}

		n, err := s.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("DeleteOlderThan: %v", err)
		}
		if n != 1 {
			t.Errorf("deleted %d, want 1", n)
		}
		if _, err := s.GetByID(ctx, "ancient"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("ancient still present: %v", err)
		}
		if _, err := s.GetByID(ctx, "fresh"); err != nil {
			t.Errorf("fresh swept: %v", err)
		}
		if _, err := s.GetByID(ctx, "live"); err != nil {
			t.Errorf("live swept: %v", err)
		}
	})

	t.Run("ReleaseStale", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, newTask("t1", "q", PriorityNormal, time.Now())); err != nil {
			t.Fatal(err)
		}
		claimed, err := s.ClaimNext(ctx, "q", "dead-worker")
		if err != nil || claimed == nil {
			t.Fatalf("ClaimNext = %v, %v", claimed, err)
		}

		// Cutoff before startedAt: nothing stale yet.
		n, err := s.ReleaseStale(ctx, claimed.StartedAt.Add(-time.Second))
		if err != nil {
			t.Fatalf("ReleaseStale: %v", err)
		}
		if n != 0 {
			t.Errorf("released %d, want 0", n)
		}

		n, err = s.ReleaseStale(ctx, claimed.StartedAt.Add(time.Second))
		if err != nil {
			t.Fatalf("ReleaseStale: %v", err)
		}
		if n != 1 {
			t.Errorf("released %d, want 1", n)
		}
		got, err := s.GetByID(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusPending || got.WorkerID != "" || got.StartedAt != nil {
			t.Errorf("released row = %s/%q/%v, want PENDING with cleared stamps",
				got.Status, got.WorkerID, got.StartedAt)
		}

		// The released task is claimable again.
		re, err := s.ClaimNext(ctx, "q", "w2")
		if err != nil || re == nil {
			t.Fatalf("reclaim = %v, %v", re, err)
		}
		if re.ID != "t1" || re.WorkerID != "w2" {
			t.Errorf("reclaim = %s by %q", re.ID, re.WorkerID)
		}
	})
}

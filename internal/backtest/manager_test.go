package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ndrandal/kline-engine/internal/bus"
)

func TestCreateTaskRunsToCompletion(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 10, time.Hour, 2)

	done := make(chan struct{})
	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) {
		report(50)
		close(done)
		return "ok", nil
	}
	if err := m.CreateTask(context.Background(), "t1", nil, fn); err != nil {
		t.Fatalf("create task: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task did not run")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		task, ok := m.GetTask("t1")
		if ok && task.Status == StatusCompleted {
			if task.Results != "ok" {
				t.Fatalf("expected results 'ok', got %v", task.Results)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached completed status")
}

func TestCreateTaskRecordsFailure(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 10, time.Hour, 2)

	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) {
		return nil, errors.New("boom")
	}
	if err := m.CreateTask(context.Background(), "t1", nil, fn); err != nil {
		t.Fatalf("create task: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		task, ok := m.GetTask("t1")
		if ok && task.Status == StatusFailed {
			if task.Error != "boom" {
				t.Fatalf("expected error 'boom', got %q", task.Error)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task never reached failed status")
}

func TestCreateTaskRejectsDuplicateID(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 10, time.Hour, 2)

	block := make(chan struct{})
	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) {
		<-block
		return nil, nil
	}
	defer close(block)

	if err := m.CreateTask(context.Background(), "t1", nil, fn); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := m.CreateTask(context.Background(), "t1", nil, fn); err == nil {
		t.Fatalf("expected an error creating a duplicate task id")
	}
}

func TestManagerCapsConcurrency(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 10, time.Hour, 1)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}

	m.CreateTask(context.Background(), "a", nil, fn)
	m.CreateTask(context.Background(), "b", nil, fn)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("expected the first task to start")
	}

	select {
	case <-started:
		t.Fatalf("expected the second task to wait for the concurrency slot")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
}

func TestUpdateProgressOnlyPublishesOnChange(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 10, time.Hour, 2)

	block := make(chan struct{})
	started := make(chan struct{})
	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) {
		close(started)
		<-block
		return nil, nil
	}

	// Subscribe before the task is created, so the subscription is in
	// place before the task's goroutine publishes "running" and doesn't
	// race the first update.
	sub, err := m.Subscribe(context.Background(), "t1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	m.CreateTask(context.Background(), "t1", nil, fn)
	<-started

	// drain the initial "running" update
	<-sub.C()

	m.UpdateProgress("t1", 10)
	msg := <-sub.C()
	var upd Update
	if err := json.Unmarshal(msg.Payload, &upd); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if upd.Progress != 10 {
		t.Fatalf("expected progress 10, got %d", upd.Progress)
	}

	m.UpdateProgress("t1", 10) // no change, should not publish again
	select {
	case <-sub.C():
		t.Fatalf("expected no update for an unchanged progress value")
	case <-time.After(100 * time.Millisecond):
	}

	close(block)
}

func TestEvictsOldestTaskWhenOverCapacity(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 2, time.Hour, 2)

	block := make(chan struct{})
	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) { <-block; return nil, nil }
	defer close(block)

	m.CreateTask(context.Background(), "a", nil, fn)
	m.CreateTask(context.Background(), "b", nil, fn)
	m.CreateTask(context.Background(), "c", nil, fn)

	if _, ok := m.GetTask("a"); ok {
		t.Fatalf("expected the oldest task to be evicted once maxTasks was exceeded")
	}
	if _, ok := m.GetTask("c"); !ok {
		t.Fatalf("expected the newest task to remain")
	}
}

func TestEvictsExpiredTasksByTTL(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 10, time.Minute, 2)
	clock := time.Now()
	m.now = func() time.Time { return clock }

	block := make(chan struct{})
	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) { <-block; return nil, nil }
	defer close(block)

	m.CreateTask(context.Background(), "a", nil, fn)
	clock = clock.Add(2 * time.Minute)

	if _, ok := m.GetTask("a"); ok {
		t.Fatalf("expected task past its TTL to be evicted")
	}
}

func TestCleanupOlderThanRemovesOldCompletedTasks(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewManager("test", b, 10, time.Hour, 2)
	clock := time.Now()
	m.now = func() time.Time { return clock }

	fn := func(ctx context.Context, report ReportFunc) (interface{}, error) { return "done", nil }
	m.CreateTask(context.Background(), "t1", nil, fn)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task, ok := m.GetTask("t1"); ok && task.Status == StatusCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	clock = clock.Add(2 * time.Hour)
	removed := m.CleanupOlderThan(30 * time.Minute)
	if len(removed) != 1 || removed[0].ID != "t1" {
		t.Fatalf("expected t1 to be returned as removed, got %+v", removed)
	}
	if _, ok := m.GetTask("t1"); ok {
		t.Fatalf("expected t1 to be gone after cleanup")
	}
}

func TestStatsReportsConcurrencyBound(t *testing.T) {
	b := bus.NewLocalBus(16)
	defer b.Close()
	m := NewBacktestManager(b)
	stats := m.Stats()
	if stats.MaxConcurrent != BacktestMaxConcurrent {
		t.Fatalf("expected max concurrent %d, got %d", BacktestMaxConcurrent, stats.MaxConcurrent)
	}
}

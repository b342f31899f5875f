package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestSupervisorShutdownOrder reproduces the named scenario: tasks
// T_net(100), T_solidifier(50), T_ledger(10) must receive their cancel
// signal in strictly descending priority order.
func TestSupervisorShutdownOrder(t *testing.T) {
	s := NewSupervisor(nil)

	var mu sync.Mutex
	var order []string

	register := func(name string, priority uint8) {
		s.Register(name, priority, func(ctx context.Context) error {
			<-ctx.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	register("T_ledger", 10)
	register("T_net", 100)
	register("T_solidifier", 50)

	s.Run(context.Background())
	time.Sleep(10 * time.Millisecond) // let goroutines reach ctx.Done() select

	health := s.Shutdown()
	if health != StoreHealthy {
		t.Fatalf("expected StoreHealthy, got %v", health)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 tasks to report, got %d: %v", len(order), order)
	}
	want := []string{"T_net", "T_solidifier", "T_ledger"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("shutdown order = %v, want %v", order, want)
		}
	}
}

// TestSupervisorAbandonsSlowTask verifies a task that ignores
// cancellation is logged and abandoned rather than blocking shutdown
// forever.
func TestSupervisorAbandonsSlowTask(t *testing.T) {
	s := NewSupervisor(nil)

	s.Register("stuck", 100, func(ctx context.Context) error {
		<-make(chan struct{}) // never returns
		return nil
	})
	s.Register("fast", 50, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	s.Run(context.Background())
	time.Sleep(10 * time.Millisecond)

	done := make(chan StoreHealth, 1)
	go func() { done <- s.Shutdown() }()

	select {
	case <-done:
	case <-time.After(shutdownBudget + 2*time.Second):
		t.Fatal("Shutdown did not return within the shutdown budget plus slack")
	}
}

// TestSupervisorStoreUnhealthy verifies a task returning
// ErrStoreUnhealthy flips Health() to StoreUnhealthy.
func TestSupervisorStoreUnhealthy(t *testing.T) {
	s := NewSupervisor(nil)
	s.Register("store-task", 10, func(ctx context.Context) error {
		<-ctx.Done()
		return ErrStoreUnhealthy
	})

	s.Run(context.Background())
	time.Sleep(10 * time.Millisecond)

	if got := s.Shutdown(); got != StoreUnhealthy {
		t.Fatalf("expected StoreUnhealthy, got %v", got)
	}
	if got := s.Health(); got != StoreUnhealthy {
		t.Fatalf("Health() = %v, want StoreUnhealthy", got)
	}
}

func TestGroupByPriorityDesc(t *testing.T) {
	tasks := []*task{
		{name: "a", priority: 10},
		{name: "b", priority: 100},
		{name: "c", priority: 50},
		{name: "d", priority: 100},
	}
	groups := groupByPriorityDesc(tasks)
	if len(groups) != 3 {
		t.Fatalf("expected 3 priority groups, got %d", len(groups))
	}
	if groups[0][0].priority != 100 || len(groups[0]) != 2 {
		t.Fatalf("first group should hold both priority-100 tasks, got %+v", groups[0])
	}
	if groups[1][0].priority != 50 {
		t.Fatalf("second group should be priority 50, got %+v", groups[1])
	}
	if groups[2][0].priority != 10 {
		t.Fatalf("third group should be priority 10, got %+v", groups[2])
	}
}

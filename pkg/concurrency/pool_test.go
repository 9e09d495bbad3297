package concurrency

import (
	"sync/atomic"
	"testing"

	"mm_backtest/internal/core"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestWorkerPoolRunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "TestPool",
		MaxWorkers:  4,
		MaxCapacity: 100,
	}, &noopLogger{})

	var counter int64
	for i := 0; i < 50; i++ {
		pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
	pool.StopAndWait()

	if got := atomic.LoadInt64(&counter); got != 50 {
		t.Errorf("Expected 50 tasks to run, got %d", got)
	}
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "PanicPool",
		MaxWorkers:  2,
		MaxCapacity: 10,
	}, &noopLogger{})

	var after int64
	pool.Submit(func() { panic("tick file corrupt") })
	pool.Submit(func() { atomic.AddInt64(&after, 1) })
	pool.StopAndWait()

	if atomic.LoadInt64(&after) != 1 {
		t.Error("Expected pool to keep running after a task panic")
	}
}

func TestWorkerPoolStats(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "StatsPool", MaxWorkers: 2}, &noopLogger{})

	for i := 0; i < 5; i++ {
		pool.Submit(func() {})
	}
	pool.StopAndWait()

	stats := pool.Stats()
	if stats["submitted_tasks"].(uint64) != 5 {
		t.Errorf("Expected 5 submitted tasks, got %v", stats["submitted_tasks"])
	}
}

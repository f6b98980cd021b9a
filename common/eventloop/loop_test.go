package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/op/go-logging"
)

var testLog = logging.MustGetLogger("eventloop-test")

func TestDeferOrder(t *testing.T) {
	l := New(testLog)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.Defer(func() { order = append(order, i) })
	}
	l.Poll()
	if len(order) != 5 {
		t.Fatal("not all tasks ran")
	}
	for i, v := range order {
		if v != i {
			t.Fatal("tasks ran out of order", order)
		}
	}
}

func TestNestedDeferRunsAfterQueued(t *testing.T) {
	l := New(testLog)
	var order []string
	l.Defer(func() {
		order = append(order, "a")
		l.Defer(func() { order = append(order, "c") })
	})
	l.Defer(func() { order = append(order, "b") })
	l.Poll()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatal("unexpected order", order)
	}
}

func TestPostFromOtherGoroutine(t *testing.T) {
	l := New(testLog)
	ran := false
	go func() {
		<-time.After(10 * time.Millisecond)
		l.Post(func() { ran = true })
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.RunUntil(ctx, func() bool { return ran }); err != nil {
		t.Fatal(err)
	}
}

func TestRunUntilContextDone(t *testing.T) {
	l := New(testLog)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); err != context.DeadlineExceeded {
		t.Fatal("expected deadline, got", err)
	}
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	l := New(testLog)
	ran := false
	l.Defer(func() { panic("task failure") })
	l.Defer(func() { ran = true })
	l.Poll()
	if !ran {
		t.Fatal("loop stopped after a panicking task")
	}
}

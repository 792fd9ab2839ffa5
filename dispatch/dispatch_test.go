package dispatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestQueueFor(t *testing.T) {
	tests := []struct {
		priority, threshold int
		want                string
	}{
		{0, 5, QueueDefault},
		{4, 5, QueueDefault},
		{5, 5, QueueHigh},
		{9, 5, QueueHigh},
		{3, 3, QueueHigh},
		{5, 0, QueueHigh},
		{4, 0, QueueDefault},
	}
	for _, tc := range tests {
		if got := QueueFor(tc.priority, tc.threshold); got != tc.want {
			t.Fatalf("QueueFor(%d, %d) = %q, want %q", tc.priority, tc.threshold, got, tc.want)
		}
	}
}

func TestDecodeTask(t *testing.T) {
	task := NewTask("abc", 7, DefaultThreshold)
	body, err := task.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if got != task || got.Queue != QueueHigh {
		t.Fatalf("DecodeTask() = %+v, want %+v", got, task)
	}

	got, err = DecodeTask([]byte(`{"job_id":"x","priority":1}`))
	if err != nil || got.Queue != QueueDefault {
		t.Fatalf("DecodeTask(no queue) = (%+v, %v)", got, err)
	}

	for _, bad := range []string{`not json`, `{"priority":3}`, `{"job_id":"  "}`} {
		if _, err := DecodeTask([]byte(bad)); !errors.Is(err, ErrMalformedTask) {
			t.Fatalf("DecodeTask(%q) error = %v, want ErrMalformedTask", bad, err)
		}
	}
}

func TestInlineRunsTasks(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	var failures []string

	d := NewInline(context.Background(), 2, func(ctx context.Context, task Task) error {
		mu.Lock()
		seen[task.JobID] = true
		mu.Unlock()
		if task.JobID == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	d.OnError = func(format string, args ...any) {
		mu.Lock()
		failures = append(failures, format)
		mu.Unlock()
	}

	// The request context ending must not stop the task.
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, id := range []string{"a", "b", "bad"} {
		if err := d.Dispatch(reqCtx, Task{JobID: id}); err != nil {
			t.Fatalf("Dispatch(%s): %v", id, err)
		}
	}
	d.Wait()

	if len(seen) != 3 || len(failures) != 1 {
		t.Fatalf("seen=%v failures=%v", seen, failures)
	}
	if err := d.Dispatch(context.Background(), Task{}); !errors.Is(err, ErrMalformedTask) {
		t.Fatalf("Dispatch(empty) error = %v", err)
	}
}

func TestInlineBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	d := NewInline(context.Background(), 2, func(ctx context.Context, task Task) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})
	for range 8 {
		_ = d.Dispatch(context.Background(), Task{JobID: "j"})
	}
	d.Wait()
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestAMQPRoundTrip(t *testing.T) {
	url := os.Getenv("LOKITD_TEST_AMQP")
	if url == "" {
		t.Skip("LOKITD_TEST_AMQP not set")
	}
	conn, err := Dial(url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	exchange := "lokitd-test"
	pub, err := NewPublisher(conn, exchange)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer pub.Close()

	got := make(chan Task, 1)
	cons, err := NewConsumer(conn, exchange, 1, func(ctx context.Context, task Task) error {
		if task.JobID == "round-trip" {
			got <- task
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer cons.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go cons.Start(ctx)

	if err := pub.Dispatch(ctx, NewTask("round-trip", 8, DefaultThreshold)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case task := <-got:
		if task.Queue != QueueHigh {
			t.Fatalf("task routed to %q, want %q", task.Queue, QueueHigh)
		}
	case <-ctx.Done():
		t.Fatal("task was not consumed")
	}
}

package broker

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pipeline/internal/testutil/testlog"
	"github.com/danmuck/pipeline/internal/tools"
)

type laneHandle struct{ dir string }

func (h *laneHandle) Alive() bool                { return true }
func (h *laneHandle) Deliver(frame []byte) error { return nil }
func (h *laneHandle) WorkDir() string            { return h.dir }

type recordingRunner struct {
	delay time.Duration

	mu        sync.Mutex
	active    int
	maxActive int
	order     []string
	dirs      []string
}

func (r *recordingRunner) Run(ctx context.Context, req tools.Request) tools.Result {
	r.mu.Lock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	r.order = append(r.order, req.Command)
	r.dirs = append(r.dirs, req.Dir)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	select {
	case <-time.After(r.delay):
		return tools.Result{ExitCode: 0, Stdout: []byte(req.Command)}
	case <-ctx.Done():
		return tools.Result{ExitCode: tools.ExitAborted, Failed: true, Detail: ctx.Err().Error()}
	}
}

func (r *recordingRunner) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive, append([]string(nil), r.order...)
}

func submitAll(t *testing.T, e *Executor, h *laneHandle, cmds ...string) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	for _, cmd := range cmds {
		wg.Add(1)
		err := e.Submit(h, CommandRequest{ID: cmd, Command: cmd, Dir: h.dir}, func(CommandResult) {
			wg.Done()
		})
		if err != nil {
			t.Fatalf("submit %s: %v", cmd, err)
		}
	}
	return &wg
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("commands did not complete")
	}
}

func TestExecutorSerialRunsOneAtATimePerTargetInOrder(t *testing.T) {
	testlog.Start(t)
	runner := &recordingRunner{delay: 20 * time.Millisecond}
	e := NewExecutor(Config{ExecPolicy: PolicySerial}, runner, testlog.Logger(t, "executor"))
	defer e.Close()

	wg := submitAll(t, e, &laneHandle{dir: "/a"}, "one", "two", "three")
	waitGroup(t, wg)

	maxActive, order := runner.snapshot()
	if maxActive != 1 {
		t.Fatalf("serial lane ran %d commands at once", maxActive)
	}
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order got=%v want=%v", order, want)
	}
	e.mu.Lock()
	lanes := len(e.lanes)
	e.mu.Unlock()
	if lanes != 0 {
		t.Fatalf("idle lanes left behind: %d", lanes)
	}
}

func TestExecutorSerialTargetsRunIndependently(t *testing.T) {
	testlog.Start(t)
	runner := &recordingRunner{delay: 200 * time.Millisecond}
	e := NewExecutor(Config{ExecPolicy: PolicySerial}, runner, testlog.Logger(t, "executor"))
	defer e.Close()

	a := submitAll(t, e, &laneHandle{dir: "/a"}, "a1")
	b := submitAll(t, e, &laneHandle{dir: "/b"}, "b1")
	waitGroup(t, a)
	waitGroup(t, b)
	if maxActive, _ := runner.snapshot(); maxActive != 2 {
		t.Fatalf("separate targets should overlap, max active=%d", maxActive)
	}
}

func TestExecutorConcurrentPolicy(t *testing.T) {
	testlog.Start(t)
	runner := &recordingRunner{delay: 200 * time.Millisecond}
	e := NewExecutor(Config{ExecPolicy: PolicyConcurrent}, runner, testlog.Logger(t, "executor"))
	defer e.Close()

	wg := submitAll(t, e, &laneHandle{dir: "/a"}, "one", "two", "three")
	waitGroup(t, wg)
	if maxActive, _ := runner.snapshot(); maxActive != 3 {
		t.Fatalf("concurrent policy max active=%d want 3", maxActive)
	}
}

func TestExecutorPassesTargetDir(t *testing.T) {
	testlog.Start(t)
	runner := &recordingRunner{}
	e := NewExecutor(Config{}, runner, testlog.Logger(t, "executor"))
	defer e.Close()

	waitGroup(t, submitAll(t, e, &laneHandle{dir: "/srv/work"}, "pwd"))
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.dirs) != 1 || runner.dirs[0] != "/srv/work" {
		t.Fatalf("unexpected dirs: %v", runner.dirs)
	}
}

func TestExecutorCloseAbortsAndReportsEveryCommand(t *testing.T) {
	testlog.Start(t)
	runner := &recordingRunner{delay: time.Minute}
	e := NewExecutor(Config{}, runner, testlog.Logger(t, "executor"))

	var mu sync.Mutex
	var results []CommandResult
	h := &laneHandle{}
	for _, cmd := range []string{"running", "queued"} {
		err := e.Submit(h, CommandRequest{ID: cmd, Command: cmd}, func(res CommandResult) {
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if !res.Failed || res.ExitCode != tools.ExitAborted {
			t.Fatalf("expected aborted result, got %+v", res)
		}
	}
	if err := e.Submit(h, CommandRequest{ID: "late"}, nil); err != ErrExecutorClosed {
		t.Fatalf("expected ErrExecutorClosed, got %v", err)
	}
}

package registry

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danmuck/pipeline/internal/testutil/testlog"
)

type fakeHandle struct {
	dead atomic.Bool
	dir  string
}

func (f *fakeHandle) Alive() bool                { return !f.dead.Load() }
func (f *fakeHandle) Deliver(frame []byte) error { return nil }
func (f *fakeHandle) WorkDir() string            { return f.dir }

func TestRegisterLookupAndConflict(t *testing.T) {
	testlog.Start(t)
	r := New()
	a := &fakeHandle{dir: "/tmp"}
	if err := r.Register("main", a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("main", &fakeHandle{}); !errors.Is(err, ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
	got, err := r.Lookup("main")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.WorkDir() != "/tmp" {
		t.Fatalf("unexpected handle: %+v", got)
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	testlog.Start(t)
	r := New()
	const n = 32
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := r.Register("shared", &fakeHandle{})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrNameConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
}

func TestUnregisterIdempotentAndReregister(t *testing.T) {
	testlog.Start(t)
	r := New()
	a := &fakeHandle{}
	if err := r.Register("main", a); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Unregister("main")
	r.Unregister("main")
	r.Unregister("never")
	if len(r.List()) != 0 {
		t.Fatalf("expected empty list, got %v", r.List())
	}
	if err := r.Register("main", &fakeHandle{}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}

func TestUnregisterIfKeepsNewerBinding(t *testing.T) {
	testlog.Start(t)
	r := New()
	old := &fakeHandle{}
	if err := r.Register("main", old); err != nil {
		t.Fatalf("register: %v", err)
	}
	old.dead.Store(true)
	fresh := &fakeHandle{}
	if err := r.Register("main", fresh); err != nil {
		t.Fatalf("register over stale entry: %v", err)
	}
	if r.UnregisterIf("main", old) {
		t.Fatalf("stale handle removed newer binding")
	}
	got, err := r.Lookup("main")
	if err != nil || got != Handle(fresh) {
		t.Fatalf("lookup after stale unregister: handle=%v err=%v", got, err)
	}
	if !r.UnregisterIf("main", fresh) {
		t.Fatalf("expected removal of current binding")
	}
}

func TestListSortedAndSkipsDead(t *testing.T) {
	testlog.Start(t)
	r := New()
	dead := &fakeHandle{}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(name, &fakeHandle{}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := r.Register("gone", dead); err != nil {
		t.Fatalf("register gone: %v", err)
	}
	dead.dead.Store(true)
	want := []string{"alpha", "mid", "zeta"}
	if got := r.List(); !reflect.DeepEqual(got, want) {
		t.Fatalf("list got=%v want=%v", got, want)
	}
	if _, err := r.Lookup("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected dead handle to be unresolvable, got %v", err)
	}
}

func TestValidateNameFailures(t *testing.T) {
	testlog.Start(t)
	cases := []string{"", "has space", "tab\tname", "new\nline", string(make([]byte, MaxNameLen+1))}
	for _, name := range cases {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
	if err := ValidateName("build-1.main"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
}

func TestClearReturnsHandles(t *testing.T) {
	testlog.Start(t)
	r := New()
	_ = r.Register("a", &fakeHandle{})
	_ = r.Register("b", &fakeHandle{})
	if got := r.Clear(); len(got) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(got))
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty after clear")
	}
}

func TestRegisterNilHandle(t *testing.T) {
	testlog.Start(t)
	if err := New().Register("main", nil); !errors.Is(err, ErrNilHandle) {
		t.Fatalf("expected ErrNilHandle, got %v", err)
	}
}

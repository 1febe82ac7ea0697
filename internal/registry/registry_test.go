package registry

import (
	"errors"
	"testing"
)

type fakeComponent struct {
	name string
	err  error
	log  *[]string
}

func (f fakeComponent) Shutdown() error {
	*f.log = append(*f.log, f.name)
	return f.err
}

func TestShutdownAllDrainsInReverseOrder(t *testing.T) {
	var log []string
	r := New()
	r.Register(fakeComponent{name: "first", log: &log})
	r.Register(fakeComponent{name: "second", log: &log})
	r.Register(fakeComponent{name: "third", log: &log})

	if errs := r.ShutdownAll(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	want := []string{"third", "second", "first"}
	if len(log) != len(want) {
		t.Fatalf("got %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("got %v, want %v", log, want)
		}
	}
}

func TestShutdownAllCollectsAllErrors(t *testing.T) {
	var log []string
	r := New()
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	r.Register(fakeComponent{name: "a", err: errA, log: &log})
	r.Register(fakeComponent{name: "b", err: errB, log: &log})
	r.Register(fakeComponent{name: "c", log: &log})

	errs := r.ShutdownAll()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors collected, got %v", errs)
	}
	if len(log) != 3 {
		t.Fatalf("expected all 3 components to be drained despite errors, got %v", log)
	}
}

func TestShutdownAllOnEmptyRegistry(t *testing.T) {
	r := New()
	if errs := r.ShutdownAll(); len(errs) != 0 {
		t.Fatalf("expected no errors from an empty registry, got %v", errs)
	}
}

package clock

import (
	"context"
	"errors"
	"testing"
)

func TestManualMonotonic(t *testing.T) {
	m := NewManual(10)
	m.Set(5)
	if v, _ := m.CurrentVersion(context.Background()); v != 10 {
		t.Fatalf("version moved backwards: %d", v)
	}
	if got := m.Advance(3); got != 13 {
		t.Fatalf("Advance=%d want 13", got)
	}
}

func TestManualNotifies(t *testing.T) {
	m := NewManual(0)
	var seen []uint64
	off := m.OnVersionChange(func(v uint64) { seen = append(seen, v) })
	m.Set(1)
	m.Set(1) // no change, no push
	m.Advance(2)
	off()
	m.Set(9)
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Fatalf("pushes=%v want [1 3]", seen)
	}
}

func TestManualError(t *testing.T) {
	m := NewManual(4)
	boom := errors.New("rpc down")
	m.SetError(boom)
	if _, err := m.CurrentVersion(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	m.SetError(nil)
	if v, err := m.CurrentVersion(context.Background()); err != nil || v != 4 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

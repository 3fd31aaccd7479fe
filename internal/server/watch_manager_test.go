package server

import (
	"context"
	"testing"
)

func TestWatchManager_AddRemove(t *testing.T) {
	wm := NewWatchManager()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remove := wm.Add("run-1", cancel)

	if got := wm.Count("run-1"); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	remove()
	if got := wm.Count("run-1"); got != 0 {
		t.Errorf("Count after remove = %d, want 0", got)
	}
	if ctx.Err() != nil {
		t.Error("removing a watcher must not cancel it")
	}
}

func TestWatchManager_Remove(t *testing.T) {
	wm := NewWatchManager()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	wm.Add("run-1", cancel1)
	wm.Add("run-1", cancel2)
	wm.Add("run-2", cancel3)

	wm.Remove("run-1")

	if ctx1.Err() == nil || ctx2.Err() == nil {
		t.Error("expected run-1 watchers to be cancelled")
	}
	if ctx3.Err() != nil {
		t.Error("run-2 watcher should still be live")
	}
	if wm.Count("run-1") != 0 || wm.Count("run-2") != 1 {
		t.Errorf("counts = %d/%d, want 0/1", wm.Count("run-1"), wm.Count("run-2"))
	}
}

func TestWatchManager_CloseAll(t *testing.T) {
	wm := NewWatchManager()

	var ctxs []context.Context
	for _, id := range []string{"a", "b", "c"} {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, ctx)
		wm.Add(id, cancel)
	}

	wm.CloseAll()

	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("watcher %d not cancelled", i)
		}
	}
	if wm.Count("a") != 0 {
		t.Error("expected all watchers to be cleared")
	}
}

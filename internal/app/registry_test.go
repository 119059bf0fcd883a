package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type failingPool struct{ err error }

func (p failingPool) NextWorker() core.Worker { return p }

func (p failingPool) CreateRouter(context.Context, []core.RtpCodecCapability) (core.Router, error) {
	return nil, p.err
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(newTestPool(t), testRoomOptions(&fakeThrottler{}))
	t.Cleanup(reg.CloseAll)
	return reg
}

func TestRegistrySharesRoom(t *testing.T) {
	reg := newTestRegistry(t)

	var wg sync.WaitGroup
	rooms := make([]*Room, 8)
	for i := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := reg.GetOrCreate(context.Background(), "shared")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			rooms[i] = r
		}()
	}
	wg.Wait()

	for _, r := range rooms {
		if r != rooms[0] {
			t.Fatal("concurrent callers should share one room")
		}
	}
	if got, ok := reg.Get("shared"); !ok || got != rooms[0] {
		t.Fatal("Get should return the created room")
	}
}

func TestRegistryRecreatesClosedRoom(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	a := newFakeChannel("a")
	first, err := reg.Admit(ctx, "r1", a)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	a.Close()
	if !first.Closed() {
		t.Fatal("room should close with its last peer")
	}
	if _, ok := reg.Get("r1"); ok {
		t.Fatal("closed room should be removed from the registry")
	}

	second, err := reg.Admit(ctx, "r1", newFakeChannel("b"))
	if err != nil {
		t.Fatalf("Admit after close: %v", err)
	}
	if second == first {
		t.Fatal("a fresh room should be created")
	}
}

func TestRegistryList(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []domain.RoomID{"zeta", "alpha", "mid"} {
		if _, err := reg.Admit(ctx, id, newFakeChannel("p-"+domain.PeerID(id))); err != nil {
			t.Fatalf("Admit %s: %v", id, err)
		}
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(list))
	}
	for i, want := range []domain.RoomID{"alpha", "mid", "zeta"} {
		if list[i].ID != want || list[i].PeerCount != 1 {
			t.Fatalf("entry %d: got %+v", i, list[i])
		}
	}

	reg.CloseAll()
	if n := len(reg.List()); n != 0 {
		t.Fatalf("CloseAll should empty the registry, got %d rooms", n)
	}
}

func TestRegistryCreateFailure(t *testing.T) {
	boom := errors.New("worker died")
	reg := NewRegistry(failingPool{err: boom}, testRoomOptions(nil))

	if _, err := reg.GetOrCreate(context.Background(), "r"); !errors.Is(err, boom) {
		t.Fatalf("expected worker error, got %v", err)
	}
	if _, ok := reg.Get("r"); ok {
		t.Fatal("failed room must not stay registered")
	}
	if _, err := reg.Admit(context.Background(), "r", newFakeChannel("a")); !errors.Is(err, boom) {
		t.Fatalf("Admit should surface the error, got %v", err)
	}
}

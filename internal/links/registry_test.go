package links

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/testutil/testlog"
)

const (
	actorA    identity.ID = "MACTOR"
	provider1 identity.ID = "VPROVIDER1"
	provider2 identity.ID = "VPROVIDER2"
	keyvalue              = "wasmcloud:keyvalue"
)

func def(target identity.ID, cfg map[string]string) Definition {
	return Definition{Source: actorA, Target: target, Contract: keyvalue, Config: cfg}
}

func TestPutThenResolveUsesDefaultLinkName(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if _, changed, err := r.Put(def(provider1, map[string]string{"URL": "redis://a"})); err != nil || !changed {
		t.Fatalf("put: changed=%v err=%v", changed, err)
	}
	got, ok := r.Resolve(actorA, keyvalue, "")
	if !ok {
		t.Fatalf("expected link")
	}
	if got.Target != provider1 || got.LinkName != DefaultLinkName || got.Config["URL"] != "redis://a" {
		t.Fatalf("unexpected definition: %+v", got)
	}
	if _, ok := r.Resolve(actorA, keyvalue, "secondary"); ok {
		t.Fatalf("different link name must not resolve")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	first, _, err := r.Put(def(provider1, nil))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	again, changed, err := r.Put(def(provider1, map[string]string{}))
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if changed || again.Generation != first.Generation || r.Generation() != 1 {
		t.Fatalf("duplicate put changed state: first=%+v again=%+v gen=%d", first, again, r.Generation())
	}
}

func TestLaterPutSupersedes(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if _, _, err := r.Put(def(provider1, nil)); err != nil {
		t.Fatalf("put p1: %v", err)
	}
	if _, _, err := r.Put(def(provider2, nil)); err != nil {
		t.Fatalf("put p2: %v", err)
	}
	got, ok := r.Resolve(actorA, keyvalue, DefaultLinkName)
	if !ok || got.Target != provider2 {
		t.Fatalf("expected p2, got %+v ok=%v", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one entry, got %d", r.Len())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if _, _, err := r.Put(def(provider1, nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := r.Remove(actorA, keyvalue, ""); !ok {
		t.Fatalf("expected removal")
	}
	if _, ok := r.Remove(actorA, keyvalue, ""); ok {
		t.Fatalf("second removal must be a no-op")
	}
	if _, ok := r.Resolve(actorA, keyvalue, ""); ok {
		t.Fatalf("removed link still resolves")
	}
}

func TestWithdrawHidesWithoutDeleting(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if _, _, err := r.Put(def(provider1, nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !r.Withdraw(provider1) || r.Withdraw(provider1) {
		t.Fatalf("withdraw should report the first transition only")
	}
	if _, ok := r.Resolve(actorA, keyvalue, ""); ok {
		t.Fatalf("withdrawn target must not resolve")
	}
	if _, ok := r.Lookup(actorA, keyvalue, ""); !ok {
		t.Fatalf("withdrawn definition must be kept")
	}
	if len(r.ForTarget(provider1)) != 1 {
		t.Fatalf("ForTarget should still list withdrawn definitions")
	}
	if !r.Restore(provider1) {
		t.Fatalf("restore should report a transition")
	}
	if _, ok := r.Resolve(actorA, keyvalue, ""); !ok {
		t.Fatalf("restored target must resolve")
	}
}

func TestPutRejectsInvalidDefinitions(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cases := []Definition{
		{Source: "", Target: provider1, Contract: keyvalue},
		{Source: actorA, Target: "", Contract: keyvalue},
		{Source: actorA, Target: provider1, Contract: "keyvalue"},
		{Source: actorA, Target: provider1, Contract: "Wasmcloud:KV"},
		{Source: actorA, Target: provider1, Contract: keyvalue, LinkName: "bad name"},
	}
	for _, d := range cases {
		if _, _, err := r.Put(d); !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("expected ErrInvalidDefinition for %+v, got %v", d, err)
		}
	}
}

func TestAllIsSortedAndCallerCannotMutate(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cfg := map[string]string{"k": "v"}
	if _, _, err := r.Put(Definition{Source: "MB", Target: provider1, Contract: keyvalue, Config: cfg}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := r.Put(Definition{Source: "MA", Target: provider1, Contract: "wasmcloud:blobstore"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	cfg["k"] = "mutated"

	all := r.All()
	if len(all) != 2 || all[0].Source != "MA" || all[1].Source != "MB" {
		t.Fatalf("unexpected order: %+v", all)
	}
	got, _ := r.Resolve("MB", keyvalue, "")
	if got.Config["k"] != "v" {
		t.Fatalf("registry shares caller's config map: %+v", got.Config)
	}

	got.Config["k"] = "resolved"
	all[1].Config["k"] = "listed"
	entry, _ := r.Lookup("MB", keyvalue, "")
	entry.Config["k"] = "looked-up"
	again, _ := r.Resolve("MB", keyvalue, "")
	if again.Config["k"] != "v" {
		t.Fatalf("readers share the stored config map: %+v", again.Config)
	}
}

func TestConcurrentReadersSeeWholeUpdates(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if _, _, err := r.Put(def(provider1, map[string]string{"v": "1"})); err != nil {
		t.Fatalf("put: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, ok := r.Resolve(actorA, keyvalue, "")
				if !ok {
					continue
				}
				if (got.Target == provider1) != (got.Config["v"] == "1") {
					t.Errorf("torn read: %+v", got)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			_, _, _ = r.Put(def(provider2, map[string]string{"v": "2"}))
		} else {
			_, _, _ = r.Put(def(provider1, map[string]string{"v": "1"}))
		}
	}
	close(stop)
	wg.Wait()
}

func TestValidContractID(t *testing.T) {
	for id, want := range map[string]bool{
		"wasmcloud:keyvalue":   true,
		"wasmcloud:httpserver": true,
		"acme.io:blob-store":   true,
		"keyvalue":             false,
		"a:b:c":                false,
		":keyvalue":            false,
		"wasmcloud:":           false,
	} {
		if got := ValidContractID(id); got != want {
			t.Fatalf("ValidContractID(%q)=%v want %v", id, got, want)
		}
	}
}

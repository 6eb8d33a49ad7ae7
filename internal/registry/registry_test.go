package registry

import (
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identity struct {
	id   string
	name string
	pad  [64]byte
}

func newIdentityRegistry() *Registry[string, identity] {
	return New(func(v *identity) string { return v.id })
}

func TestIntern_FirstCandidateWins(t *testing.T) {
	r := newIdentityRegistry()

	a := &identity{id: "f1", name: "first"}
	b := &identity{id: "f1", name: "second"}

	got := r.Intern(a)
	assert.Same(t, a, got)

	got = r.Intern(b)
	assert.Same(t, a, got, "equal identity should collapse to the registered instance")
	assert.Equal(t, 1, r.Len())
}

func TestIntern_DistinctKeys(t *testing.T) {
	r := newIdentityRegistry()

	a := r.Intern(&identity{id: "f1"})
	b := r.Intern(&identity{id: "f2"})

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, a, r.Lookup("f1"))
	assert.Same(t, b, r.Lookup("f2"))
	assert.Nil(t, r.Lookup("missing"))
}

func TestIntern_Nil(t *testing.T) {
	r := newIdentityRegistry()
	assert.Nil(t, r.Intern(nil))
	assert.Equal(t, 0, r.Len())
}

func TestIntern_ConcurrentSingleWinner(t *testing.T) {
	r := newIdentityRegistry()

	const workers = 64

	results := make([]*identity, workers)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = r.Intern(&identity{id: "shared", name: strconv.Itoa(i)})
		}(i)
	}

	close(start)
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, results[0], results[i], "worker %d saw a different winner", i)
	}

	assert.Equal(t, 1, r.Len())
}

func TestIntern_ConcurrentManyKeys(t *testing.T) {
	r := newIdentityRegistry()

	const keys = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]*identity)
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for k := 0; k < keys; k++ {
				id := "k" + strconv.Itoa(k)
				got := r.Intern(&identity{id: id})

				mu.Lock()
				if prev, ok := seen[id]; ok {
					assert.Same(t, prev, got)
				} else {
					seen[id] = got
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, keys, r.Len())
	runtime.KeepAlive(seen)
}

func TestIntern_HeldReferenceSurvivesGC(t *testing.T) {
	r := newIdentityRegistry()

	held := r.Intern(&identity{id: "kept", name: "original"})

	for i := 0; i < 3; i++ {
		runtime.GC()
	}

	again := r.Intern(&identity{id: "kept", name: "replacement"})
	assert.Same(t, held, again)
	assert.Equal(t, "original", again.name)

	runtime.KeepAlive(held)
}

func TestIntern_UnreferencedSlotReclaimed(t *testing.T) {
	r := newIdentityRegistry()

	func() {
		r.Intern(&identity{id: "transient"})
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.slots() == 0
	}, 5*time.Second, 10*time.Millisecond, "collected instance should free its slot")

	fresh := &identity{id: "transient", name: "new"}
	assert.Same(t, fresh, r.Intern(fresh), "a new candidate takes over the reclaimed slot")
}

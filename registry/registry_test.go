package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	bridgeerrors "github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
)

type wrapper struct {
	h       handle.Handle
	dropped bool
}

func (w *wrapper) Drop() { w.dropped = true }

type otherWrapper struct{}

// fakeSlots is a user-data table keyed by handle. Destroying an object
// clears its slot the way the engine frees the native struct.
type fakeSlots struct {
	mu       sync.Mutex
	data     map[handle.Handle]uintptr
	invalid  map[handle.Handle]bool
	failRead map[handle.Handle]bool
}

func newFakeSlots() *fakeSlots {
	return &fakeSlots{
		data:     make(map[handle.Handle]uintptr),
		invalid:  make(map[handle.Handle]bool),
		failRead: make(map[handle.Handle]bool),
	}
}

func (s *fakeSlots) SetUserData(h handle.Handle, v uintptr) bridgeerrors.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[h] = v
	return bridgeerrors.OK
}

func (s *fakeSlots) UserData(h handle.Handle) (uintptr, bridgeerrors.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead[h] {
		return 0, bridgeerrors.ErrInvalidHandle
	}
	return s.data[h], bridgeerrors.OK
}

func (s *fakeSlots) IsValid(h handle.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.invalid[h]
}

func (s *fakeSlots) destroy(h handle.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, h)
}

func newRegistry(t *testing.T, slots *fakeSlots, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithChecker(NewUserDataChecker(slots)),
	}, opts...)
	return New(opts...)
}

func TestRegistry_IdentityStability(t *testing.T) {
	r := newRegistry(t, newFakeSlots())
	h := handle.New(handle.KindSound, 0x1000)

	calls := 0
	ctor := func() (*wrapper, error) {
		calls++
		return &wrapper{h: h}, nil
	}

	a, err := GetOrInsertAs(r, h, ctor)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GetOrInsertAs(r, h, ctor)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("second GetOrInsert returned a different wrapper")
	}
	if calls != 1 {
		t.Fatalf("constructor ran %d times", calls)
	}
	if !r.Contains(h) || r.Len() != 1 {
		t.Fatalf("Contains=%v Len=%d", r.Contains(h), r.Len())
	}
}

func TestRegistry_DistinctKindsSamePointer(t *testing.T) {
	r := New()
	sound := handle.New(handle.KindSound, 0x2000)
	dsp := handle.New(handle.KindDSP, 0x2000)

	a, _ := r.GetOrInsert(sound, func() (any, error) { return &wrapper{h: sound}, nil })
	b, _ := r.GetOrInsert(dsp, func() (any, error) { return &wrapper{h: dsp}, nil })
	if a == b {
		t.Fatal("handles of different kinds shared a wrapper")
	}
	if got := r.Snapshot(); got[handle.KindSound] != 1 || got[handle.KindDSP] != 1 {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestRegistry_ConcurrentGetOrInsert(t *testing.T) {
	r := New()
	h := handle.New(handle.KindChannelControl, 0x3000)

	var calls atomic.Int32
	const n = 32
	got := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = r.GetOrInsert(h, func() (any, error) {
				calls.Add(1)
				return &wrapper{h: h}, nil
			})
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("constructor ran %d times", calls.Load())
	}
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatal("racing callers observed different wrappers")
		}
	}
}

func TestRegistry_EvictionCorrectness(t *testing.T) {
	r := newRegistry(t, newFakeSlots())
	h := handle.New(handle.KindSound, 0x1000)

	first, _ := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })
	removed, err := r.Remove(h)
	if err != nil {
		t.Fatal(err)
	}
	if removed != first {
		t.Fatal("Remove returned a different wrapper")
	}
	if !first.dropped {
		t.Fatal("evicted wrapper was not dropped")
	}

	calls := 0
	second, err := GetOrInsertAs(r, h, func() (*wrapper, error) {
		calls++
		return &wrapper{h: h}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatal("constructor not invoked after eviction")
	}
	if second == first {
		t.Fatal("wrapper reused after eviction")
	}
}

func TestRegistry_RemoveWrapperAfterReuse(t *testing.T) {
	r := newRegistry(t, newFakeSlots())
	h := handle.New(handle.KindSound, 0x1000)

	stale, _ := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })
	if err := r.RemoveWrapper(h, stale); err != nil {
		t.Fatal(err)
	}
	fresh, _ := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })

	err := r.RemoveWrapper(h, stale)
	if !errors.Is(err, &bridgeerrors.Error{Phase: bridgeerrors.PhaseRegistry, Kind: bridgeerrors.KindNotFound}) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if got, _ := r.Lookup(h); got != fresh {
		t.Fatal("stale remove evicted the newer wrapper")
	}
	if fresh.dropped {
		t.Fatal("newer wrapper was dropped")
	}
}

func TestRegistry_ReuseBeforeSweep(t *testing.T) {
	slots := newFakeSlots()
	r := newRegistry(t, slots)
	h := handle.New(handle.KindChannelControl, 0x1000)

	var events []EventType
	r.Subscribe(ObserverFunc(func(e Event) { events = append(events, e.Type) }))

	old, _ := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })

	// the engine frees the channel and hands the pointer to a new one
	slots.destroy(h)

	fresh, err := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("recycled pointer aliased the old wrapper")
	}
	if !old.dropped || fresh.dropped {
		t.Fatalf("old dropped=%v fresh dropped=%v", old.dropped, fresh.dropped)
	}
	if st := r.Stats(); st.Swept != 1 || st.Inserted != 2 || st.Live != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	want := []EventType{EventInserted, EventSwept, EventInserted}
	if len(events) != len(want) {
		t.Fatalf("events %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events %v, want %v", events, want)
		}
	}

	again, _ := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })
	if again != fresh {
		t.Fatal("re-marked entry was not reused")
	}
}

func TestRegistry_AbsentHandle(t *testing.T) {
	r := New()
	h := handle.New(handle.KindSound, 0x4000)

	notFound := &bridgeerrors.Error{Phase: bridgeerrors.PhaseRegistry, Kind: bridgeerrors.KindNotFound}
	if _, err := r.Lookup(h); !errors.Is(err, notFound) {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := r.Remove(h); !errors.Is(err, notFound) {
		t.Fatalf("Remove: %v", err)
	}
	if r.MarkDestroyed(h) {
		t.Fatal("MarkDestroyed reported an absent handle as present")
	}
}

func TestRegistry_StrictPanics(t *testing.T) {
	r := New(WithStrict(true))
	h := handle.New(handle.KindSound, 0x4000)

	defer func() {
		v := recover()
		err, ok := v.(error)
		if !ok || !errors.Is(err, &bridgeerrors.Error{Phase: bridgeerrors.PhaseRegistry, Kind: bridgeerrors.KindNotFound}) {
			t.Fatalf("expected not_found panic, got %v", v)
		}
	}()
	_, _ = r.Remove(h)
	t.Fatal("Remove of absent handle did not panic")
}

func TestRegistry_TypeMismatch(t *testing.T) {
	r := New()
	h := handle.New(handle.KindDSP, 0x5000)
	if _, err := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil }); err != nil {
		t.Fatal(err)
	}

	_, err := GetOrInsertAs(r, h, func() (*otherWrapper, error) { return &otherWrapper{}, nil })
	if !errors.Is(err, &bridgeerrors.Error{Phase: bridgeerrors.PhaseRegistry, Kind: bridgeerrors.KindTypeMismatch}) {
		t.Fatalf("GetOrInsertAs: %v", err)
	}
	_, err = LookupAs[*otherWrapper](r, h)
	if !errors.Is(err, &bridgeerrors.Error{Phase: bridgeerrors.PhaseRegistry, Kind: bridgeerrors.KindTypeMismatch}) {
		t.Fatalf("LookupAs: %v", err)
	}
	if w, err := LookupAs[*wrapper](r, h); err != nil || w.h != h {
		t.Fatalf("LookupAs right type: (%v, %v)", w, err)
	}
}

func TestRegistry_ConstructorError(t *testing.T) {
	r := New()
	h := handle.New(handle.KindSound, 0x6000)
	boom := errors.New("boom")

	if _, err := r.GetOrInsert(h, func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected constructor error, got %v", err)
	}
	if r.Contains(h) {
		t.Fatal("failed constructor left an entry")
	}
	if _, err := r.GetOrInsert(handle.Handle{Kind: handle.KindSound}, func() (any, error) { return 1, nil }); err == nil {
		t.Fatal("nil handle registered")
	}
}

func TestRegistry_SweepCorrectness(t *testing.T) {
	slots := newFakeSlots()
	r := newRegistry(t, slots)

	live := handle.New(handle.KindSound, 0x1000)
	stale := handle.New(handle.KindSound, 0x1010)
	for _, h := range []handle.Handle{live, stale} {
		h := h
		if _, err := r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil }); err != nil {
			t.Fatal(err)
		}
	}
	if v, _ := slots.UserData(live); v != Sentinel {
		t.Fatalf("insert did not write the sentinel: %#x", v)
	}

	slots.destroy(stale)
	staleWrapper, _ := r.Lookup(stale)

	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep evicted %d entries, want 1", n)
	}
	if !r.Contains(live) {
		t.Fatal("live entry swept")
	}
	if r.Contains(stale) {
		t.Fatal("stale entry survived")
	}
	if !staleWrapper.(*wrapper).dropped {
		t.Fatal("swept wrapper was not dropped")
	}
}

func TestRegistry_SweepLivenessClasses(t *testing.T) {
	slots := newFakeSlots()
	r := newRegistry(t, slots)

	reused := handle.New(handle.KindDSP, 0x100)
	unreadable := handle.New(handle.KindGeometry, 0x200)
	studioLive := handle.New(handle.KindEventInstance, 0x300)
	studioDead := handle.New(handle.KindBank, 0x400)
	syncPoint := handle.New(handle.KindSyncPoint, 0x500)
	system := handle.New(handle.KindSystem, 0x600)

	all := []handle.Handle{reused, unreadable, studioLive, studioDead, syncPoint, system}
	for _, h := range all {
		h := h
		if _, err := r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil }); err != nil {
			t.Fatal(err)
		}
	}

	// pointer recycled for an object that stored its own user data
	slots.SetUserData(reused, 0x1234)
	slots.mu.Lock()
	slots.failRead[unreadable] = true
	slots.invalid[studioDead] = true
	// assumed-live kinds are never checked
	slots.invalid[syncPoint] = true
	slots.invalid[system] = true
	slots.mu.Unlock()

	var swept []handle.Handle
	r.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == EventSwept {
			swept = append(swept, e.Handle)
		}
	}))

	if n := r.Sweep(); n != 3 {
		t.Fatalf("Sweep evicted %d, want 3 (%v)", n, swept)
	}
	for _, h := range []handle.Handle{studioLive, syncPoint, system} {
		if !r.Contains(h) {
			t.Errorf("%s evicted", h)
		}
	}
	for _, h := range []handle.Handle{reused, unreadable, studioDead} {
		if r.Contains(h) {
			t.Errorf("%s survived", h)
		}
	}
	if s := r.Stats(); s.Swept != 3 || s.Sweeps != 1 || s.Live != 3 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRegistry_MarkDestroyed(t *testing.T) {
	slots := newFakeSlots()
	r := newRegistry(t, slots)
	h := handle.New(handle.KindEventInstance, 0x700)

	w, _ := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })

	var events []EventType
	r.Subscribe(ObserverFunc(func(e Event) { events = append(events, e.Type) }))

	// validity query still says live; the notification wins
	if !r.MarkDestroyed(h) {
		t.Fatal("MarkDestroyed did not find the entry")
	}
	if r.Contains(h) || !w.dropped {
		t.Fatal("destroyed entry not evicted")
	}
	if len(events) != 1 || events[0] != EventDestroyed {
		t.Fatalf("events = %v", events)
	}
	if r.Stats().Destroyed != 1 {
		t.Fatal("destroyed counter not updated")
	}
}

type countingObserver struct {
	n map[EventType]int
}

func (o *countingObserver) OnRegistryEvent(e Event) { o.n[e.Type]++ }

func TestRegistry_Observers(t *testing.T) {
	r := New()
	obs := &countingObserver{n: make(map[EventType]int)}
	cancel := r.Subscribe(obs)

	h := handle.New(handle.KindSoundGroup, 0x800)
	_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
	_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
	_, _ = r.Remove(h)

	if obs.n[EventInserted] != 1 || obs.n[EventRemoved] != 1 {
		t.Fatalf("events = %v", obs.n)
	}

	cancel()
	cancel()
	_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
	if obs.n[EventInserted] != 1 {
		t.Fatal("cancelled observer still notified")
	}
}

func TestRegistry_CancelObserverFunc(t *testing.T) {
	r := New()
	var first, second int
	cancelFirst := r.Subscribe(ObserverFunc(func(Event) { first++ }))
	r.Subscribe(ObserverFunc(func(Event) { second++ }))

	h := handle.New(handle.KindDSP, 0x810)
	_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
	cancelFirst()
	_, _ = r.Remove(h)

	if first != 1 || second != 2 {
		t.Fatalf("first=%d second=%d", first, second)
	}
}

func TestRegistry_ObserverCancelsItself(t *testing.T) {
	r := New()
	var cancel func()
	calls := 0
	cancel = r.Subscribe(ObserverFunc(func(Event) {
		calls++
		cancel()
	}))

	for i := uintptr(1); i <= 3; i++ {
		h := handle.New(handle.KindDSP, i*0x10)
		_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
	}
	if calls != 1 {
		t.Fatalf("observer ran %d times after cancelling itself", calls)
	}
}

func TestRegistry_EventSeqOrdersRacingChanges(t *testing.T) {
	r := New()
	h := handle.New(handle.KindSound, 0xA00)

	var (
		mu     sync.Mutex
		events []Event
	)
	r.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
				_, _ = r.Remove(h)
			}
		}()
	}
	wg.Wait()

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	live := false
	for i, e := range events {
		if i > 0 && e.Seq == events[i-1].Seq {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		switch e.Type {
		case EventInserted:
			if live {
				t.Fatalf("seq %d: inserted while registered", e.Seq)
			}
			live = true
		case EventRemoved:
			if !live {
				t.Fatalf("seq %d: removed while absent", e.Seq)
			}
			live = false
		}
	}
	if live != r.Contains(h) {
		t.Fatalf("event stream ends live=%v, registry says %v", live, r.Contains(h))
	}
}

func TestRegistry_ObserverMayReenter(t *testing.T) {
	r := New()
	h := handle.New(handle.KindSound, 0x900)
	seen := false
	r.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == EventInserted {
			seen = r.Contains(e.Handle)
		}
	}))
	_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
	if !seen {
		t.Fatal("observer could not query the registry")
	}
}

func TestRegistry_Close(t *testing.T) {
	r := New()
	var ws []*wrapper
	for i := uintptr(1); i <= 3; i++ {
		h := handle.New(handle.KindSound, i*0x10)
		w, _ := GetOrInsertAs(r, h, func() (*wrapper, error) { return &wrapper{h: h}, nil })
		ws = append(ws, w)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len after Close = %d", r.Len())
	}
	for _, w := range ws {
		if !w.dropped {
			t.Fatal("Close did not drop a wrapper")
		}
	}

	_, err := r.GetOrInsert(handle.New(handle.KindSound, 0x10), func() (any, error) { return &wrapper{}, nil })
	if !errors.Is(err, &bridgeerrors.Error{Phase: bridgeerrors.PhaseRegistry, Kind: bridgeerrors.KindClosed}) {
		t.Fatalf("insert after Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatal("second Close failed")
	}
}

func TestRegistry_Each(t *testing.T) {
	r := New()
	for i := uintptr(1); i <= 5; i++ {
		h := handle.New(handle.KindDSP, i)
		_, _ = r.GetOrInsert(h, func() (any, error) { return &wrapper{h: h}, nil })
	}

	count := 0
	r.Each(func(h handle.Handle, w any) bool {
		if w.(*wrapper).h != h {
			t.Fatalf("wrapper for %s holds %s", h, w.(*wrapper).h)
		}
		// removing inside Each must not deadlock
		_, _ = r.Remove(h)
		count++
		return count < 3
	})
	if count != 3 || r.Len() != 2 {
		t.Fatalf("count=%d len=%d", count, r.Len())
	}
}

// Package registry keeps exactly one host wrapper per native engine handle.
//
// The engine hands the same pointer back many times (the current sound of a
// channel, the parent group of a channel, the instance an event callback
// fires for). Binding code resolves every such pointer through the registry
// so callers always observe the same wrapper object:
//
//	reg := registry.New(registry.WithChecker(registry.NewUserDataChecker(engine)))
//
//	w, err := registry.GetOrInsertAs(reg, h, func() (*Sound, error) {
//	    return &Sound{handle: h}, nil
//	})
//
// # Lifetime
//
// Entries leave the registry in three ways:
//
//	Remove         - explicit release by binding code, before the native release
//	MarkDestroyed  - the engine reported the object destroyed
//	Sweep          - the liveness checker no longer recognizes the object
//
// Remove must happen before the native release call. Once released, the
// engine may recycle the pointer for an unrelated object, and a late Remove
// would evict the new object's wrapper.
//
// # Liveness
//
// The engine recycles freed pointers, so a registered handle can silently
// start denoting a different object. A Checker decides whether an entry is
// still live. UserDataChecker writes a sentinel into the native user-data slot
// at insert time and reads it back on Sweep; a mismatch or a failed read
// means the entry is stale. Studio kinds answer a validity query instead, and
// kinds without either signal are assumed live until removed.
//
// # Reachability
//
// The registry holds strong references. A registered wrapper stays
// reachable until it is evicted, so a callback arriving later still resolves
// to the same object.
package registry

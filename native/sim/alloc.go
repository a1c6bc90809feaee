package sim

// Object pointers are handed out from a bump region and recycled LIFO, so a
// released object's pointer is the next one reused. That is the behavior the
// handle registry has to survive.
const (
	staticBase uintptr = 0x100
	heapBase   uintptr = 0x1000
	stride     uintptr = 0x10
)

type allocator struct {
	next uintptr
	free []uintptr
}

func newAllocator(base uintptr) *allocator {
	return &allocator{next: base, free: make([]uintptr, 0, 16)}
}

func (a *allocator) alloc() uintptr {
	if n := len(a.free); n > 0 {
		p := a.free[n-1]
		a.free = a.free[:n-1]
		return p
	}
	p := a.next
	a.next += stride
	return p
}

func (a *allocator) release(p uintptr) {
	a.free = append(a.free, p)
}

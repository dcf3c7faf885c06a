package heap

import (
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"drift-vm/internal/chunk"
	"drift-vm/internal/table"
	"drift-vm/internal/value"
)

const heapGrowFactor = 2

// Rough per-object byte costs driving the collection heuristic. Strings
// add their content length on top.
const (
	sizeString   = 48
	sizeFunction = 96
	sizeNative   = 32
)

// A RootSource exposes a set of GC roots. The VM is one (its stack,
// frames and globals); a running compiler is another (the chain of
// in-progress functions the VM stack never references).
type RootSource interface {
	MarkRoots(h *Heap)
}

// Heap owns every runtime allocation: the object list the sweeper walks,
// the intern table, and the gray worklist. All object construction goes
// through it so collection triggering stays in one place.
type Heap struct {
	objects value.Object // allocation-list head
	strings *table.Table // intern table; weak keys, swept before objects
	gray    []value.Object
	roots   []RootSource

	bytesAllocated int
	nextGC         int

	// Stress forces a collection on every allocation, for deterministic
	// tests. Log emits collection stats at debug level.
	Stress bool
	Log    bool
}

func New() *Heap {
	return &Heap{
		strings: table.New(),
		nextGC:  1024 * 1024,
	}
}

// AddRootSource registers r for the duration of its lifetime; the
// compiler pairs it with RemoveRootSource around a compilation.
func (h *Heap) AddRootSource(r RootSource) {
	h.roots = append(h.roots, r)
}

func (h *Heap) RemoveRootSource(r RootSource) {
	for i, existing := range h.roots {
		if existing == r {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// allocate links obj into the allocation list. Collection, if due, runs
// before the link so a half-born object can never be swept.
func (h *Heap) allocate(obj value.Object, size int) {
	if h.Stress || h.bytesAllocated+size > h.nextGC {
		h.Collect()
	}

	h.bytesAllocated += size
	obj.Header().Next = h.objects
	h.objects = obj
}

// CopyString interns chars, cloning the bytes so the returned string does
// not pin the source buffer it was sliced from.
func (h *Heap) CopyString(chars string) *value.ObjString {
	hash := value.HashString(chars)
	if interned := h.strings.FindString(chars, hash); interned != nil {
		return interned
	}
	return h.allocateString(strings.Clone(chars), hash)
}

// TakeString interns an already-owned buffer, e.g. a concatenation
// result.
func (h *Heap) TakeString(chars string) *value.ObjString {
	hash := value.HashString(chars)
	if interned := h.strings.FindString(chars, hash); interned != nil {
		return interned
	}
	return h.allocateString(chars, hash)
}

func (h *Heap) allocateString(chars string, hash uint32) *value.ObjString {
	str := &value.ObjString{Chars: chars, Hash: hash}
	h.allocate(str, sizeString+len(chars))
	h.strings.Set(str, value.NewNil())
	return str
}

// NewFunction allocates a function with an empty chunk. The name is
// filled in by the compiler; the top-level script stays nameless.
func (h *Heap) NewFunction() *value.ObjFunction {
	fn := &value.ObjFunction{Chunk: chunk.New()}
	h.allocate(fn, sizeFunction)
	return fn
}

func (h *Heap) NewNative(fn value.NativeFn) *value.ObjNative {
	native := &value.ObjNative{Fn: fn}
	h.allocate(native, sizeNative)
	return native
}

// Strings exposes the intern table for content lookups in tests.
func (h *Heap) Strings() *table.Table { return h.strings }

// BytesAllocated reports the live-byte estimate the GC heuristic uses.
func (h *Heap) BytesAllocated() int { return h.bytesAllocated }

// Collect runs a full mark-sweep cycle: mark every root, trace gray
// objects until the worklist drains, drop dead intern entries, sweep.
func (h *Heap) Collect() {
	if h.Log {
		log.Debug("-- gc begin")
	}
	before := h.bytesAllocated

	h.markRoots()
	h.traceReferences()
	h.strings.RemoveWhite()
	h.sweep()

	h.nextGC = h.bytesAllocated * heapGrowFactor

	if h.Log {
		log.Debugf("-- gc end: collected %s (%s -> %s), next at %s",
			humanize.IBytes(uint64(before-h.bytesAllocated)),
			humanize.IBytes(uint64(before)),
			humanize.IBytes(uint64(h.bytesAllocated)),
			humanize.IBytes(uint64(h.nextGC)))
	}
}

func (h *Heap) markRoots() {
	for _, r := range h.roots {
		r.MarkRoots(h)
	}
}

// MarkValue grays the value's object, if it has one. Marking is
// idempotent: an already-marked object is not re-queued.
func (h *Heap) MarkValue(v value.Value) {
	if v.Type == value.VAL_OBJ {
		h.MarkObject(v.Obj)
	}
}

func (h *Heap) MarkObject(obj value.Object) {
	if obj == nil || obj.Header().Marked {
		return
	}
	obj.Header().Marked = true
	h.gray = append(h.gray, obj)
}

// MarkTable grays every key and value of a root table.
func (h *Heap) MarkTable(t *table.Table) {
	t.Mark(h.MarkObject, h.MarkValue)
}

func (h *Heap) traceReferences() {
	for len(h.gray) > 0 {
		obj := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		h.blacken(obj)
	}
}

// blacken marks everything obj references. Strings and natives have no
// outgoing references.
func (h *Heap) blacken(obj value.Object) {
	switch obj := obj.(type) {
	case *value.ObjString, *value.ObjNative:
	case *value.ObjFunction:
		// The top-level script, and a function whose name is not yet
		// allocated, have a nil name.
		if obj.Name != nil {
			h.MarkObject(obj.Name)
		}
		for _, constant := range obj.Chunk.(*chunk.Chunk).Constants {
			h.MarkValue(constant)
		}
	default:
		log.Panicf("gc: cannot blacken object %T", obj)
	}
}

func (h *Heap) sweep() {
	var prev value.Object
	obj := h.objects
	for obj != nil {
		header := obj.Header()
		if header.Marked {
			header.Marked = false
			prev = obj
			obj = header.Next
			continue
		}

		dead := obj
		obj = header.Next
		if prev == nil {
			h.objects = obj
		} else {
			prev.Header().Next = obj
		}
		h.free(dead)
	}
}

// free releases one object; every kind is handled exactly once.
func (h *Heap) free(obj value.Object) {
	switch obj := obj.(type) {
	case *value.ObjString:
		h.bytesAllocated -= sizeString + len(obj.Chars)
	case *value.ObjFunction:
		obj.Chunk.(*chunk.Chunk).Free()
		h.bytesAllocated -= sizeFunction
	case *value.ObjNative:
		h.bytesAllocated -= sizeNative
	default:
		log.Panicf("gc: cannot free object %T", obj)
	}
	obj.Header().Next = nil
}

// Free tears the heap down: every remaining object is released.
func (h *Heap) Free() {
	obj := h.objects
	for obj != nil {
		next := obj.Header().Next
		h.free(obj)
		obj = next
	}
	h.objects = nil
	h.strings.Free()
	h.gray = nil
}

// Objects walks the allocation list, for tests that assert liveness.
func (h *Heap) Objects(visit func(value.Object)) {
	for obj := h.objects; obj != nil; obj = obj.Header().Next {
		visit(obj)
	}
}

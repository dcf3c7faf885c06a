package value

import (
	"fmt"
	"strconv"
)

type ValueType int

const (
	VAL_NIL ValueType = iota
	VAL_BOOL
	VAL_NUMBER
	VAL_OBJ // String, Function, Native (heap allocated)
)

// Value is the tagged runtime value. Only one payload field is meaningful
// for a given Type; an Obj value always references a live heap object.
type Value struct {
	Type     ValueType
	AsBool   bool
	AsNumber float64
	Obj      Object
}

// Object is any heap-allocated runtime object. Every variant embeds
// ObjHeader, which carries the GC mark bit and the allocation-list link.
type Object interface {
	Header() *ObjHeader
}

type ObjHeader struct {
	Marked bool
	Next   Object
}

func (h *ObjHeader) Header() *ObjHeader { return h }

// ObjString is an immutable, always-interned byte sequence. At most one
// live ObjString exists per content, so equality is pointer identity.
type ObjString struct {
	ObjHeader
	Chars string
	Hash  uint32
}

// ObjFunction is a compiled function. The top-level script compiles to a
// nameless function. Chunk holds a *chunk.Chunk; the indirect type breaks
// the import cycle between this package and the chunk package.
type ObjFunction struct {
	ObjHeader
	Arity int
	Name  *ObjString // nil for the top-level script
	Chunk interface{}
}

type NativeFn func(args []Value) Value

type ObjNative struct {
	ObjHeader
	Fn NativeFn
}

// HashString is 32-bit FNV-1a, cached on every ObjString at allocation.
func HashString(s string) uint32 {
	var hash uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= 16777619
	}
	return hash
}

func (v Value) String() string {
	switch v.Type {
	case VAL_NIL:
		return "nil"
	case VAL_BOOL:
		return fmt.Sprintf("%t", v.AsBool)
	case VAL_NUMBER:
		return strconv.FormatFloat(v.AsNumber, 'g', -1, 64)
	case VAL_OBJ:
		switch obj := v.Obj.(type) {
		case *ObjString:
			return obj.Chars
		case *ObjFunction:
			if obj.Name == nil {
				return "<script>"
			}
			return fmt.Sprintf("<fn %s>", obj.Name.Chars)
		case *ObjNative:
			return "<native fn>"
		}
	}
	return "unknown"
}

func (v Value) IsString() bool {
	if v.Type != VAL_OBJ {
		return false
	}
	_, ok := v.Obj.(*ObjString)
	return ok
}

func (v Value) AsString() *ObjString {
	return v.Obj.(*ObjString)
}

// Equal is per-variant structural equality. Numbers use IEEE equality, so
// NaN != NaN. Objects compare by identity; interned strings make that
// coincide with content equality.
func Equal(a, b Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case VAL_NIL:
		return true
	case VAL_BOOL:
		return a.AsBool == b.AsBool
	case VAL_NUMBER:
		return a.AsNumber == b.AsNumber
	case VAL_OBJ:
		return a.Obj == b.Obj
	}
	return false
}

// Helper constructors
func NewNil() Value {
	return Value{Type: VAL_NIL}
}

func NewBool(v bool) Value {
	return Value{Type: VAL_BOOL, AsBool: v}
}

func NewNumber(v float64) Value {
	return Value{Type: VAL_NUMBER, AsNumber: v}
}

func NewObj(obj Object) Value {
	return Value{Type: VAL_OBJ, Obj: obj}
}

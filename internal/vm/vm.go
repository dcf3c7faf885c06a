package vm

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"drift-vm/internal/chunk"
	"drift-vm/internal/compiler"
	"drift-vm/internal/heap"
	"drift-vm/internal/table"
	"drift-vm/internal/value"
)

const FramesMax = 64
const StackMax = FramesMax * 256

// CallFrame is one active call: the function, its own instruction
// pointer, and the stack offset of slot 0 (the callee itself).
type CallFrame struct {
	function *value.ObjFunction
	chunk    *chunk.Chunk
	ip       int
	slots    int
}

type Config struct {
	Stdout io.Writer
	Stderr io.Writer

	// StressGC collects on every allocation; LogGC logs collections.
	StressGC bool
	LogGC    bool
}

type VM struct {
	frames     [FramesMax]CallFrame
	frameCount int

	stack    [StackMax]value.Value
	stackTop int

	globals *table.Table
	heap    *heap.Heap
	config  Config

	started time.Time
}

func New() *VM {
	return NewWithConfig(Config{})
}

func NewWithConfig(cfg Config) *VM {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	vm := &VM{
		globals: table.New(),
		heap:    heap.New(),
		config:  cfg,
		started: time.Now(),
	}
	vm.heap.Stress = cfg.StressGC
	vm.heap.Log = cfg.LogGC
	vm.heap.AddRootSource(vm)

	vm.DefineNative("clock", func(args []value.Value) value.Value {
		return value.NewNumber(time.Since(vm.started).Seconds())
	})

	return vm
}

// DefineNative binds a native function as a global. Name and native are
// parked on the stack while the other is allocated so a collection in
// between cannot sweep them.
func (vm *VM) DefineNative(name string, fn value.NativeFn) {
	vm.push(value.NewObj(vm.heap.CopyString(name)))
	vm.push(value.NewObj(vm.heap.NewNative(fn)))
	vm.globals.Set(vm.stack[0].AsString(), vm.stack[1])
	vm.pop()
	vm.pop()
}

// Heap exposes the VM's heap, e.g. for tests that force collections.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Interpret compiles and runs source. A compile error returns before any
// code runs; a runtime error resets the stack and leaves the VM usable.
func (vm *VM) Interpret(source string) error {
	fn, err := compiler.New(vm.heap).Compile(source)
	if err != nil {
		return err
	}

	vm.push(value.NewObj(fn))
	if err := vm.call(fn, 0); err != nil {
		return err
	}
	return vm.run()
}

// Free releases the heap. The VM must not be used afterwards.
func (vm *VM) Free() {
	vm.globals.Free()
	vm.heap.Free()
}

func (vm *VM) run() error {
	frame := &vm.frames[vm.frameCount-1]

	for {
		if log.IsLevelEnabled(log.TraceLevel) {
			vm.traceInstruction(frame)
		}

		instruction := chunk.OpCode(vm.readByte(frame))
		switch instruction {
		case chunk.OP_CONSTANT:
			vm.push(vm.readConstant(frame))

		case chunk.OP_NIL:
			vm.push(value.NewNil())
		case chunk.OP_TRUE:
			vm.push(value.NewBool(true))
		case chunk.OP_FALSE:
			vm.push(value.NewBool(false))

		case chunk.OP_POP:
			vm.pop()

		case chunk.OP_GET_LOCAL:
			slot := vm.readByte(frame)
			vm.push(vm.stack[frame.slots+int(slot)])

		case chunk.OP_SET_LOCAL:
			slot := vm.readByte(frame)
			vm.stack[frame.slots+int(slot)] = vm.peek(0)

		case chunk.OP_GET_GLOBAL:
			name := vm.readString(frame)
			val, ok := vm.globals.Get(name)
			if !ok {
				return vm.runtimeError("Undefined variable '%s'.", name.Chars)
			}
			vm.push(val)

		case chunk.OP_DEFINE_GLOBAL:
			name := vm.readString(frame)
			vm.globals.Set(name, vm.peek(0))
			vm.pop()

		case chunk.OP_SET_GLOBAL:
			name := vm.readString(frame)
			if vm.globals.Set(name, vm.peek(0)) {
				// Assignment must not create the variable.
				vm.globals.Delete(name)
				return vm.runtimeError("Undefined variable '%s'.", name.Chars)
			}

		case chunk.OP_EQUAL:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewBool(value.Equal(a, b)))

		case chunk.OP_GREATER:
			if vm.peek(0).Type != value.VAL_NUMBER || vm.peek(1).Type != value.VAL_NUMBER {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewBool(a.AsNumber > b.AsNumber))

		case chunk.OP_LESS:
			if vm.peek(0).Type != value.VAL_NUMBER || vm.peek(1).Type != value.VAL_NUMBER {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewBool(a.AsNumber < b.AsNumber))

		case chunk.OP_ADD:
			switch {
			case vm.peek(0).IsString() && vm.peek(1).IsString():
				vm.concatenate()
			case vm.peek(0).Type == value.VAL_NUMBER && vm.peek(1).Type == value.VAL_NUMBER:
				b := vm.pop()
				a := vm.pop()
				vm.push(value.NewNumber(a.AsNumber + b.AsNumber))
			default:
				return vm.runtimeError("Operands must be two numbers or two strings.")
			}

		case chunk.OP_SUBTRACT:
			if vm.peek(0).Type != value.VAL_NUMBER || vm.peek(1).Type != value.VAL_NUMBER {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewNumber(a.AsNumber - b.AsNumber))

		case chunk.OP_MULTIPLY:
			if vm.peek(0).Type != value.VAL_NUMBER || vm.peek(1).Type != value.VAL_NUMBER {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewNumber(a.AsNumber * b.AsNumber))

		case chunk.OP_DIVIDE:
			if vm.peek(0).Type != value.VAL_NUMBER || vm.peek(1).Type != value.VAL_NUMBER {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewNumber(a.AsNumber / b.AsNumber))

		case chunk.OP_NOT:
			vm.push(value.NewBool(isFalsey(vm.pop())))

		case chunk.OP_NEGATE:
			if vm.peek(0).Type != value.VAL_NUMBER {
				return vm.runtimeError("Operand must be a number.")
			}
			vm.push(value.NewNumber(-vm.pop().AsNumber))

		case chunk.OP_PRINT:
			fmt.Fprintln(vm.config.Stdout, vm.pop())

		case chunk.OP_JUMP:
			offset := vm.readShort(frame)
			frame.ip += int(offset)

		case chunk.OP_JUMP_IF_FALSE:
			offset := vm.readShort(frame)
			if isFalsey(vm.peek(0)) {
				frame.ip += int(offset)
			}

		case chunk.OP_LOOP:
			offset := vm.readShort(frame)
			frame.ip -= int(offset)

		case chunk.OP_CALL:
			argCount := int(vm.readByte(frame))
			if err := vm.callValue(vm.peek(argCount), argCount); err != nil {
				return err
			}
			frame = &vm.frames[vm.frameCount-1]

		case chunk.OP_RETURN:
			result := vm.pop()
			vm.frameCount--
			if vm.frameCount == 0 {
				// Pop the top-level script function.
				vm.pop()
				return nil
			}

			vm.stackTop = frame.slots
			vm.push(result)
			frame = &vm.frames[vm.frameCount-1]

		default:
			return vm.runtimeError("Unknown opcode %d.", byte(instruction))
		}
	}
}

func (vm *VM) callValue(callee value.Value, argCount int) error {
	if callee.Type == value.VAL_OBJ {
		switch obj := callee.Obj.(type) {
		case *value.ObjFunction:
			return vm.call(obj, argCount)
		case *value.ObjNative:
			result := obj.Fn(vm.stack[vm.stackTop-argCount : vm.stackTop])
			vm.stackTop -= argCount + 1
			vm.push(result)
			return nil
		}
	}
	return vm.runtimeError("Can only call functions and classes.")
}

func (vm *VM) call(fn *value.ObjFunction, argCount int) error {
	if argCount != fn.Arity {
		return vm.runtimeError("Expected %d arguments but got %d.", fn.Arity, argCount)
	}
	if vm.frameCount == FramesMax {
		return vm.runtimeError("Stack overflow.")
	}

	frame := &vm.frames[vm.frameCount]
	vm.frameCount++
	frame.function = fn
	frame.chunk = fn.Chunk.(*chunk.Chunk)
	frame.ip = 0
	// Slot 0 is the callee; the arguments sit right on top of it.
	frame.slots = vm.stackTop - argCount - 1
	return nil
}

// concatenate interns the joined string. Operands stay on the stack
// until the result exists so a collection cannot sweep them.
func (vm *VM) concatenate() {
	b := vm.peek(0).AsString()
	a := vm.peek(1).AsString()
	result := vm.heap.TakeString(a.Chars + b.Chars)
	vm.pop()
	vm.pop()
	vm.push(value.NewObj(result))
}

// Nil and false are falsey; every other value is truthy.
func isFalsey(v value.Value) bool {
	return v.Type == value.VAL_NIL || (v.Type == value.VAL_BOOL && !v.AsBool)
}

func (vm *VM) readByte(frame *CallFrame) byte {
	b := frame.chunk.Code[frame.ip]
	frame.ip++
	return b
}

func (vm *VM) readShort(frame *CallFrame) uint16 {
	hi := vm.readByte(frame)
	lo := vm.readByte(frame)
	return uint16(hi)<<8 | uint16(lo)
}

func (vm *VM) readConstant(frame *CallFrame) value.Value {
	return frame.chunk.Constants[vm.readByte(frame)]
}

func (vm *VM) readString(frame *CallFrame) *value.ObjString {
	return vm.readConstant(frame).AsString()
}

func (vm *VM) push(v value.Value) {
	vm.stack[vm.stackTop] = v
	vm.stackTop++
}

func (vm *VM) pop() value.Value {
	vm.stackTop--
	return vm.stack[vm.stackTop]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.stackTop-1-distance]
}

// runtimeError reports the message and a stack trace to stderr, resets
// the stack, and returns the error. The VM stays usable afterwards.
func (vm *VM) runtimeError(format string, args ...interface{}) error {
	message := fmt.Sprintf(format, args...)
	fmt.Fprintln(vm.config.Stderr, message)

	for i := vm.frameCount - 1; i >= 0; i-- {
		frame := &vm.frames[i]
		// ip already advanced past the failing instruction.
		line := frame.chunk.Lines[frame.ip-1]
		if frame.function.Name == nil {
			fmt.Fprintf(vm.config.Stderr, "[line %d] in script\n", line)
		} else {
			fmt.Fprintf(vm.config.Stderr, "[line %d] in %s()\n", line, frame.function.Name.Chars)
		}
	}

	vm.resetStack()
	return &RuntimeError{Message: message}
}

func (vm *VM) resetStack() {
	vm.stackTop = 0
	vm.frameCount = 0
}

// MarkRoots exposes the VM's reachable set: every stack slot, every
// active frame's function, and the globals table.
func (vm *VM) MarkRoots(h *heap.Heap) {
	for i := 0; i < vm.stackTop; i++ {
		h.MarkValue(vm.stack[i])
	}
	for i := 0; i < vm.frameCount; i++ {
		h.MarkObject(vm.frames[i].function)
	}
	h.MarkTable(vm.globals)
}

func (vm *VM) traceInstruction(frame *CallFrame) {
	var sb strings.Builder
	sb.WriteString("          ")
	for i := 0; i < vm.stackTop; i++ {
		fmt.Fprintf(&sb, "[ %s ]", vm.stack[i])
	}
	log.Trace(sb.String())

	line, _ := frame.chunk.DisassembleInstruction(frame.ip)
	log.Trace(line)
}

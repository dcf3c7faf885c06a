package compiler

import (
	"fmt"
	"strings"
	"testing"

	"drift-vm/internal/chunk"
	"drift-vm/internal/heap"
	"drift-vm/internal/value"
)

func compile(t *testing.T, source string) (*value.ObjFunction, error) {
	t.Helper()
	return New(heap.New()).Compile(source)
}

func TestCompileSmoke(t *testing.T) {
	tests := []string{
		"1 + 2;",
		"print \"hello\";",
		"var x = 1; print x;",
		"var x; x = 2;",
		"{ var a = 1; { var b = a; print b; } }",
		"if (1 < 2) print \"yes\"; else print \"no\";",
		"while (false) { print 1; }",
		"for (var i = 0; i < 10; i = i + 1) print i;",
		"for (;;) {}",
		"fun f() {} f();",
		"fun add(a, b) { return a + b; } print add(1, 2);",
		"true and false or nil;",
		"print !(1 == 2) != (3 >= 4);",
		"print -1 - -2;",
	}

	for _, source := range tests {
		if _, err := compile(t, source); err != nil {
			t.Errorf("compile(%q) failed: %s", source, err)
		}
	}
}

func TestExpressionBytecode(t *testing.T) {
	fn, err := compile(t, "1 + 2;")
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}

	c := fn.Chunk.(*chunk.Chunk)
	want := []byte{
		byte(chunk.OP_CONSTANT), 0,
		byte(chunk.OP_CONSTANT), 1,
		byte(chunk.OP_ADD),
		byte(chunk.OP_POP),
		byte(chunk.OP_NIL),
		byte(chunk.OP_RETURN),
	}
	if len(c.Code) != len(want) {
		t.Fatalf("code length %d, expected %d:\n%s", len(c.Code), len(want), c.Disassemble("test"))
	}
	for i, b := range want {
		if c.Code[i] != b {
			t.Fatalf("byte %d = %d, expected %d:\n%s", i, c.Code[i], b, c.Disassemble("test"))
		}
	}

	if len(c.Constants) != 2 {
		t.Fatalf("expected 2 constants, got %d", len(c.Constants))
	}
	if c.Constants[0].AsNumber != 1 || c.Constants[1].AsNumber != 2 {
		t.Error("constants emitted out of order")
	}
}

func TestComparisonRewrites(t *testing.T) {
	// != <= >= compile to the negation of their complements.
	fn, err := compile(t, "1 <= 2;")
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}
	c := fn.Chunk.(*chunk.Chunk)

	if c.Code[4] != byte(chunk.OP_GREATER) || c.Code[5] != byte(chunk.OP_NOT) {
		t.Errorf("'<=' should compile to OP_GREATER OP_NOT:\n%s", c.Disassemble("test"))
	}
}

func TestScriptFunctionShape(t *testing.T) {
	fn, err := compile(t, "print 1;")
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}
	if fn.Name != nil {
		t.Error("top-level script should be nameless")
	}
	if fn.Arity != 0 {
		t.Errorf("script arity = %d, expected 0", fn.Arity)
	}
}

func TestFunctionDeclaration(t *testing.T) {
	fn, err := compile(t, "fun add(a, b) { return a + b; }")
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}

	c := fn.Chunk.(*chunk.Chunk)
	var inner *value.ObjFunction
	for _, constant := range c.Constants {
		if constant.Type == value.VAL_OBJ {
			if f, ok := constant.Obj.(*value.ObjFunction); ok {
				inner = f
			}
		}
	}
	if inner == nil {
		t.Fatal("function declaration should leave a function in the constant pool")
	}
	if inner.Arity != 2 {
		t.Errorf("arity = %d, expected 2", inner.Arity)
	}
	if inner.Name == nil || inner.Name.Chars != "add" {
		t.Errorf("function name wrong: %v", inner.Name)
	}

	// Body: GET_LOCAL 1, GET_LOCAL 2, ADD, RETURN... slot 0 is reserved.
	body := inner.Chunk.(*chunk.Chunk)
	want := []byte{
		byte(chunk.OP_GET_LOCAL), 1,
		byte(chunk.OP_GET_LOCAL), 2,
		byte(chunk.OP_ADD),
		byte(chunk.OP_RETURN),
	}
	for i, b := range want {
		if body.Code[i] != b {
			t.Fatalf("body byte %d = %d, expected %d:\n%s", i, body.Code[i], b, body.Disassemble("add"))
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		source  string
		message string
	}{
		{"a + b = c;", "Invalid assignment target."},
		{"(a = 1;", "Expect ')' after expression."},
		{"return 1;", "Can't return from top-level code."},
		{"{ var a = 1; var a = 2; }", "Already variable with this name in this scope."},
		{"var a = 1; { var a = a; }", "Can't read local variable in its own initializer."},
		{"print;", "Expect expression."},
		{"var 1 = 2;", "Expect variable name."},
		{"print 1", "Expect ';' after value."},
		{"1 + 2", "Expect ';' after expression."},
		{"{ print 1;", "Expect '}' after block."},
		{"if true) print 1;", "Expect '(' after 'if'."},
		{"fun f(a { }", "Expect ')' after parameters."},
		{"@", "Unexpected character."},
		{"\"open", "Unterminated string."},
	}

	for _, tt := range tests {
		_, err := compile(t, tt.source)
		if err == nil {
			t.Errorf("compile(%q) should fail", tt.source)
			continue
		}
		if !strings.Contains(err.Error(), tt.message) {
			t.Errorf("compile(%q) error %q does not mention %q", tt.source, err, tt.message)
		}
	}
}

func TestErrorFormat(t *testing.T) {
	_, err := compile(t, "a + b = c;")
	if err == nil {
		t.Fatal("expected a compile error")
	}
	if !strings.Contains(err.Error(), "[line 1] Error at '=': Invalid assignment target.") {
		t.Errorf("error not in report format: %s", err)
	}
}

func TestPanicModeRecovery(t *testing.T) {
	// Two independent errors in two statements: panic mode must clear at
	// the statement boundary so both get reported.
	_, err := compile(t, "var 1;\nprint;")
	if err == nil {
		t.Fatal("expected compile errors")
	}
	if !strings.Contains(err.Error(), "Expect variable name.") {
		t.Errorf("first error missing: %s", err)
	}
	if !strings.Contains(err.Error(), "Expect expression.") {
		t.Errorf("second error not recovered: %s", err)
	}
}

func TestTooManyConstants(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 260; i++ {
		fmt.Fprintf(&sb, "print %d;", i)
	}

	_, err := compile(t, sb.String())
	if err == nil || !strings.Contains(err.Error(), "Too many constants in one chunk.") {
		t.Errorf("expected constant pool overflow, got: %v", err)
	}
}

func TestTooManyLocals(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("{")
	for i := 0; i < 256; i++ {
		fmt.Fprintf(&sb, "var l%d;", i)
	}
	sb.WriteString("}")

	_, err := compile(t, sb.String())
	if err == nil || !strings.Contains(err.Error(), "Too many local variables in function.") {
		t.Errorf("expected locals overflow, got: %v", err)
	}
}

func TestJumpTooLarge(t *testing.T) {
	// `true;` compiles to two bytes and no constants, so the body can
	// outgrow a 16-bit jump without exhausting the constant pool.
	source := "while (true) { " + strings.Repeat("true;", 33000) + " }"

	_, err := compile(t, source)
	if err == nil || !strings.Contains(err.Error(), "Too much code to jump over.") {
		t.Errorf("expected jump overflow, got compile result: %v", err)
	}
}

func TestLocalSlots(t *testing.T) {
	fn, err := compile(t, "{ var a = 1; var b = 2; print a + b; }")
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}

	c := fn.Chunk.(*chunk.Chunk)
	want := []byte{
		byte(chunk.OP_CONSTANT), 0, // a = 1
		byte(chunk.OP_CONSTANT), 1, // b = 2
		byte(chunk.OP_GET_LOCAL), 1,
		byte(chunk.OP_GET_LOCAL), 2,
		byte(chunk.OP_ADD),
		byte(chunk.OP_PRINT),
		byte(chunk.OP_POP), // b leaves scope
		byte(chunk.OP_POP), // a leaves scope
		byte(chunk.OP_NIL),
		byte(chunk.OP_RETURN),
	}
	for i, b := range want {
		if c.Code[i] != b {
			t.Fatalf("byte %d = %d, expected %d:\n%s", i, c.Code[i], b, c.Disassemble("test"))
		}
	}
}

// instructionWidth reports the operand footprint of one opcode.
func instructionWidth(op chunk.OpCode) int {
	switch op {
	case chunk.OP_CONSTANT, chunk.OP_GET_LOCAL, chunk.OP_SET_LOCAL,
		chunk.OP_GET_GLOBAL, chunk.OP_DEFINE_GLOBAL, chunk.OP_SET_GLOBAL,
		chunk.OP_CALL:
		return 2
	case chunk.OP_JUMP, chunk.OP_JUMP_IF_FALSE, chunk.OP_LOOP:
		return 3
	default:
		return 1
	}
}

// Every jump operand, added to the ip just past it, must land on an
// instruction boundary.
func TestJumpsLandOnBoundaries(t *testing.T) {
	sources := []string{
		"if (1 < 2) print 1; else print 2;",
		"while (1 < 2) { if (true) print 1; }",
		"for (var i = 0; i < 3; i = i + 1) { print i and false or true; }",
		"var a = 1 and 2 or 3;",
	}

	for _, source := range sources {
		fn, err := compile(t, source)
		if err != nil {
			t.Fatalf("compile(%q) failed: %s", source, err)
		}
		c := fn.Chunk.(*chunk.Chunk)

		boundaries := map[int]bool{}
		for offset := 0; offset < len(c.Code); {
			boundaries[offset] = true
			offset += instructionWidth(chunk.OpCode(c.Code[offset]))
		}
		boundaries[len(c.Code)] = true

		for offset := 0; offset < len(c.Code); {
			op := chunk.OpCode(c.Code[offset])
			next := offset + instructionWidth(op)
			switch op {
			case chunk.OP_JUMP, chunk.OP_JUMP_IF_FALSE:
				jump := int(uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2]))
				if !boundaries[next+jump] {
					t.Errorf("%q: jump at %d targets %d, not a boundary", source, offset, next+jump)
				}
			case chunk.OP_LOOP:
				jump := int(uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2]))
				if !boundaries[next-jump] {
					t.Errorf("%q: loop at %d targets %d, not a boundary", source, offset, next-jump)
				}
			}
			offset = next
		}
	}
}

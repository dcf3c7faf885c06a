package compiler

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"drift-vm/internal/chunk"
	"drift-vm/internal/heap"
	"drift-vm/internal/lexer"
	"drift-vm/internal/token"
	"drift-vm/internal/value"
)

type FunctionType int

const (
	TYPE_SCRIPT FunctionType = iota
	TYPE_FUNCTION
)

const maxLocals = 256

// uninitialized marks a local that has been declared but whose
// initializer has not finished compiling yet.
const uninitialized = -1

type Local struct {
	name  token.Token
	depth int
}

// funcCompiler is the per-function compilation state. Nested function
// declarations push a new one; enclosing links them into the chain the
// GC walks for roots.
type funcCompiler struct {
	enclosing  *funcCompiler
	function   *value.ObjFunction
	funcType   FunctionType
	locals     []Local
	scopeDepth int
}

// Compiler is a single-pass Pratt compiler: it pulls tokens from the
// lexer and emits bytecode directly into the function under construction,
// no syntax tree in between.
type Compiler struct {
	lexer      *lexer.Lexer
	heap       *heap.Heap
	current    *funcCompiler
	prev, curr token.Token

	errors    *multierror.Error
	panicMode bool
}

func New(h *heap.Heap) *Compiler {
	return &Compiler{heap: h}
}

// Compile compiles source to a top-level function. On any parse error it
// keeps going (recovering at statement boundaries), returns no function,
// and reports every error it found.
func (c *Compiler) Compile(source string) (*value.ObjFunction, error) {
	// The in-progress function chain must be visible to the GC for as
	// long as this compilation can allocate.
	c.heap.AddRootSource(c)
	defer c.heap.RemoveRootSource(c)

	c.lexer = lexer.New(source)
	c.pushFuncCompiler(TYPE_SCRIPT)

	c.advance()
	for !c.match(token.EOF) {
		c.declaration()
	}

	fn := c.endCompiler()
	if err := c.errors.ErrorOrNil(); err != nil {
		return nil, err
	}
	return fn, nil
}

// MarkRoots exposes the compiler chain's in-progress functions to the GC.
func (c *Compiler) MarkRoots(h *heap.Heap) {
	for fc := c.current; fc != nil; fc = fc.enclosing {
		h.MarkObject(fc.function)
	}
}

func (c *Compiler) pushFuncCompiler(funcType FunctionType) {
	fc := &funcCompiler{
		enclosing: c.current,
		funcType:  funcType,
		function:  c.heap.NewFunction(),
		// Slot 0 belongs to the callee; no user variable may claim it.
		locals: []Local{{depth: 0}},
	}
	c.current = fc
	if funcType != TYPE_SCRIPT {
		fc.function.Name = c.heap.CopyString(c.prev.Literal)
	}
}

func (c *Compiler) endCompiler() *value.ObjFunction {
	c.emitReturn()
	fn := c.current.function

	if log.IsLevelEnabled(log.DebugLevel) && c.errors.ErrorOrNil() == nil {
		name := "<script>"
		if fn.Name != nil {
			name = fn.Name.Chars
		}
		log.Debug(c.currentChunk().Disassemble(name))
	}

	c.current = c.current.enclosing
	return fn
}

func (c *Compiler) currentChunk() *chunk.Chunk {
	return c.current.function.Chunk.(*chunk.Chunk)
}

/* Declarations and statements */

func (c *Compiler) declaration() {
	switch {
	case c.match(token.FUN):
		c.funDeclaration()
	case c.match(token.VAR):
		c.varDeclaration()
	default:
		c.statement()
	}

	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) statement() {
	switch {
	case c.match(token.PRINT):
		c.printStatement()
	case c.match(token.IF):
		c.ifStatement()
	case c.match(token.WHILE):
		c.whileStatement()
	case c.match(token.FOR):
		c.forStatement()
	case c.match(token.RETURN):
		c.returnStatement()
	case c.match(token.LBRACE):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")

	if c.match(token.ASSIGN) {
		c.expression()
	} else {
		c.emitByte(byte(chunk.OP_NIL))
	}
	c.consume(token.SEMICOLON, "Expect ';' after variable declaration.")

	c.defineVariable(global)
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	// A function may refer to itself; it is initialized before its body.
	c.markInitialized()
	c.function(TYPE_FUNCTION)
	c.defineVariable(global)
}

func (c *Compiler) function(funcType FunctionType) {
	c.pushFuncCompiler(funcType)
	c.beginScope()

	c.consume(token.LPAREN, "Expect '(' after function name.")
	if !c.check(token.RPAREN) {
		for {
			c.current.function.Arity++
			if c.current.function.Arity > 255 {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			constant := c.parseVariable("Expect parameter name.")
			c.defineVariable(constant)
			if !c.match(token.COMMA) {
				break
			}
		}
	}
	c.consume(token.RPAREN, "Expect ')' after parameters.")
	c.consume(token.LBRACE, "Expect '{' before function body.")
	c.block()

	// The funcCompiler is discarded whole; its scope needs no unwinding.
	fn := c.endCompiler()
	c.emitBytes(byte(chunk.OP_CONSTANT), c.makeConstant(value.NewObj(fn)))
}

func (c *Compiler) block() {
	for !c.check(token.RBRACE) && !c.check(token.EOF) {
		c.declaration()
	}
	c.consume(token.RBRACE, "Expect '}' after block.")
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(token.SEMICOLON, "Expect ';' after value.")
	c.emitByte(byte(chunk.OP_PRINT))
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(token.SEMICOLON, "Expect ';' after expression.")
	c.emitByte(byte(chunk.OP_POP))
}

func (c *Compiler) ifStatement() {
	c.consume(token.LPAREN, "Expect '(' after 'if'.")
	c.expression()
	c.consume(token.RPAREN, "Expect ')' after condition.")

	thenJump := c.emitJump(chunk.OP_JUMP_IF_FALSE)
	c.emitByte(byte(chunk.OP_POP))
	c.statement()

	elseJump := c.emitJump(chunk.OP_JUMP)
	c.patchJump(thenJump)
	c.emitByte(byte(chunk.OP_POP))

	if c.match(token.ELSE) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.currentChunk().Code)
	c.consume(token.LPAREN, "Expect '(' after 'while'.")
	c.expression()
	c.consume(token.RPAREN, "Expect ')' after condition.")

	exitJump := c.emitJump(chunk.OP_JUMP_IF_FALSE)
	c.emitByte(byte(chunk.OP_POP))
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitByte(byte(chunk.OP_POP))
}

func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(token.LPAREN, "Expect '(' after 'for'.")

	// Initializer clause.
	switch {
	case c.match(token.SEMICOLON):
		// No initializer.
	case c.match(token.VAR):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.currentChunk().Code)

	// Condition clause.
	exitJump := -1
	if !c.match(token.SEMICOLON) {
		c.expression()
		c.consume(token.SEMICOLON, "Expect ';' after loop condition.")
		exitJump = c.emitJump(chunk.OP_JUMP_IF_FALSE)
		c.emitByte(byte(chunk.OP_POP))
	}

	// Increment clause runs after the body, so it is compiled here and
	// jumped over on the way in.
	if !c.match(token.RPAREN) {
		bodyJump := c.emitJump(chunk.OP_JUMP)
		incrementStart := len(c.currentChunk().Code)
		c.expression()
		c.emitByte(byte(chunk.OP_POP))
		c.consume(token.RPAREN, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitByte(byte(chunk.OP_POP))
	}
	c.endScope()
}

func (c *Compiler) returnStatement() {
	if c.current.funcType == TYPE_SCRIPT {
		c.error("Can't return from top-level code.")
	}

	if c.match(token.SEMICOLON) {
		c.emitReturn()
		return
	}
	c.expression()
	c.consume(token.SEMICOLON, "Expect ';' after return value.")
	c.emitByte(byte(chunk.OP_RETURN))
}

/* Expressions */

func (c *Compiler) expression() {
	c.parsePrecedence(PREC_ASSIGNMENT)
}

func (c *Compiler) grouping(_canAssign bool) {
	c.expression()
	c.consume(token.RPAREN, "Expect ')' after expression.")
}

func (c *Compiler) number(_canAssign bool) {
	val, _ := strconv.ParseFloat(c.prev.Literal, 64)
	c.emitConstant(value.NewNumber(val))
}

func (c *Compiler) string_(_canAssign bool) {
	// The lexeme still carries both quotes.
	lexeme := c.prev.Literal
	chars := lexeme[1 : len(lexeme)-1]
	c.emitConstant(value.NewObj(c.heap.CopyString(chars)))
}

func (c *Compiler) literal(_canAssign bool) {
	switch c.prev.Type {
	case token.FALSE:
		c.emitByte(byte(chunk.OP_FALSE))
	case token.NIL:
		c.emitByte(byte(chunk.OP_NIL))
	case token.TRUE:
		c.emitByte(byte(chunk.OP_TRUE))
	}
}

func (c *Compiler) variable(canAssign bool) {
	c.namedVariable(c.prev, canAssign)
}

func (c *Compiler) namedVariable(name token.Token, canAssign bool) {
	var arg byte
	var getOp, setOp chunk.OpCode

	if slot := c.resolveLocal(name); slot != -1 {
		arg, getOp, setOp = byte(slot), chunk.OP_GET_LOCAL, chunk.OP_SET_LOCAL
	} else {
		arg, getOp, setOp = c.identifierConstant(name), chunk.OP_GET_GLOBAL, chunk.OP_SET_GLOBAL
	}

	if canAssign && c.match(token.ASSIGN) {
		c.expression()
		c.emitBytes(byte(setOp), arg)
	} else {
		c.emitBytes(byte(getOp), arg)
	}
}

func (c *Compiler) unary(_canAssign bool) {
	op := c.prev.Type

	// Compile the operand first; the operator applies to its result.
	c.parsePrecedence(PREC_UNARY)

	switch op {
	case token.BANG:
		c.emitByte(byte(chunk.OP_NOT))
	case token.MINUS:
		c.emitByte(byte(chunk.OP_NEGATE))
	}
}

func (c *Compiler) binary(_canAssign bool) {
	op := c.prev.Type
	rule := rules[op]

	// Right operand binds one level tighter: left associativity.
	c.parsePrecedence(rule.prec + 1)

	switch op {
	case token.BANG_EQ:
		c.emitBytes(byte(chunk.OP_EQUAL), byte(chunk.OP_NOT))
	case token.EQ:
		c.emitByte(byte(chunk.OP_EQUAL))
	case token.GT:
		c.emitByte(byte(chunk.OP_GREATER))
	case token.GTE:
		c.emitBytes(byte(chunk.OP_LESS), byte(chunk.OP_NOT))
	case token.LT:
		c.emitByte(byte(chunk.OP_LESS))
	case token.LTE:
		c.emitBytes(byte(chunk.OP_GREATER), byte(chunk.OP_NOT))
	case token.PLUS:
		c.emitByte(byte(chunk.OP_ADD))
	case token.MINUS:
		c.emitByte(byte(chunk.OP_SUBTRACT))
	case token.STAR:
		c.emitByte(byte(chunk.OP_MULTIPLY))
	case token.SLASH:
		c.emitByte(byte(chunk.OP_DIVIDE))
	}
}

func (c *Compiler) and_(_canAssign bool) {
	// Falsey left operand short-circuits: skip the right operand and
	// leave the left one as the result.
	endJump := c.emitJump(chunk.OP_JUMP_IF_FALSE)
	c.emitByte(byte(chunk.OP_POP))
	c.parsePrecedence(PREC_AND)
	c.patchJump(endJump)
}

func (c *Compiler) or_(_canAssign bool) {
	elseJump := c.emitJump(chunk.OP_JUMP_IF_FALSE)
	endJump := c.emitJump(chunk.OP_JUMP)

	c.patchJump(elseJump)
	c.emitByte(byte(chunk.OP_POP))
	c.parsePrecedence(PREC_OR)
	c.patchJump(endJump)
}

func (c *Compiler) call(_canAssign bool) {
	argCount := c.argumentList()
	c.emitBytes(byte(chunk.OP_CALL), argCount)
}

func (c *Compiler) argumentList() byte {
	argCount := 0
	if !c.check(token.RPAREN) {
		for {
			c.expression()
			if argCount == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			argCount++
			if !c.match(token.COMMA) {
				break
			}
		}
	}
	c.consume(token.RPAREN, "Expect ')' after arguments.")
	return byte(argCount)
}

/* Pratt dispatch */

type precedence int

const (
	PREC_NONE precedence = iota
	PREC_ASSIGNMENT
	PREC_OR
	PREC_AND
	PREC_EQUALITY
	PREC_COMPARISON
	PREC_TERM
	PREC_FACTOR
	PREC_UNARY
	PREC_CALL
	PREC_PRIMARY
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

var rules map[token.TokenType]parseRule

func init() {
	rules = map[token.TokenType]parseRule{
		token.LPAREN:     {(*Compiler).grouping, (*Compiler).call, PREC_CALL},
		token.MINUS:      {(*Compiler).unary, (*Compiler).binary, PREC_TERM},
		token.PLUS:       {nil, (*Compiler).binary, PREC_TERM},
		token.SLASH:      {nil, (*Compiler).binary, PREC_FACTOR},
		token.STAR:       {nil, (*Compiler).binary, PREC_FACTOR},
		token.BANG:       {(*Compiler).unary, nil, PREC_NONE},
		token.BANG_EQ:    {nil, (*Compiler).binary, PREC_EQUALITY},
		token.EQ:         {nil, (*Compiler).binary, PREC_EQUALITY},
		token.GT:         {nil, (*Compiler).binary, PREC_COMPARISON},
		token.GTE:        {nil, (*Compiler).binary, PREC_COMPARISON},
		token.LT:         {nil, (*Compiler).binary, PREC_COMPARISON},
		token.LTE:        {nil, (*Compiler).binary, PREC_COMPARISON},
		token.IDENTIFIER: {(*Compiler).variable, nil, PREC_NONE},
		token.STRING:     {(*Compiler).string_, nil, PREC_NONE},
		token.NUMBER:     {(*Compiler).number, nil, PREC_NONE},
		token.AND:        {nil, (*Compiler).and_, PREC_AND},
		token.OR:         {nil, (*Compiler).or_, PREC_OR},
		token.FALSE:      {(*Compiler).literal, nil, PREC_NONE},
		token.NIL:        {(*Compiler).literal, nil, PREC_NONE},
		token.TRUE:       {(*Compiler).literal, nil, PREC_NONE},
	}
}

func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()

	prefix := rules[c.prev.Type].prefix
	if prefix == nil {
		c.error("Expect expression.")
		return
	}
	canAssign := prec <= PREC_ASSIGNMENT
	prefix(c, canAssign)

	for rules[c.curr.Type].prec >= prec {
		c.advance()
		rules[c.prev.Type].infix(c, canAssign)
	}

	// The '=' was consumed by nobody: the left side is not assignable.
	if canAssign && c.match(token.ASSIGN) {
		c.error("Invalid assignment target.")
	}
}

/* Variables and scope */

func (c *Compiler) parseVariable(errorMessage string) byte {
	c.consume(token.IDENTIFIER, errorMessage)

	c.declareVariable()
	if c.current.scopeDepth > 0 {
		// Locals live on the stack, not in the constant pool.
		return 0
	}
	return c.identifierConstant(c.prev)
}

func (c *Compiler) identifierConstant(name token.Token) byte {
	return c.makeConstant(value.NewObj(c.heap.CopyString(name.Literal)))
}

func (c *Compiler) declareVariable() {
	if c.current.scopeDepth == 0 {
		return
	}

	name := c.prev
	for i := len(c.current.locals) - 1; i >= 0; i-- {
		local := &c.current.locals[i]
		if local.depth != uninitialized && local.depth < c.current.scopeDepth {
			break
		}
		if local.name.Literal == name.Literal {
			c.error("Already variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *Compiler) addLocal(name token.Token) {
	if len(c.current.locals) == maxLocals {
		c.error("Too many local variables in function.")
		return
	}
	c.current.locals = append(c.current.locals, Local{name: name, depth: uninitialized})
}

func (c *Compiler) markInitialized() {
	if c.current.scopeDepth == 0 {
		return
	}
	c.current.locals[len(c.current.locals)-1].depth = c.current.scopeDepth
}

func (c *Compiler) defineVariable(global byte) {
	if c.current.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitBytes(byte(chunk.OP_DEFINE_GLOBAL), global)
}

func (c *Compiler) resolveLocal(name token.Token) int {
	for i := len(c.current.locals) - 1; i >= 0; i-- {
		local := &c.current.locals[i]
		if local.name.Literal == name.Literal {
			if local.depth == uninitialized {
				c.error("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

func (c *Compiler) beginScope() {
	c.current.scopeDepth++
}

func (c *Compiler) endScope() {
	c.current.scopeDepth--

	locals := c.current.locals
	for len(locals) > 0 && locals[len(locals)-1].depth > c.current.scopeDepth {
		c.emitByte(byte(chunk.OP_POP))
		locals = locals[:len(locals)-1]
	}
	c.current.locals = locals
}

/* Bytecode emission */

func (c *Compiler) emitByte(b byte) {
	c.currentChunk().Write(b, c.prev.Line)
}

func (c *Compiler) emitBytes(b1, b2 byte) {
	c.emitByte(b1)
	c.emitByte(b2)
}

func (c *Compiler) emitReturn() {
	c.emitByte(byte(chunk.OP_NIL))
	c.emitByte(byte(chunk.OP_RETURN))
}

func (c *Compiler) emitConstant(v value.Value) {
	c.emitBytes(byte(chunk.OP_CONSTANT), c.makeConstant(v))
}

func (c *Compiler) makeConstant(v value.Value) byte {
	constant := c.currentChunk().AddConstant(v)
	if constant > 255 {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return byte(constant)
}

// emitJump writes op with a two-byte placeholder and returns the
// placeholder's offset for patchJump.
func (c *Compiler) emitJump(op chunk.OpCode) int {
	c.emitByte(byte(op))
	c.emitByte(0xff)
	c.emitByte(0xff)
	return len(c.currentChunk().Code) - 2
}

func (c *Compiler) patchJump(offset int) {
	// -2 adjusts for the jump operand itself.
	jump := len(c.currentChunk().Code) - offset - 2
	if jump > 65535 {
		c.error("Too much code to jump over.")
	}

	c.currentChunk().Code[offset] = byte(jump >> 8 & 0xff)
	c.currentChunk().Code[offset+1] = byte(jump & 0xff)
}

func (c *Compiler) emitLoop(loopStart int) {
	c.emitByte(byte(chunk.OP_LOOP))

	offset := len(c.currentChunk().Code) - loopStart + 2
	if offset > 65535 {
		c.error("Too much code to jump over.")
	}

	c.emitByte(byte(offset >> 8 & 0xff))
	c.emitByte(byte(offset & 0xff))
}

/* Token handling */

func (c *Compiler) advance() {
	c.prev = c.curr
	for {
		c.curr = c.lexer.NextToken()
		if c.curr.Type != token.ILLEGAL {
			break
		}
		// The scanner reports lexical errors as pseudo-tokens whose
		// literal is the message.
		c.errorAtCurrent(c.curr.Literal)
	}
}

func (c *Compiler) consume(ty token.TokenType, errorMessage string) {
	if c.check(ty) {
		c.advance()
		return
	}
	c.errorAtCurrent(errorMessage)
}

func (c *Compiler) check(ty token.TokenType) bool {
	return c.curr.Type == ty
}

func (c *Compiler) match(ty token.TokenType) bool {
	if !c.check(ty) {
		return false
	}
	c.advance()
	return true
}

/* Error handling */

// synchronize discards tokens until a statement boundary, ending panic
// mode so later errors report again.
func (c *Compiler) synchronize() {
	c.panicMode = false

	for c.curr.Type != token.EOF {
		if c.prev.Type == token.SEMICOLON {
			return
		}
		switch c.curr.Type {
		case token.CLASS, token.FUN, token.VAR, token.FOR,
			token.IF, token.WHILE, token.PRINT, token.RETURN:
			return
		}
		c.advance()
	}
}

func (c *Compiler) errorAt(tok token.Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true

	var where string
	switch tok.Type {
	case token.EOF:
		where = " at end"
	case token.ILLEGAL:
	default:
		where = fmt.Sprintf(" at '%s'", tok.Literal)
	}

	c.errors = multierror.Append(c.errors, &Error{
		Line:    tok.Line,
		Where:   where,
		Message: message,
	})
}

func (c *Compiler) error(message string) {
	c.errorAt(c.prev, message)
}

func (c *Compiler) errorAtCurrent(message string) {
	c.errorAt(c.curr, message)
}

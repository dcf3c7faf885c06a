package lexer

import (
	"testing"

	"drift-vm/internal/token"
)

func TestNextToken(t *testing.T) {
	input := `var five = 5;
var ten = 10.5;

fun add(x, y) {
  return x + y;
}

var result = add(five, ten);
!-/*5;
5 < 10 >= 5;
10 == 10;
10 != 9;
"foobar"
// a comment
true and false or nil
while (result <= 15) { print result; }
for (;;) {}
`

	tests := []struct {
		expectedType    token.TokenType
		expectedLiteral string
	}{
		{token.VAR, "var"},
		{token.IDENTIFIER, "five"},
		{token.ASSIGN, "="},
		{token.NUMBER, "5"},
		{token.SEMICOLON, ";"},
		{token.VAR, "var"},
		{token.IDENTIFIER, "ten"},
		{token.ASSIGN, "="},
		{token.NUMBER, "10.5"},
		{token.SEMICOLON, ";"},
		{token.FUN, "fun"},
		{token.IDENTIFIER, "add"},
		{token.LPAREN, "("},
		{token.IDENTIFIER, "x"},
		{token.COMMA, ","},
		{token.IDENTIFIER, "y"},
		{token.RPAREN, ")"},
		{token.LBRACE, "{"},
		{token.RETURN, "return"},
		{token.IDENTIFIER, "x"},
		{token.PLUS, "+"},
		{token.IDENTIFIER, "y"},
		{token.SEMICOLON, ";"},
		{token.RBRACE, "}"},
		{token.VAR, "var"},
		{token.IDENTIFIER, "result"},
		{token.ASSIGN, "="},
		{token.IDENTIFIER, "add"},
		{token.LPAREN, "("},
		{token.IDENTIFIER, "five"},
		{token.COMMA, ","},
		{token.IDENTIFIER, "ten"},
		{token.RPAREN, ")"},
		{token.SEMICOLON, ";"},
		{token.BANG, "!"},
		{token.MINUS, "-"},
		{token.SLASH, "/"},
		{token.STAR, "*"},
		{token.NUMBER, "5"},
		{token.SEMICOLON, ";"},
		{token.NUMBER, "5"},
		{token.LT, "<"},
		{token.NUMBER, "10"},
		{token.GTE, ">="},
		{token.NUMBER, "5"},
		{token.SEMICOLON, ";"},
		{token.NUMBER, "10"},
		{token.EQ, "=="},
		{token.NUMBER, "10"},
		{token.SEMICOLON, ";"},
		{token.NUMBER, "10"},
		{token.BANG_EQ, "!="},
		{token.NUMBER, "9"},
		{token.SEMICOLON, ";"},
		{token.STRING, `"foobar"`},
		{token.TRUE, "true"},
		{token.AND, "and"},
		{token.FALSE, "false"},
		{token.OR, "or"},
		{token.NIL, "nil"},
		{token.WHILE, "while"},
		{token.LPAREN, "("},
		{token.IDENTIFIER, "result"},
		{token.LTE, "<="},
		{token.NUMBER, "15"},
		{token.RPAREN, ")"},
		{token.LBRACE, "{"},
		{token.PRINT, "print"},
		{token.IDENTIFIER, "result"},
		{token.SEMICOLON, ";"},
		{token.RBRACE, "}"},
		{token.FOR, "for"},
		{token.LPAREN, "("},
		{token.SEMICOLON, ";"},
		{token.SEMICOLON, ";"},
		{token.RPAREN, ")"},
		{token.LBRACE, "{"},
		{token.RBRACE, "}"},
		{token.EOF, ""},
	}

	l := New(input)

	for i, tt := range tests {
		tok := l.NextToken()

		if tok.Type != tt.expectedType {
			t.Fatalf("tests[%d] - tokentype wrong. expected=%q, got=%q",
				i, tt.expectedType, tok.Type)
		}

		if tok.Literal != tt.expectedLiteral {
			t.Fatalf("tests[%d] - literal wrong. expected=%q, got=%q",
				i, tt.expectedLiteral, tok.Literal)
		}
	}
}

func TestLineTracking(t *testing.T) {
	input := "1\n2\n\n3"
	l := New(input)

	wantLines := []int{1, 2, 4}
	for i, want := range wantLines {
		tok := l.NextToken()
		if tok.Line != want {
			t.Errorf("token[%d] line wrong. expected=%d, got=%d", i, want, tok.Line)
		}
	}
}

func TestMultilineString(t *testing.T) {
	l := New("\"a\nb\"\n7")

	tok := l.NextToken()
	if tok.Type != token.STRING {
		t.Fatalf("expected STRING, got %q", tok.Type)
	}
	if tok.Line != 1 {
		t.Errorf("string attributed to line %d, expected 1", tok.Line)
	}

	tok = l.NextToken()
	if tok.Type != token.NUMBER || tok.Line != 3 {
		t.Errorf("expected NUMBER on line 3, got %q on line %d", tok.Type, tok.Line)
	}
}

func TestIllegalTokens(t *testing.T) {
	tests := []struct {
		input   string
		message string
	}{
		{"@", "Unexpected character."},
		{`"unterminated`, "Unterminated string."},
	}

	for _, tt := range tests {
		l := New(tt.input)
		tok := l.NextToken()
		if tok.Type != token.ILLEGAL {
			t.Fatalf("input %q: expected ILLEGAL, got %q", tt.input, tok.Type)
		}
		if tok.Literal != tt.message {
			t.Errorf("input %q: expected message %q, got %q", tt.input, tt.message, tok.Literal)
		}
	}
}

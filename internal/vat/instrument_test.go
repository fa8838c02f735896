package vat

import (
	"errors"
	"testing"

	"github.com/danmuck/vatctl/internal/testutil/testlog"
)

func TestInstrumentInsertsMeterChecks(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "function body",
			in:   "function f(a) { return a; }",
			want: "function f(a) {__vatMeter(); return a; }",
		},
		{
			name: "arrow body",
			in:   "const f = (a) => { return a; };",
			want: "const f = (a) => {__vatMeter(); return a; };",
		},
		{
			name: "while loop",
			in:   "while (x) { y(); }",
			want: "while (__vatMeter(), x) {__vatMeter(); y(); }",
		},
		{
			name: "do while loop",
			in:   "do { x++; } while (x < 3);",
			want: "do {__vatMeter(); x++; } while (__vatMeter(), x < 3);",
		},
		{
			name: "classic for loop",
			in:   "for (let i = 0; i < n; i++) {}",
			want: "for (let i = 0; __vatMeter(), i < n; i++) {__vatMeter();}",
		},
		{
			name: "for loop without condition",
			in:   "for (;;) { break; }",
			want: "for (; __vatMeter();) {__vatMeter(); break; }",
		},
		{
			name: "try catch finally",
			in:   "try { a(); } catch { b(); } finally { c(); }",
			want: "try {__vatMeter(); a(); } catch {__vatMeter(); b(); } finally {__vatMeter(); c(); }",
		},
		{
			name: "if else",
			in:   "if (a) { b(); } else { c(); }",
			want: "if (a) {__vatMeter(); b(); } else {__vatMeter(); c(); }",
		},
		{
			name: "switch body untouched",
			in:   "switch (k) { case 1: break; }",
			want: "switch (k) { case 1: break; }",
		},
		{
			name: "class body untouched",
			in:   "class A extends B(c) { m() { return 1; } }",
			want: "class A extends B(c) { m() {__vatMeter(); return 1; } }",
		},
		{
			name: "object literal untouched",
			in:   "f({ a: 1 });",
			want: "f({ a: 1 });",
		},
		{
			name: "strings and comments ignored",
			in:   "const s = \"while (x) {\"; // for (;;) {\n/* while (y) { */",
			want: "const s = \"while (x) {\"; // for (;;) {\n/* while (y) { */",
		},
		{
			name: "template substitution",
			in:   "const t = `${(a) => {}}`;",
			want: "const t = `${(a) => {__vatMeter();}}`;",
		},
		{
			name: "regex literal",
			in:   "const r = /[/]{/; if (r) {}",
			want: "const r = /[/]{/; if (r) {__vatMeter();}",
		},
		{
			name: "division after paren",
			in:   "const q = (a) / 2; {}",
			want: "const q = (a) / 2; {}",
		},
		{
			name: "property named while",
			in:   "o.while(x);",
			want: "o.while(x);",
		},
		{
			name: "regex after if condition",
			in:   "function f(s) { if (s) /\\{/.test(s); return 1; }",
			want: "function f(s) {__vatMeter(); if (s) /\\{/.test(s); return 1; }",
		},
		{
			name: "regex and division together",
			in:   "const r = a / b / /x/.source.length;",
			want: "const r = a / b / /x/.source.length;",
		},
		{
			name: "concise arrow",
			in:   "const f = (a) => a + 1;",
			want: "const f = (a) => (__vatMeter(), a + 1);",
		},
		{
			name: "parenthesized concise arrow",
			in:   "const g = x => (x);",
			want: "const g = x => (__vatMeter(), (x));",
		},
		{
			name: "nested concise arrows",
			in:   "const h = a => b => a + b;",
			want: "const h = a => (__vatMeter(), b => (__vatMeter(), a + b));",
		},
		{
			name: "concise arrow returning object",
			in:   "const o = () => ({ a: 1 });",
			want: "const o = () => (__vatMeter(), ({ a: 1 }));",
		},
		{
			name: "concise arrow ending in parenthesized operand",
			in:   "const c = (a) => a ? b : (c);",
			want: "const c = (a) => (__vatMeter(), a ? b : (c));",
		},
		{
			name: "for of without block",
			in:   "for (const x of xs) total += x;",
			want: "for (const x of xs) {__vatMeter(); total += x; }",
		},
		{
			name: "for in without block",
			in:   "for (k in o) n++",
			want: "for (k in o) {__vatMeter(); n++ }",
		},
		{
			name: "for in with block",
			in:   "for (const k in o) { n++; }",
			want: "for (const k in o) {__vatMeter(); n++; }",
		},
	}
	for _, tc := range cases {
		got, err := Instrument(tc.in)
		if err != nil {
			t.Fatalf("%s: instrument: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s:\n got %q\nwant %q", tc.name, got, tc.want)
		}
	}
}

func TestInstrumentRejectsReservedIdentifier(t *testing.T) {
	testlog.Start(t)

	_, err := Instrument("__vatMeter = () => true;")
	if !errors.Is(err, ErrReservedIdentifier) {
		t.Fatalf("expected ErrReservedIdentifier, got %v", err)
	}
}

func TestInstrumentRejectsMalformedSource(t *testing.T) {
	testlog.Start(t)

	for _, src := range []string{
		"function f() {",
		"'abc",
		"/* open",
		"`unterminated ${x}",
		"f(]",
		"with (o) { x; }",
	} {
		if _, err := Instrument(src); !errors.Is(err, ErrInstrument) {
			t.Fatalf("source %q: expected ErrInstrument, got %v", src, err)
		}
	}
}

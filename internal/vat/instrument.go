package vat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// MeterHook is the global the instrumented code calls. It returns true while
// budget remains so it can sit inside loop conditions.
const MeterHook = "__vatMeter"

var (
	ErrReservedIdentifier = errors.New("vat: source uses reserved identifier " + MeterHook)
	ErrInstrument         = errors.New("vat: cannot instrument source")
)

// Instrument parses src and threads meter checks through it:
//   - at the top of every function, method and arrow body;
//   - at the top of loop, if/else and try/catch/finally blocks;
//   - into the condition of every while, do-while and classic for loop;
//   - around every concise arrow body, as (__vatMeter(), expr);
//   - around non-block for-in and for-of bodies.
//
// Switch bodies, class bodies, object literals and bare blocks are left
// alone. with statements are rejected since they can shadow the hook.
func Instrument(src string) (string, error) {
	if strings.Contains(src, MeterHook) {
		return "", ErrReservedIdentifier
	}
	prog, err := parser.ParseFile(nil, "", src, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInstrument, err)
	}
	in := &instrumenter{src: src, regexes: make(map[int]bool)}
	in.stmts(prog.Body)
	if in.err != nil {
		return "", in.err
	}
	if err := in.lex(); err != nil {
		return "", err
	}
	for _, task := range in.tasks {
		if err := task(); err != nil {
			return "", err
		}
	}
	return in.render(), nil
}

// off converts a parser index into a byte offset. ParseFile without a file
// set numbers the source from 1.
func off(idx file.Idx) int {
	return int(idx) - 1
}

type insertion struct {
	at    int
	text  string
	close bool
	seq   int
}

// tok is a significant token. c is the punctuator byte, or 'w' for words
// and numbers, 's' for strings, 'r' for regular expressions and 't' for
// template text.
type tok struct {
	pos, end int
	c        byte
}

type instrumenter struct {
	src     string
	regexes map[int]bool
	tasks   []func() error
	err     error

	toks  []tok
	match []int

	inserts []insertion
}

func (in *instrumenter) fail(msg string) {
	if in.err == nil {
		in.err = fmt.Errorf("%w: %s", ErrInstrument, msg)
	}
}

// later queues work that needs the token list. Tasks run in walk order, so
// an enclosing construct always queues before the constructs inside it.
func (in *instrumenter) later(task func() error) {
	in.tasks = append(in.tasks, task)
}

func (in *instrumenter) insert(at int, text string) {
	in.inserts = append(in.inserts, insertion{at: at, text: text, seq: len(in.inserts)})
}

func (in *instrumenter) insertClose(at int, text string) {
	in.inserts = append(in.inserts, insertion{at: at, text: text, close: true, seq: len(in.inserts)})
}

func (in *instrumenter) render() string {
	ins := in.inserts
	// At one offset closers go first, innermost first, then openers outermost
	// first.
	sort.Slice(ins, func(i, j int) bool {
		a, b := ins[i], ins[j]
		if a.at != b.at {
			return a.at < b.at
		}
		if a.close != b.close {
			return a.close
		}
		if a.close {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
	var sb strings.Builder
	last := 0
	for _, at := range ins {
		sb.WriteString(in.src[last:at.at])
		sb.WriteString(at.text)
		last = at.at
	}
	sb.WriteString(in.src[last:])
	return sb.String()
}

// AST walk

func (in *instrumenter) stmts(list []ast.Statement) {
	for _, st := range list {
		in.stmt(st)
	}
}

func (in *instrumenter) stmt(st ast.Statement) {
	if in.err != nil || st == nil {
		return
	}
	switch st := st.(type) {
	case *ast.BlockStatement:
		in.stmts(st.List)
	case *ast.ExpressionStatement:
		in.expr(st.Expression)
	case *ast.VariableStatement:
		in.bindings(st.List)
	case *ast.LexicalDeclaration:
		in.bindings(st.List)
	case *ast.FunctionDeclaration:
		in.function(st.Function)
	case *ast.ClassDeclaration:
		in.class(st.Class)
	case *ast.IfStatement:
		in.expr(st.Test)
		in.branch(st.Consequent)
		in.branch(st.Alternate)
	case *ast.WhileStatement:
		at := off(st.While)
		in.later(func() error { return in.meterWhile(at) })
		in.expr(st.Test)
		in.branch(st.Body)
	case *ast.DoWhileStatement:
		in.branch(st.Body)
		test := st.Test
		in.later(func() error { return in.meterDoWhile(test) })
		in.expr(st.Test)
	case *ast.ForStatement:
		f := st
		in.later(func() error { return in.meterFor(f) })
		switch init := st.Initializer.(type) {
		case *ast.ForLoopInitializerExpression:
			in.expr(init.Expression)
		case *ast.ForLoopInitializerVarDeclList:
			in.bindings(init.List)
		case *ast.ForLoopInitializerLexicalDecl:
			in.bindings(init.LexicalDeclaration.List)
		}
		in.expr(st.Test)
		in.expr(st.Update)
		in.branch(st.Body)
	case *ast.ForInStatement:
		in.into(st.Into)
		in.expr(st.Source)
		in.loopBody(st.Body)
	case *ast.ForOfStatement:
		in.into(st.Into)
		in.expr(st.Source)
		in.loopBody(st.Body)
	case *ast.TryStatement:
		in.block(st.Body)
		if st.Catch != nil {
			in.expr(st.Catch.Parameter)
			in.block(st.Catch.Body)
		}
		if st.Finally != nil {
			in.block(st.Finally)
		}
	case *ast.SwitchStatement:
		in.expr(st.Discriminant)
		for _, c := range st.Body {
			in.expr(c.Test)
			in.stmts(c.Consequent)
		}
	case *ast.LabelledStatement:
		in.stmt(st.Statement)
	case *ast.ReturnStatement:
		in.expr(st.Argument)
	case *ast.ThrowStatement:
		in.expr(st.Argument)
	case *ast.WithStatement:
		in.fail("with statement")
	case *ast.BranchStatement, *ast.EmptyStatement, *ast.DebuggerStatement:
	default:
		in.fail(fmt.Sprintf("unsupported statement %T", st))
	}
}

func (in *instrumenter) block(b *ast.BlockStatement) {
	in.insert(off(b.LeftBrace)+1, MeterHook+"();")
	in.stmts(b.List)
}

// branch meters st when it is a block.
func (in *instrumenter) branch(st ast.Statement) {
	if b, ok := st.(*ast.BlockStatement); ok {
		in.block(b)
		return
	}
	in.stmt(st)
}

// loopBody meters the body of a loop with no condition to hook into.
func (in *instrumenter) loopBody(st ast.Statement) {
	if b, ok := st.(*ast.BlockStatement); ok {
		in.block(b)
		return
	}
	in.later(func() error { return in.wrapStatement(st) })
	in.stmt(st)
}

func (in *instrumenter) into(into ast.ForInto) {
	switch into := into.(type) {
	case *ast.ForIntoVar:
		in.expr(into.Binding)
	case *ast.ForDeclaration:
		in.expr(into.Target)
	case *ast.ForIntoExpression:
		in.expr(into.Expression)
	}
}

func (in *instrumenter) bindings(list []*ast.Binding) {
	for _, b := range list {
		in.expr(b.Target)
		in.expr(b.Initializer)
	}
}

func (in *instrumenter) params(p *ast.ParameterList) {
	if p == nil {
		return
	}
	in.bindings(p.List)
	in.expr(p.Rest)
}

func (in *instrumenter) function(f *ast.FunctionLiteral) {
	in.params(f.ParameterList)
	in.block(f.Body)
}

func (in *instrumenter) class(c *ast.ClassLiteral) {
	in.expr(c.SuperClass)
	for _, el := range c.Body {
		switch el := el.(type) {
		case *ast.MethodDefinition:
			if el.Computed {
				in.expr(el.Key)
			}
			in.function(el.Body)
		case *ast.FieldDefinition:
			if el.Computed {
				in.expr(el.Key)
			}
			in.expr(el.Initializer)
		case *ast.ClassStaticBlock:
			in.stmts(el.Block.List)
		}
	}
}

func (in *instrumenter) exprs(list []ast.Expression) {
	for _, e := range list {
		in.expr(e)
	}
}

func (in *instrumenter) expr(e ast.Expression) {
	if in.err != nil || e == nil {
		return
	}
	switch e := e.(type) {
	case *ast.Identifier, *ast.PrivateIdentifier, *ast.NullLiteral, *ast.BooleanLiteral,
		*ast.NumberLiteral, *ast.StringLiteral, *ast.ThisExpression, *ast.SuperExpression,
		*ast.MetaProperty:
	case *ast.RegExpLiteral:
		in.regexes[off(e.Idx)] = true
	case *ast.TemplateLiteral:
		in.expr(e.Tag)
		in.exprs(e.Expressions)
	case *ast.ArrayLiteral:
		in.exprs(e.Value)
	case *ast.ArrayPattern:
		in.exprs(e.Elements)
		in.expr(e.Rest)
	case *ast.ObjectLiteral:
		for _, p := range e.Value {
			in.expr(p)
		}
	case *ast.ObjectPattern:
		for _, p := range e.Properties {
			in.expr(p)
		}
		in.expr(e.Rest)
	case *ast.PropertyKeyed:
		if e.Computed {
			in.expr(e.Key)
		}
		in.expr(e.Value)
	case *ast.PropertyShort:
		in.expr(e.Initializer)
	case *ast.SpreadElement:
		in.expr(e.Expression)
	case *ast.Binding:
		in.expr(e.Target)
		in.expr(e.Initializer)
	case *ast.AssignExpression:
		in.expr(e.Left)
		in.expr(e.Right)
	case *ast.BinaryExpression:
		in.expr(e.Left)
		in.expr(e.Right)
	case *ast.ConditionalExpression:
		in.expr(e.Test)
		in.expr(e.Consequent)
		in.expr(e.Alternate)
	case *ast.UnaryExpression:
		in.expr(e.Operand)
	case *ast.SequenceExpression:
		in.exprs(e.Sequence)
	case *ast.CallExpression:
		in.expr(e.Callee)
		in.exprs(e.ArgumentList)
	case *ast.NewExpression:
		in.expr(e.Callee)
		in.exprs(e.ArgumentList)
	case *ast.DotExpression:
		in.expr(e.Left)
	case *ast.PrivateDotExpression:
		in.expr(e.Left)
	case *ast.BracketExpression:
		in.expr(e.Left)
		in.expr(e.Member)
	case *ast.OptionalChain:
		in.expr(e.Expression)
	case *ast.Optional:
		in.expr(e.Expression)
	case *ast.YieldExpression:
		in.expr(e.Argument)
	case *ast.AwaitExpression:
		in.expr(e.Argument)
	case *ast.FunctionLiteral:
		in.function(e)
	case *ast.ClassLiteral:
		in.class(e)
	case *ast.ArrowFunctionLiteral:
		in.params(e.ParameterList)
		switch body := e.Body.(type) {
		case *ast.BlockStatement:
			in.block(body)
		case *ast.ExpressionBody:
			x := body.Expression
			in.later(func() error { return in.meterConcise(x) })
			in.expr(x)
		}
	default:
		in.fail(fmt.Sprintf("unsupported expression %T", e))
	}
}

// Insertions that need token positions

func (in *instrumenter) meterWhile(at int) error {
	i, err := in.tokAt(at)
	if err != nil {
		return err
	}
	if i+1 >= len(in.toks) || in.toks[i+1].c != '(' {
		return fmt.Errorf("%w: while without condition at %d", ErrInstrument, at)
	}
	in.insert(in.toks[i+1].end, MeterHook+"(), ")
	return nil
}

func (in *instrumenter) meterDoWhile(test ast.Expression) error {
	open, err := in.header(test)
	if err != nil {
		return err
	}
	in.insert(in.toks[open].end, MeterHook+"(), ")
	return nil
}

func (in *instrumenter) meterFor(f *ast.ForStatement) error {
	i, err := in.tokAt(off(f.For))
	if err != nil {
		return err
	}
	open := i + 1
	if open >= len(in.toks) || in.toks[open].c != '(' {
		return fmt.Errorf("%w: for without header at %d", ErrInstrument, off(f.For))
	}
	for j := open + 1; j < in.match[open]; j++ {
		switch t := in.toks[j]; {
		case isOpen(t.c):
			j = in.match[j]
		case t.c == ';':
			if f.Test != nil {
				in.insert(t.end, " "+MeterHook+"(),")
			} else {
				in.insert(t.end, " "+MeterHook+"()")
			}
			return nil
		}
	}
	return fmt.Errorf("%w: for header without condition slot at %d", ErrInstrument, off(f.For))
}

func (in *instrumenter) meterConcise(body ast.Expression) error {
	start, end, err := in.span(body)
	if err != nil {
		return err
	}
	in.insert(in.toks[start].pos, "("+MeterHook+"(), ")
	in.insertClose(end, ")")
	return nil
}

func (in *instrumenter) wrapStatement(st ast.Statement) error {
	start := off(st.Idx0())
	if es, ok := st.(*ast.ExpressionStatement); ok {
		s, _, err := in.span(es.Expression)
		if err != nil {
			return err
		}
		start = in.toks[s].pos
	}
	end, err := in.stmtEnd(st)
	if err != nil {
		return err
	}
	in.insert(start, "{"+MeterHook+"(); ")
	in.insertClose(end, " }")
	return nil
}

// header returns the index of the parenthesis that opens the condition
// holding test.
func (in *instrumenter) header(test ast.Expression) (int, error) {
	i, err := in.tokAt(in.leftmost(test))
	if err != nil {
		return 0, err
	}
	s := in.openRun(i)
	if s == i {
		return 0, fmt.Errorf("%w: condition without parenthesis at %d", ErrInstrument, in.toks[i].pos)
	}
	return s, nil
}

// openRun walks back over the opening parentheses directly before token i.
func (in *instrumenter) openRun(i int) int {
	for i > 0 && in.toks[i-1].c == '(' {
		i--
	}
	return i
}

// span returns the first token of e, counting parentheses wrapped around
// it, and the byte offset just past its last closing parenthesis. It is
// only used where the token before e cannot be an opening parenthesis.
func (in *instrumenter) span(e ast.Expression) (int, int, error) {
	i, err := in.tokAt(in.leftmost(e))
	if err != nil {
		return 0, 0, err
	}
	start := in.openRun(i)
	last, err := in.end(e)
	if err != nil {
		return 0, 0, err
	}
	depth := 0
	j := start
	for ; j < len(in.toks) && in.toks[j].pos < last; j++ {
		switch c := in.toks[j].c; {
		case isOpen(c):
			depth++
		case isClose(c):
			depth--
		}
	}
	for ; depth > 0; j++ {
		if j >= len(in.toks) || !isClose(in.toks[j].c) {
			return 0, 0, fmt.Errorf("%w: unbalanced expression at %d", ErrInstrument, in.toks[start].pos)
		}
		depth--
	}
	if depth < 0 || j == start {
		return 0, 0, fmt.Errorf("%w: unbalanced expression at %d", ErrInstrument, in.toks[start].pos)
	}
	return start, in.toks[j-1].end, nil
}

// leftmost returns the offset of the first token of e, not counting
// parentheses around it.
func (in *instrumenter) leftmost(e ast.Expression) int {
	switch e := e.(type) {
	case *ast.AssignExpression:
		return in.leftmost(e.Left)
	case *ast.BinaryExpression:
		return in.leftmost(e.Left)
	case *ast.ConditionalExpression:
		return in.leftmost(e.Test)
	case *ast.SequenceExpression:
		return in.leftmost(e.Sequence[0])
	case *ast.CallExpression:
		return in.leftmost(e.Callee)
	case *ast.DotExpression:
		return in.leftmost(e.Left)
	case *ast.PrivateDotExpression:
		return in.leftmost(e.Left)
	case *ast.BracketExpression:
		return in.leftmost(e.Left)
	case *ast.OptionalChain:
		return in.leftmost(e.Expression)
	case *ast.Optional:
		return in.leftmost(e.Expression)
	case *ast.Binding:
		return in.leftmost(e.Target)
	case *ast.UnaryExpression:
		if e.Postfix {
			return in.leftmost(e.Operand)
		}
	case *ast.TemplateLiteral:
		if e.Tag != nil {
			return in.leftmost(e.Tag)
		}
	}
	return off(e.Idx0())
}

// end returns the offset just past the last token of e, not counting
// parentheses around its trailing operand.
func (in *instrumenter) end(e ast.Expression) (int, error) {
	switch e := e.(type) {
	case *ast.Identifier:
		return in.tokEnd(off(e.Idx))
	case *ast.NullLiteral:
		return in.tokEnd(off(e.Idx))
	case *ast.BooleanLiteral:
		return in.tokEnd(off(e.Idx))
	case *ast.ThisExpression:
		return in.tokEnd(off(e.Idx))
	case *ast.SuperExpression:
		return in.tokEnd(off(e.Idx))
	case *ast.StringLiteral:
		return in.tokEnd(off(e.Idx))
	case *ast.RegExpLiteral:
		return in.tokEnd(off(e.Idx))
	case *ast.NumberLiteral:
		return off(e.Idx) + len(e.Literal), nil
	case *ast.MetaProperty:
		return in.tokEnd(off(e.Property.Idx))
	case *ast.DotExpression:
		return in.tokEnd(off(e.Identifier.Idx))
	case *ast.PrivateDotExpression:
		return in.tokEnd(off(e.Identifier.Idx))
	case *ast.TemplateLiteral:
		return int(e.CloseQuote), nil
	case *ast.ArrayLiteral:
		return int(e.RightBracket), nil
	case *ast.ArrayPattern:
		return int(e.RightBracket), nil
	case *ast.ObjectLiteral:
		return int(e.RightBrace), nil
	case *ast.ObjectPattern:
		return int(e.RightBrace), nil
	case *ast.BracketExpression:
		return int(e.RightBracket), nil
	case *ast.CallExpression:
		return int(e.RightParenthesis), nil
	case *ast.NewExpression:
		if e.RightParenthesis > 0 {
			return int(e.RightParenthesis), nil
		}
		return in.end(e.Callee)
	case *ast.FunctionLiteral:
		return int(e.Body.RightBrace), nil
	case *ast.ClassLiteral:
		return int(e.RightBrace), nil
	case *ast.ArrowFunctionLiteral:
		switch body := e.Body.(type) {
		case *ast.BlockStatement:
			return int(body.RightBrace), nil
		case *ast.ExpressionBody:
			_, end, err := in.span(body.Expression)
			return end, err
		}
	case *ast.AssignExpression:
		return in.end(e.Right)
	case *ast.BinaryExpression:
		return in.end(e.Right)
	case *ast.ConditionalExpression:
		return in.end(e.Alternate)
	case *ast.SequenceExpression:
		return in.end(e.Sequence[len(e.Sequence)-1])
	case *ast.UnaryExpression:
		if e.Postfix {
			return off(e.Idx) + 2, nil
		}
		return in.end(e.Operand)
	case *ast.YieldExpression:
		if e.Argument != nil {
			return in.end(e.Argument)
		}
		return in.tokEnd(off(e.Yield))
	case *ast.AwaitExpression:
		return in.end(e.Argument)
	case *ast.OptionalChain:
		return in.end(e.Expression)
	case *ast.Optional:
		return in.end(e.Expression)
	case *ast.SpreadElement:
		return in.end(e.Expression)
	case *ast.Binding:
		if e.Initializer != nil {
			return in.end(e.Initializer)
		}
		return in.end(e.Target)
	}
	return 0, fmt.Errorf("%w: cannot find the end of %T", ErrInstrument, e)
}

// stmtEnd returns the offset just past st, including its semicolon.
func (in *instrumenter) stmtEnd(st ast.Statement) (int, error) {
	switch st := st.(type) {
	case *ast.BlockStatement:
		return int(st.RightBrace), nil
	case *ast.EmptyStatement:
		return int(st.Semicolon), nil
	case *ast.ExpressionStatement:
		_, end, err := in.span(st.Expression)
		return in.semicolon(end, err)
	case *ast.VariableStatement:
		return in.semicolon(in.bindingEnd(st.List[len(st.List)-1]))
	case *ast.LexicalDeclaration:
		return in.semicolon(in.bindingEnd(st.List[len(st.List)-1]))
	case *ast.ReturnStatement:
		if st.Argument == nil {
			return in.semicolon(in.tokEnd(off(st.Return)))
		}
		_, end, err := in.span(st.Argument)
		return in.semicolon(end, err)
	case *ast.ThrowStatement:
		_, end, err := in.span(st.Argument)
		return in.semicolon(end, err)
	case *ast.BranchStatement:
		if st.Label != nil {
			return in.semicolon(in.tokEnd(off(st.Label.Idx)))
		}
		return in.semicolon(in.tokEnd(off(st.Idx)))
	case *ast.DebuggerStatement:
		return in.semicolon(in.tokEnd(off(st.Debugger)))
	case *ast.IfStatement:
		if st.Alternate != nil {
			return in.stmtEnd(st.Alternate)
		}
		return in.stmtEnd(st.Consequent)
	case *ast.WhileStatement:
		return in.stmtEnd(st.Body)
	case *ast.ForStatement:
		return in.stmtEnd(st.Body)
	case *ast.ForInStatement:
		return in.stmtEnd(st.Body)
	case *ast.ForOfStatement:
		return in.stmtEnd(st.Body)
	case *ast.LabelledStatement:
		return in.stmtEnd(st.Statement)
	case *ast.DoWhileStatement:
		open, err := in.header(st.Test)
		if err != nil {
			return 0, err
		}
		return in.semicolon(in.toks[in.match[open]].end, nil)
	case *ast.TryStatement:
		switch {
		case st.Finally != nil:
			return int(st.Finally.RightBrace), nil
		case st.Catch != nil:
			return int(st.Catch.Body.RightBrace), nil
		}
		return int(st.Body.RightBrace), nil
	case *ast.SwitchStatement:
		i, err := in.tokAt(off(st.Switch))
		if err != nil {
			return 0, err
		}
		body := in.match[i+1] + 1
		if body >= len(in.toks) || in.toks[body].c != '{' {
			return 0, fmt.Errorf("%w: switch without body at %d", ErrInstrument, off(st.Switch))
		}
		return in.toks[in.match[body]].end, nil
	case *ast.FunctionDeclaration:
		return int(st.Function.Body.RightBrace), nil
	case *ast.ClassDeclaration:
		return int(st.Class.RightBrace), nil
	}
	return 0, fmt.Errorf("%w: cannot find the end of %T", ErrInstrument, st)
}

func (in *instrumenter) bindingEnd(b *ast.Binding) (int, error) {
	if b.Initializer == nil {
		return in.end(b.Target)
	}
	_, end, err := in.span(b.Initializer)
	return end, err
}

// semicolon extends end over a directly following semicolon.
func (in *instrumenter) semicolon(end int, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	i := sort.Search(len(in.toks), func(i int) bool { return in.toks[i].pos >= end })
	if i < len(in.toks) && in.toks[i].c == ';' {
		return in.toks[i].end, nil
	}
	return end, nil
}

// tokAt returns the index of the token covering offset pos.
func (in *instrumenter) tokAt(pos int) (int, error) {
	i := sort.Search(len(in.toks), func(i int) bool { return in.toks[i].end > pos })
	if i == len(in.toks) || in.toks[i].pos > pos {
		return 0, fmt.Errorf("%w: no token at offset %d", ErrInstrument, pos)
	}
	return i, nil
}

func (in *instrumenter) tokEnd(pos int) (int, error) {
	i, err := in.tokAt(pos)
	if err != nil {
		return 0, err
	}
	return in.toks[i].end, nil
}

// Tokens

func (in *instrumenter) emit(pos, end int, c byte) {
	in.toks = append(in.toks, tok{pos: pos, end: end, c: c})
	in.match = append(in.match, -1)
}

// lex splits the source into significant tokens and pairs up brackets. The
// parser has already accepted the source, and regular expressions are told
// apart from division by the offsets the walk recorded.
func (in *instrumenter) lex() error {
	src := in.src
	// open tokens; template marks the ones that opened a ${ substitution
	var stack []int
	var template []bool
	pos := 0
	for pos < len(src) {
		c := src[pos]
		var err error
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f':
			pos++
		case c >= utf8.RuneSelf && isSpaceRune(src[pos:]):
			_, size := utf8.DecodeRuneInString(src[pos:])
			pos += size
		case c == '/' && in.regexes[pos]:
			pos, err = in.regex(pos)
		case c == '/' && peekByte(src, pos+1) == '/':
			for pos < len(src) && src[pos] != '\n' && src[pos] != '\r' {
				pos++
			}
		case c == '/' && peekByte(src, pos+1) == '*':
			n := strings.Index(src[pos+2:], "*/")
			if n < 0 {
				return fmt.Errorf("%w: unterminated comment", ErrInstrument)
			}
			pos += n + 4
		case c == '\'' || c == '"':
			pos, err = in.str(pos)
		case c == '`':
			var subst bool
			pos, subst, err = in.chunk(pos, pos+1)
			if subst {
				stack = append(stack, len(in.toks)-1)
				template = append(template, true)
			}
		case isWordByte(c) || c == '#' || c == '\\' || (c == '.' && isDigit(peekByte(src, pos+1))) || c >= utf8.RuneSelf:
			pos = in.word(pos)
		case c == '(' || c == '[' || c == '{':
			in.emit(pos, pos+1, c)
			stack = append(stack, len(in.toks)-1)
			template = append(template, false)
			pos++
		case c == ')' || c == ']' || c == '}':
			n := len(stack)
			if n == 0 || !pairs(in.toks[stack[n-1]].c, c) {
				return fmt.Errorf("%w: unbalanced %q at %d", ErrInstrument, c, pos)
			}
			open, subst := stack[n-1], template[n-1]
			stack, template = stack[:n-1], template[:n-1]
			in.emit(pos, pos+1, c)
			in.match[open] = len(in.toks) - 1
			in.match[len(in.toks)-1] = open
			pos++
			if subst {
				var again bool
				pos, again, err = in.chunk(pos, pos)
				if again {
					stack = append(stack, len(in.toks)-1)
					template = append(template, true)
				}
			}
		default:
			in.emit(pos, pos+1, c)
			pos++
		}
		if err != nil {
			return err
		}
	}
	if len(stack) != 0 {
		return fmt.Errorf("%w: unclosed %q", ErrInstrument, in.toks[stack[len(stack)-1]].c)
	}
	return nil
}

// chunk scans template text from pos up to the closing backquote or the
// next substitution. A substitution emits its opening brace and reports
// true.
func (in *instrumenter) chunk(start, pos int) (int, bool, error) {
	src := in.src
	for pos < len(src) {
		switch src[pos] {
		case '\\':
			pos += 2
			continue
		case '`':
			in.emit(start, pos+1, 't')
			return pos + 1, false, nil
		case '$':
			if peekByte(src, pos+1) == '{' {
				in.emit(start, pos+1, 't')
				in.emit(pos+1, pos+2, '{')
				return pos + 2, true, nil
			}
		}
		pos++
	}
	return pos, false, fmt.Errorf("%w: unterminated template", ErrInstrument)
}

func (in *instrumenter) str(pos int) (int, error) {
	src := in.src
	quote := src[pos]
	start := pos
	for pos++; pos < len(src); pos++ {
		switch src[pos] {
		case '\\':
			pos++
		case quote:
			in.emit(start, pos+1, 's')
			return pos + 1, nil
		}
	}
	return pos, fmt.Errorf("%w: unterminated string", ErrInstrument)
}

func (in *instrumenter) regex(pos int) (int, error) {
	src := in.src
	start := pos
	class := false
	for pos++; pos < len(src); pos++ {
		switch c := src[pos]; {
		case c == '\\':
			pos++
		case c == '\n' || c == '\r':
			return pos, fmt.Errorf("%w: unterminated regular expression", ErrInstrument)
		case c == '[':
			class = true
		case c == ']':
			class = false
		case c == '/' && !class:
			pos++
			for pos < len(src) && isWordByte(src[pos]) {
				pos++
			}
			in.emit(start, pos, 'r')
			return pos, nil
		}
	}
	return pos, fmt.Errorf("%w: unterminated regular expression", ErrInstrument)
}

// word scans an identifier, keyword, private name or number.
func (in *instrumenter) word(pos int) int {
	src := in.src
	start := pos
	if src[pos] == '#' || src[pos] == '.' {
		pos++
	}
	for pos < len(src) {
		c := src[pos]
		switch {
		case isWordByte(c):
			pos++
		case c == '\\':
			pos++
			if peekByte(src, pos) == 'u' && peekByte(src, pos+1) == '{' {
				if n := strings.IndexByte(src[pos:], '}'); n >= 0 {
					pos += n + 1
				}
			}
		case c >= utf8.RuneSelf && !isSpaceRune(src[pos:]):
			_, size := utf8.DecodeRuneInString(src[pos:])
			pos += size
		default:
			in.emit(start, pos, 'w')
			return pos
		}
	}
	in.emit(start, pos, 'w')
	return pos
}

func peekByte(src string, pos int) byte {
	if pos < len(src) {
		return src[pos]
	}
	return 0
}

func isSpaceRune(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r) || r == '\ufeff'
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isOpen(c byte) bool {
	return c == '(' || c == '[' || c == '{'
}

func isClose(c byte) bool {
	return c == ')' || c == ']' || c == '}'
}

func pairs(open, close byte) bool {
	switch open {
	case '(':
		return close == ')'
	case '[':
		return close == ']'
	}
	return open == '{' && close == '}'
}

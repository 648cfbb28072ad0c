package sdbql

import (
	"fmt"
	"strconv"

	"github.com/solisoft/solidb/internal/sdberr"
)

// Parse tokenises and parses one SDBQL statement.
func Parse(src string) (*Query, error) {
	toks, err := newLexer(src).tokenize()
	if err != nil {
		return nil, sdberr.Wrap(sdberr.ErrParse, err.Error())
	}
	p := &parser{toks: toks, vars: map[string]bool{}}
	q, err := p.parseQuery()
	if err != nil {
		return nil, sdberr.Wrap(sdberr.ErrParse, err.Error())
	}
	return q, nil
}

type parser struct {
	toks []token
	pos  int
	vars map[string]bool // variable names bound so far, for source disambiguation
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) at(i int) token {
	if p.pos+i >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+i]
}
func (p *parser) advance() token { t := p.cur(); p.pos++; return t }

func (p *parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokKeyword && t.text == kw
}

func (p *parser) isPunct(s string) bool {
	t := p.cur()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return fmt.Errorf("sdbql: parse: expected %s, got %q at offset %d", kw, p.cur().text, p.cur().pos)
	}
	p.advance()
	return nil
}

func (p *parser) expectPunct(s string) error {
	if !p.isPunct(s) {
		return fmt.Errorf("sdbql: parse: expected %q, got %q at offset %d", s, p.cur().text, p.cur().pos)
	}
	p.advance()
	return nil
}

func (p *parser) expectIdent() (string, error) {
	t := p.cur()
	if t.kind != tokIdent {
		return "", fmt.Errorf("sdbql: parse: expected identifier, got %q at offset %d", t.text, t.pos)
	}
	p.advance()
	return t.text, nil
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{}
	for {
		switch {
		case p.isKeyword("FOR"):
			c, err := p.parseFor()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("FILTER"):
			p.advance()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, &FilterClause{Expr: e})
		case p.isKeyword("LET"):
			c, err := p.parseLet()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("SORT"):
			c, err := p.parseSort()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("LIMIT"):
			c, err := p.parseLimit()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("COLLECT"):
			c, err := p.parseCollect()
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, c)
		case p.isKeyword("RETURN"):
			r, err := p.parseReturn()
			if err != nil {
				return nil, err
			}
			q.Return = r
			return q, p.expectEnd()
		case p.isKeyword("INSERT"):
			m, err := p.parseInsert()
			if err != nil {
				return nil, err
			}
			q.Mutation = m
			return q, p.expectEnd()
		case p.isKeyword("UPDATE"):
			m, err := p.parseUpdate()
			if err != nil {
				return nil, err
			}
			q.Mutation = m
			return q, p.expectEnd()
		case p.isKeyword("REPLACE"):
			m, err := p.parseReplace()
			if err != nil {
				return nil, err
			}
			q.Mutation = m
			return q, p.expectEnd()
		case p.isKeyword("REMOVE"):
			m, err := p.parseRemove()
			if err != nil {
				return nil, err
			}
			q.Mutation = m
			return q, p.expectEnd()
		case p.isKeyword("UPSERT"):
			m, err := p.parseUpsert()
			if err != nil {
				return nil, err
			}
			q.Mutation = m
			return q, p.expectEnd()
		default:
			return nil, fmt.Errorf("sdbql: parse: unexpected token %q at offset %d", p.cur().text, p.cur().pos)
		}
	}
}

func (p *parser) expectEnd() error {
	if p.cur().kind != tokEOF {
		return fmt.Errorf("sdbql: parse: unexpected trailing token %q at offset %d", p.cur().text, p.cur().pos)
	}
	return nil
}

func (p *parser) parseFor() (*ForClause, error) {
	p.advance() // FOR
	v, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	fc := &ForClause{Var: v}
	if p.isPunct(",") {
		p.advance()
		ev, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		fc.EdgeVar = ev
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}

	src, err := p.parseSource()
	if err != nil {
		return nil, err
	}
	fc.Source = src

	p.vars[fc.Var] = true
	if fc.EdgeVar != "" {
		p.vars[fc.EdgeVar] = true
	}
	return fc, nil
}

func (p *parser) parseSource() (Source, error) {
	if p.isKeyword("SHORTEST_PATH") {
		p.advance()
		start, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("TO"); err != nil {
			return nil, err
		}
		target, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		dir, err := p.parseDirection()
		if err != nil {
			return nil, err
		}
		edgeColl, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &ShortestPathSource{Start: start, Target: target, Direction: dir, EdgeColl: edgeColl}, nil
	}

	if p.cur().kind == tokNumber && p.at(1).kind == tokPunct && p.at(1).text == ".." {
		minTok := p.advance()
		p.advance() // ".."
		maxTok := p.cur()
		if maxTok.kind != tokNumber {
			return nil, fmt.Errorf("sdbql: parse: expected integer max depth at offset %d", maxTok.pos)
		}
		p.advance()
		min, _ := strconv.Atoi(minTok.text)
		max, _ := strconv.Atoi(maxTok.text)
		dir, err := p.parseDirection()
		if err != nil {
			return nil, err
		}
		start, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		edgeColl, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &GraphSource{Min: min, Max: max, Direction: dir, Start: start, EdgeColl: edgeColl}, nil
	}

	if p.cur().kind == tokBindAttr {
		name := p.advance().text
		return &BindCollectionSource{Name: name}, nil
	}

	if p.cur().kind == tokIdent && !p.vars[p.cur().text] && !p.followedByMemberOrCall() {
		name := p.advance().text
		return &CollectionSource{Name: name}, nil
	}

	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ExprSource{Expr: e}, nil
}

// followedByMemberOrCall reports whether the identifier at the current
// position is immediately followed by '.', '[', or '(' — in which case it
// is an expression (member access, index, or function call), not a bare
// collection name.
func (p *parser) followedByMemberOrCall() bool {
	n := p.at(1)
	return n.kind == tokPunct && (n.text == "." || n.text == "[" || n.text == "(")
}

func (p *parser) parseDirection() (Direction, error) {
	switch {
	case p.isKeyword("OUTBOUND"):
		p.advance()
		return DirOutbound, nil
	case p.isKeyword("INBOUND"):
		p.advance()
		return DirInbound, nil
	case p.isKeyword("ANY"):
		p.advance()
		return DirAny, nil
	default:
		return "", fmt.Errorf("sdbql: parse: expected OUTBOUND/INBOUND/ANY at offset %d", p.cur().pos)
	}
}

func (p *parser) parseLet() (*LetClause, error) {
	p.advance() // LET
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.vars[name] = true
	return &LetClause{Var: name, Expr: e}, nil
}

func (p *parser) parseSort() (*SortClause, error) {
	p.advance() // SORT
	var keys []SortKey
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		desc := false
		if p.isKeyword("ASC") {
			p.advance()
		} else if p.isKeyword("DESC") {
			p.advance()
			desc = true
		}
		keys = append(keys, SortKey{Expr: e, Descending: desc})
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return &SortClause{Keys: keys}, nil
}

func (p *parser) parseLimit() (*LimitClause, error) {
	p.advance() // LIMIT
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.isPunct(",") {
		p.advance()
		second, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &LimitClause{Offset: first, Count: second}, nil
	}
	return &LimitClause{Count: first}, nil
}

func (p *parser) parseCollect() (*CollectClause, error) {
	p.advance() // COLLECT
	key, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	cc := &CollectClause{KeyVar: key, KeyExpr: e}
	p.vars[key] = true
	if p.isKeyword("WITH") {
		p.advance()
		if err := p.expectKeyword("COUNT"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("INTO"); err != nil {
			return nil, err
		}
		countVar, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cc.CountVar = countVar
		p.vars[countVar] = true
	}
	return cc, nil
}

func (p *parser) parseReturn() (*ReturnClause, error) {
	p.advance() // RETURN
	distinct := false
	if p.isKeyword("DISTINCT") {
		p.advance()
		distinct = true
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ReturnClause{Distinct: distinct, Expr: e}, nil
}

func (p *parser) parseOptionalReturn() (*ReturnClause, error) {
	if p.isKeyword("RETURN") {
		return p.parseReturn()
	}
	return nil, nil
}

func (p *parser) parseInsert() (*InsertClause, error) {
	p.advance() // INSERT
	doc, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return p.finishInsert(doc)
}

func (p *parser) finishInsert(doc Expr) (*InsertClause, error) {
	// INSERT doc INTO collection [RETURN expr]
	if p.isKeyword("IN") {
		p.advance()
	} else if p.isKeyword("INTO") {
		p.advance()
	} else {
		return nil, fmt.Errorf("sdbql: parse: expected INTO after INSERT document at offset %d", p.cur().pos)
	}
	coll, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	ret, err := p.parseOptionalReturn()
	if err != nil {
		return nil, err
	}
	return &InsertClause{Doc: doc, Collection: coll, Return: ret}, nil
}

func (p *parser) parseUpdate() (*UpdateClause, error) {
	p.advance() // UPDATE
	key, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("WITH"); err != nil {
		return nil, err
	}
	patch, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	coll, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	ret, err := p.parseOptionalReturn()
	if err != nil {
		return nil, err
	}
	return &UpdateClause{Key: key, Patch: patch, Collection: coll, Return: ret}, nil
}

func (p *parser) parseReplace() (*ReplaceClause, error) {
	p.advance() // REPLACE
	key, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("WITH"); err != nil {
		return nil, err
	}
	doc, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	coll, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	ret, err := p.parseOptionalReturn()
	if err != nil {
		return nil, err
	}
	return &ReplaceClause{Key: key, Doc: doc, Collection: coll, Return: ret}, nil
}

func (p *parser) parseRemove() (*RemoveClause, error) {
	p.advance() // REMOVE
	key, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	coll, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	ret, err := p.parseOptionalReturn()
	if err != nil {
		return nil, err
	}
	return &RemoveClause{Key: key, Collection: coll, Return: ret}, nil
}

func (p *parser) parseUpsert() (*UpsertClause, error) {
	p.advance() // UPSERT
	search, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("INSERT"); err != nil {
		return nil, err
	}
	ins, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("UPDATE"); err != nil {
		return nil, err
	}
	upd, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("IN"); err != nil {
		return nil, err
	}
	coll, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	ret, err := p.parseOptionalReturn()
	if err != nil {
		return nil, err
	}
	return &UpsertClause{Search: search, Insert: ins, Update: upd, Collection: coll, Return: ret}, nil
}

// --- expression grammar, precedence-climbing ---

func (p *parser) parseExpr() (Expr, error) { return p.parseTernary() }

func (p *parser) parseTernary() (Expr, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.isPunct("?") {
		p.advance()
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		els, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &TernaryExpr{Cond: cond, Then: then, Else: els}, nil
	}
	return cond, nil
}

func (p *parser) parseOr() (Expr, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.advance()
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: "OR", X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseAnd() (Expr, error) {
	x, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.advance()
		y, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: "AND", X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", X: x}, nil
	}
	return p.parseEquality()
}

func (p *parser) parseEquality() (Expr, error) {
	x, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.isPunct("==") || p.isPunct("!=") {
		op := p.advance().text
		y, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: op, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseRelational() (Expr, error) {
	x, err := p.parseRange()
	if err != nil {
		return nil, err
	}
	for p.isPunct("<") || p.isPunct("<=") || p.isPunct(">") || p.isPunct(">=") {
		op := p.advance().text
		y, err := p.parseRange()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: op, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseRange() (Expr, error) {
	x, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.isPunct("..") {
		p.advance()
		y, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &RangeExpr{Lo: x, Hi: y}, nil
	}
	return x, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	x, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isPunct("+") || p.isPunct("-") {
		op := p.advance().text
		y, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: op, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isPunct("*") || p.isPunct("/") || p.isPunct("%") {
		op := p.advance().text
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: op, X: x, Y: y}
	}
	return x, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.isPunct("-") {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isPunct("."):
			p.advance()
			field, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			x = &MemberExpr{Target: x, Field: field}
		case p.isPunct("["):
			p.advance()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			x = &IndexExpr{Target: x, Index: idx}
		default:
			return x, nil
		}
	}
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch {
	case t.kind == tokNumber:
		p.advance()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("sdbql: parse: invalid number %q at offset %d", t.text, t.pos)
		}
		return &Literal{Value: n}, nil

	case t.kind == tokString:
		p.advance()
		return &Literal{Value: t.text}, nil

	case t.kind == tokBindVar:
		p.advance()
		return &BindVar{Name: t.text}, nil

	case t.kind == tokBindAttr:
		p.advance()
		return &BindAttr{Name: t.text}, nil

	case t.kind == tokKeyword && t.text == "TRUE":
		p.advance()
		return &Literal{Value: true}, nil
	case t.kind == tokKeyword && t.text == "FALSE":
		p.advance()
		return &Literal{Value: false}, nil
	case t.kind == tokKeyword && t.text == "NULL":
		p.advance()
		return &Literal{Value: nil}, nil

	case t.kind == tokKeyword && (t.text == "COUNT"):
		p.advance()
		if err := p.expectPunct("("); err != nil {
			return nil, err
		}
		var args []Expr
		if !p.isPunct(")") {
			for {
				a, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.isPunct(",") {
					p.advance()
					continue
				}
				break
			}
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return &CallExpr{Func: "COUNT", Args: args}, nil

	case t.kind == tokIdent:
		name := p.advance().text
		if p.isPunct("(") {
			return p.finishCall(name)
		}
		return &Identifier{Name: name}, nil

	case t.kind == tokPunct && t.text == "(":
		p.advance()
		if p.isKeyword("FOR") {
			sub, err := p.parseQuery()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return &SubqueryExpr{Query: sub}, nil
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return e, nil

	case t.kind == tokPunct && t.text == "[":
		p.advance()
		var items []Expr
		if !p.isPunct("]") {
			for {
				e, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				items = append(items, e)
				if p.isPunct(",") {
					p.advance()
					continue
				}
				break
			}
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		return &ArrayLiteral{Items: items}, nil

	case t.kind == tokPunct && t.text == "{":
		p.advance()
		var fields []ObjectField
		if !p.isPunct("}") {
			for {
				var key string
				if p.cur().kind == tokString {
					key = p.advance().text
				} else {
					k, err := p.expectIdent()
					if err != nil {
						return nil, err
					}
					key = k
				}
				if err := p.expectPunct(":"); err != nil {
					return nil, err
				}
				v, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				fields = append(fields, ObjectField{Key: key, Value: v})
				if p.isPunct(",") {
					p.advance()
					continue
				}
				break
			}
		}
		if err := p.expectPunct("}"); err != nil {
			return nil, err
		}
		return &ObjectLiteral{Fields: fields}, nil

	default:
		return nil, fmt.Errorf("sdbql: parse: unexpected token %q at offset %d", t.text, t.pos)
	}
}

func (p *parser) finishCall(name string) (Expr, error) {
	p.advance() // "("
	var args []Expr
	if !p.isPunct(")") {
		for {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return &CallExpr{Func: name, Args: args}, nil
}

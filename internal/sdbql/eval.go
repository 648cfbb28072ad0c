package sdbql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

// Row is one pipeline binding set: variable name -> value, threaded
// through every clause in a query's pipeline.
type Row map[string]value.Value

func (r Row) clone() Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// evalCtx carries the bind variables supplied with a query and the
// collection/function environment expressions are evaluated against.
type evalCtx struct {
	binds map[string]value.Value
	env   *Environment
}

// eval evaluates e against row, resolving identifiers from row, bind
// variables from ctx.binds, and function calls from the registered
// builtin table.
func (c *evalCtx) eval(e Expr, row Row) (value.Value, error) {
	switch n := e.(type) {
	case *Literal:
		return literalValue(n.Value), nil

	case *Identifier:
		if v, ok := row[n.Name]; ok {
			return v, nil
		}
		return value.Null(), nil

	case *BindVar:
		v, ok := c.binds[n.Name]
		if !ok {
			return value.Value{}, sdberr.Wrap(sdberr.ErrBind, fmt.Sprintf("unresolved bind variable @%s", n.Name))
		}
		return v, nil

	case *BindAttr:
		v, ok := c.binds[n.Name]
		if !ok {
			return value.Value{}, sdberr.Wrap(sdberr.ErrBind, fmt.Sprintf("unresolved bind variable @@%s", n.Name))
		}
		return v, nil

	case *MemberExpr:
		target, err := c.eval(n.Target, row)
		if err != nil {
			return value.Value{}, err
		}
		v, ok := target.Get(n.Field)
		if !ok {
			return value.Null(), nil
		}
		return v, nil

	case *IndexExpr:
		target, err := c.eval(n.Target, row)
		if err != nil {
			return value.Value{}, err
		}
		idx, err := c.eval(n.Index, row)
		if err != nil {
			return value.Value{}, err
		}
		arr, isArr := target.Array()
		if isArr {
			if i, ok := idx.Number(); ok {
				ii := int(i)
				if ii >= 0 && ii < len(arr) {
					return arr[ii], nil
				}
			}
			return value.Null(), nil
		}
		if s, ok := idx.String(); ok {
			if v, ok := target.Get(s); ok {
				return v, nil
			}
		}
		return value.Null(), nil

	case *ArrayLiteral:
		items := make([]value.Value, len(n.Items))
		for i, it := range n.Items {
			v, err := c.eval(it, row)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = v
		}
		return value.Array(items...), nil

	case *ObjectLiteral:
		pairs := make([]value.Pair, len(n.Fields))
		for i, f := range n.Fields {
			v, err := c.eval(f.Value, row)
			if err != nil {
				return value.Value{}, err
			}
			pairs[i] = value.P(f.Key, v)
		}
		return value.Object(pairs...), nil

	case *UnaryExpr:
		x, err := c.eval(n.X, row)
		if err != nil {
			return value.Value{}, err
		}
		switch n.Op {
		case "-":
			num, _ := x.Number()
			return value.Number(-num), nil
		case "NOT":
			return value.Bool(!truthy(x)), nil
		}
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, "unknown unary operator "+n.Op)

	case *BinaryExpr:
		return c.evalBinary(n, row)

	case *TernaryExpr:
		cond, err := c.eval(n.Cond, row)
		if err != nil {
			return value.Value{}, err
		}
		if truthy(cond) {
			return c.eval(n.Then, row)
		}
		return c.eval(n.Else, row)

	case *RangeExpr:
		lo, err := c.eval(n.Lo, row)
		if err != nil {
			return value.Value{}, err
		}
		hi, err := c.eval(n.Hi, row)
		if err != nil {
			return value.Value{}, err
		}
		loN, _ := lo.Number()
		hiN, _ := hi.Number()
		var items []value.Value
		for i := int(loN); i <= int(hiN); i++ {
			items = append(items, value.Number(float64(i)))
		}
		return value.Array(items...), nil

	case *CallExpr:
		return c.evalCall(n, row)

	case *SubqueryExpr:
		rows, err := c.env.runSubquery(n.Query, c.binds)
		if err != nil {
			return value.Value{}, err
		}
		return value.Array(rows...), nil

	default:
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, fmt.Sprintf("unsupported expression node %T", e))
	}
}

func literalValue(x any) value.Value {
	switch t := x.(type) {
	case nil:
		return value.Null()
	case bool:
		return value.Bool(t)
	case float64:
		return value.Number(t)
	case string:
		return value.String(t)
	}
	return value.Null()
}

func truthy(v value.Value) bool {
	switch v.Kind() {
	case value.KindNull:
		return false
	case value.KindBool:
		b, _ := v.Bool()
		return b
	case value.KindNumber:
		n, _ := v.Number()
		return n != 0
	case value.KindString:
		s, _ := v.String()
		return s != ""
	case value.KindArray:
		a, _ := v.Array()
		return len(a) > 0
	case value.KindObject:
		return len(v.Keys()) > 0
	}
	return false
}

func (c *evalCtx) evalBinary(n *BinaryExpr, row Row) (value.Value, error) {
	if n.Op == "AND" {
		x, err := c.eval(n.X, row)
		if err != nil {
			return value.Value{}, err
		}
		if !truthy(x) {
			return value.Bool(false), nil
		}
		y, err := c.eval(n.Y, row)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(truthy(y)), nil
	}
	if n.Op == "OR" {
		x, err := c.eval(n.X, row)
		if err != nil {
			return value.Value{}, err
		}
		if truthy(x) {
			return value.Bool(true), nil
		}
		y, err := c.eval(n.Y, row)
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(truthy(y)), nil
	}

	x, err := c.eval(n.X, row)
	if err != nil {
		return value.Value{}, err
	}
	y, err := c.eval(n.Y, row)
	if err != nil {
		return value.Value{}, err
	}

	switch n.Op {
	case "==":
		return value.Bool(value.Compare(x, y) == 0), nil
	case "!=":
		return value.Bool(value.Compare(x, y) != 0), nil
	case "<":
		return value.Bool(value.Compare(x, y) < 0), nil
	case "<=":
		return value.Bool(value.Compare(x, y) <= 0), nil
	case ">":
		return value.Bool(value.Compare(x, y) > 0), nil
	case ">=":
		return value.Bool(value.Compare(x, y) >= 0), nil
	case "+":
		if xs, ok := x.String(); ok {
			ys, _ := y.String()
			return value.String(xs + ys), nil
		}
		xn, _ := x.Number()
		yn, _ := y.Number()
		return value.Number(xn + yn), nil
	case "-":
		xn, _ := x.Number()
		yn, _ := y.Number()
		return value.Number(xn - yn), nil
	case "*":
		xn, _ := x.Number()
		yn, _ := y.Number()
		return value.Number(xn * yn), nil
	case "/":
		xn, _ := x.Number()
		yn, _ := y.Number()
		if yn == 0 {
			return value.Value{}, sdberr.Wrap(sdberr.ErrType, "division by zero")
		}
		return value.Number(xn / yn), nil
	case "%":
		xn, _ := x.Number()
		yn, _ := y.Number()
		if yn == 0 {
			return value.Value{}, sdberr.Wrap(sdberr.ErrType, "modulo by zero")
		}
		return value.Number(float64(int(xn) % int(yn))), nil
	default:
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, "unknown operator "+n.Op)
	}
}

// sortRows orders rows in place per keys, using the evaluator to resolve
// each row's sort key values.
func (c *evalCtx) sortRows(rows []Row, keys []SortKey) error {
	var evalErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			vi, err := c.eval(k.Expr, rows[i])
			if err != nil {
				evalErr = err
				return false
			}
			vj, err := c.eval(k.Expr, rows[j])
			if err != nil {
				evalErr = err
				return false
			}
			cmp := value.Compare(vi, vj)
			if cmp == 0 {
				continue
			}
			if k.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return evalErr
}

// fieldPath splits a dotted field path the way index fan-out does. Nothing
// in this package calls it; FULLTEXT and DISTANCE take values, not field
// names.
func fieldPath(s string) []string { return strings.Split(s, ".") }

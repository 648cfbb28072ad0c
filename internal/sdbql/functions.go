package sdbql

import (
	"fmt"
	"strings"

	"github.com/solisoft/solidb/internal/index"
	"github.com/solisoft/solidb/internal/sdberr"
	"github.com/solisoft/solidb/internal/value"
)

// evalCall dispatches a function call to SDBQL's fixed builtin table.
// Builtins are pure; nothing here ever mutates state, matching the
// spec's "scalar functions are pure, side-effecting functions are
// rejected in read-only queries at parse time" rule (mutation happens
// only through the dedicated mutation clauses, never a function call).
func (c *evalCtx) evalCall(n *CallExpr, row Row) (value.Value, error) {
	args := make([]value.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := c.eval(a, row)
		if err != nil {
			return value.Value{}, err
		}
		args[i] = v
	}

	switch strings.ToUpper(n.Func) {
	case "LENGTH":
		return fnLength(args)
	case "DISTANCE":
		return fnDistance(args)
	case "LEVENSHTEIN":
		return fnLevenshtein(args)
	case "FULLTEXT":
		return fnFullText(args)
	case "LOWER":
		return fnLower(args)
	case "UPPER":
		return fnUpper(args)
	case "CONTAINS":
		return fnContains(args)
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return fnAggregate(n.Func, args)
	case "KEYS":
		return fnKeys(args)
	default:
		return value.Value{}, sdberr.Wrap(sdberr.ErrParse, "unknown function "+n.Func)
	}
}

func fnLength(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, "LENGTH takes exactly one argument")
	}
	v := args[0]
	switch v.Kind() {
	case value.KindString:
		s, _ := v.String()
		return value.Number(float64(len([]rune(s)))), nil
	case value.KindArray:
		a, _ := v.Array()
		return value.Number(float64(len(a))), nil
	case value.KindObject:
		return value.Number(float64(len(v.Keys()))), nil
	default:
		return value.Number(0), nil
	}
}

func fnDistance(args []value.Value) (value.Value, error) {
	if len(args) != 4 {
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, "DISTANCE takes (lat1, lon1, lat2, lon2)")
	}
	lat1, _ := args[0].Number()
	lon1, _ := args[1].Number()
	lat2, _ := args[2].Number()
	lon2, _ := args[3].Number()
	return value.Number(index.HaversineMeters(lat1, lon1, lat2, lon2)), nil
}

func fnLevenshtein(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, "LEVENSHTEIN takes (a, b)")
	}
	a, _ := args[0].String()
	b, _ := args[1].String()
	return value.Number(float64(levenshteinDistance(a, b))), nil
}

// levenshteinDistance duplicates internal/index's bounded variant as a
// plain numeric distance: SDBQL's LEVENSHTEIN() returns the edit
// distance itself (§8 scenario 5), while the index package only ever
// needs a within-bound check for fuzzy candidate verification.
func levenshteinDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// fnFullText implements FULLTEXT(text, query[, maxDistance]) as a
// direct evaluation (word-level fuzzy match) inside a FILTER expression.
// The executor has no planner, so FULLTEXT is always evaluated this way,
// row by row; queries never use index.Manager.SearchFullText.
func fnFullText(args []value.Value) (value.Value, error) {
	if len(args) < 2 {
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, "FULLTEXT takes (text, query[, maxDistance])")
	}
	text, _ := args[0].String()
	query, _ := args[1].String()
	maxDist := 0
	if len(args) >= 3 {
		n, _ := args[2].Number()
		maxDist = int(n)
	}
	words := strings.Fields(strings.ToLower(text))
	qWords := strings.Fields(strings.ToLower(query))
	for _, qw := range qWords {
		matched := false
		for _, w := range words {
			if index.LevenshteinWithin(w, qw, maxDist) {
				matched = true
				break
			}
		}
		if !matched {
			return value.Bool(false), nil
		}
	}
	return value.Bool(true), nil
}

func fnLower(args []value.Value) (value.Value, error) {
	s, _ := args[0].String()
	return value.String(strings.ToLower(s)), nil
}

func fnUpper(args []value.Value) (value.Value, error) {
	s, _ := args[0].String()
	return value.String(strings.ToUpper(s)), nil
}

func fnContains(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, "CONTAINS takes (haystack, needle)")
	}
	hs, _ := args[0].String()
	n, _ := args[1].String()
	return value.Bool(strings.Contains(hs, n)), nil
}

func fnKeys(args []value.Value) (value.Value, error) {
	if len(args) != 1 || args[0].Kind() != value.KindObject {
		return value.Array(), nil
	}
	keys := args[0].Keys()
	out := make([]value.Value, len(keys))
	for i, k := range keys {
		out[i] = value.String(k)
	}
	return value.Array(out...), nil
}

// fnAggregate implements the spec's restricted aggregation set (§4.7,
// §9 Open Question resolved): COUNT/SUM/AVG/MIN/MAX over an array
// argument, typically a materialised subquery result.
func fnAggregate(name string, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, fmt.Sprintf("%s takes exactly one array argument", name))
	}
	arr, ok := args[0].Array()
	if !ok {
		return value.Value{}, sdberr.Wrap(sdberr.ErrType, fmt.Sprintf("%s requires an array argument", name))
	}
	switch strings.ToUpper(name) {
	case "COUNT":
		return value.Number(float64(len(arr))), nil
	case "SUM":
		var sum float64
		for _, v := range arr {
			n, _ := v.Number()
			sum += n
		}
		return value.Number(sum), nil
	case "AVG":
		if len(arr) == 0 {
			return value.Null(), nil
		}
		var sum float64
		for _, v := range arr {
			n, _ := v.Number()
			sum += n
		}
		return value.Number(sum / float64(len(arr))), nil
	case "MIN":
		if len(arr) == 0 {
			return value.Null(), nil
		}
		m := arr[0]
		for _, v := range arr[1:] {
			if value.Compare(v, m) < 0 {
				m = v
			}
		}
		return m, nil
	case "MAX":
		if len(arr) == 0 {
			return value.Null(), nil
		}
		m := arr[0]
		for _, v := range arr[1:] {
			if value.Compare(v, m) > 0 {
				m = v
			}
		}
		return m, nil
	}
	return value.Value{}, sdberr.Wrap(sdberr.ErrType, "unknown aggregate "+name)
}

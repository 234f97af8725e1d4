package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// Dialect names the SQL flavour a filter is compiled for. Values match the
// goqu dialect names.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

var comparisons = map[string]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

// Compile turns f into a predicate over the events table aliased as table.
// A nil or empty filter yields a nil expression, meaning no restriction.
func Compile(f *Filter, d Dialect, table string) (exp.Expression, error) {
	switch d {
	case SQLite, MySQL, Postgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}

	if f.IsEmpty() {
		return nil, nil
	}

	c := &compiler{dialect: d, table: table}
	return c.filter(f, 1)
}

type compiler struct {
	dialect Dialect
	table   string
}

func (c *compiler) filter(f *Filter, depth int) (exp.Expression, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidFilter, MaxDepth)
	}
	if len(f.Conditions) == 0 {
		return nil, fmt.Errorf("%w: nested filter has no conditions", ErrInvalidFilter)
	}

	parts := make([]exp.Expression, 0, len(f.Conditions))
	for i := range f.Conditions {
		cond := &f.Conditions[i]
		var (
			e   exp.Expression
			err error
		)
		if cond.Filter != nil {
			e, err = c.filter(cond.Filter, depth+1)
		} else {
			e, err = c.condition(cond)
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}

	var combined exp.Expression
	switch strings.ToLower(f.Operator) {
	case "", OpAnd:
		combined = goqu.And(parts...)
	case OpOr:
		combined = goqu.Or(parts...)
	default:
		return nil, fmt.Errorf("%w: unknown logical operator %q", ErrInvalidFilter, f.Operator)
	}

	if f.Not {
		return goqu.L("NOT (?)", combined), nil
	}
	return combined, nil
}

func (c *compiler) condition(cond *Condition) (exp.Expression, error) {
	k, err := parseKey(cond.Key)
	if err != nil {
		return nil, err
	}

	op := strings.ToLower(cond.Operator)
	if op == "" {
		op = OpEq
	}

	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		kind, err := scalarKind(cond.Value)
		if err != nil {
			return nil, err
		}
		return goqu.L("? "+comparisons[op]+" ?", c.operand(k, kind), c.bind(kind, cond.Value)), nil

	case OpIn, OpNotIn:
		values, ok := asList(cond.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a list value", ErrInvalidFilter, op)
		}
		kind, err := listKind(values)
		if err != nil {
			return nil, err
		}
		bound := make([]interface{}, len(values))
		for i, v := range values {
			bound[i] = c.bind(kind, v)
		}
		if op == OpIn {
			return goqu.L("? IN ?", c.operand(k, kind), bound), nil
		}
		return goqu.L("? NOT IN ?", c.operand(k, kind), bound), nil

	case OpLike:
		s, ok := cond.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: like requires a string value", ErrInvalidFilter)
		}
		return goqu.L("? LIKE ?", c.operand(k, kindString), s), nil

	case OpIsNull, OpNotNull:
		if cond.Value != nil {
			return nil, fmt.Errorf("%w: %s takes no value", ErrInvalidFilter, op)
		}
		if op == OpIsNull {
			return goqu.L("? IS NULL", c.operand(k, kindString)), nil
		}
		return goqu.L("? IS NOT NULL", c.operand(k, kindString)), nil

	case OpContains, OpExcludes:
		if !k.isPayload() {
			return nil, fmt.Errorf("%w: %s requires a payload key", ErrInvalidFilter, op)
		}
		if _, err := scalarKind(cond.Value); err != nil {
			return nil, err
		}
		contains, err := c.arrayContains(k, cond.Value)
		if err != nil {
			return nil, err
		}
		if op == OpContains {
			return contains, nil
		}
		return goqu.L("NOT (?)", contains), nil

	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, cond.Operator)
	}
}

func (c *compiler) column(name string) exp.IdentifierExpression {
	if c.table == "" {
		return goqu.I(name)
	}
	return goqu.I(c.table + "." + name)
}

// operand returns the left side of a comparison. Payload paths are extracted
// as text, with a cast chosen from the compared value's type.
func (c *compiler) operand(k key, kind valueKind) exp.Expression {
	col := c.column(k.column)
	if !k.isPayload() {
		return col
	}

	switch c.dialect {
	case Postgres:
		text := "(? #>> '" + pgPath(k.path) + "')"
		switch kind {
		case kindNumber:
			return goqu.L("("+text+")::numeric", col)
		case kindBool:
			return goqu.L("("+text+")::boolean", col)
		}
		return goqu.L(text, col)
	case MySQL:
		if kind == kindNumber {
			return goqu.L("CAST(JSON_EXTRACT(?, '"+jsonPath(k.path)+"') AS DOUBLE)", col)
		}
		return goqu.L("JSON_UNQUOTE(JSON_EXTRACT(?, '"+jsonPath(k.path)+"'))", col)
	default:
		return goqu.L("json_extract(?, '"+jsonPath(k.path)+"')", col)
	}
}

// bind adapts a value for the operand produced by operand
func (c *compiler) bind(kind valueKind, v interface{}) interface{} {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err == nil {
			v = f
		}
	}
	if kind == kindBool && c.dialect == MySQL {
		if b, _ := v.(bool); b {
			return "true"
		}
		return "false"
	}
	return v
}

// arrayContains matches when the value at k is a JSON array holding v
func (c *compiler) arrayContains(k key, v interface{}) (exp.Expression, error) {
	col := c.column(k.column)

	switch c.dialect {
	case Postgres:
		doc, err := json.Marshal([]interface{}{v})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		return goqu.L("COALESCE((? #> '"+pgPath(k.path)+"') @> ?::jsonb, false)", col, string(doc)), nil
	case MySQL:
		doc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		path := jsonPath(k.path)
		return goqu.L("(COALESCE(JSON_TYPE(JSON_EXTRACT(?, '"+path+"')), '') = 'ARRAY'"+
			" AND COALESCE(JSON_CONTAINS(JSON_EXTRACT(?, '"+path+"'), ?), 0) = 1)", col, col, string(doc)), nil
	default:
		// json_each walks a scalar as a single row, so only arrays may match
		path := jsonPath(k.path)
		return goqu.L("(COALESCE(json_type(?, '"+path+"'), '') = 'array'"+
			" AND EXISTS (SELECT 1 FROM json_each(?, '"+path+"') WHERE json_each.value = ?))", col, col, v), nil
	}
}

// Path segments are validated against [A-Za-z0-9_]+ so they can be inlined
func jsonPath(path []string) string {
	return "$." + strings.Join(path, ".")
}

func pgPath(path []string) string {
	return "{" + strings.Join(path, ",") + "}"
}

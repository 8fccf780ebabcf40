package querysql

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/queryir"
)

// DefaultCacheSize is the number of compiled statements kept per compiler.
const DefaultCacheSize = 256

// RowColumns is the column list every compiled query selects, in order.
// Callers scan results with store.scanRow.
const RowColumns = "table_name, pk, data, local_version, server_version, deleted"

// SQLCompiler compiles QueryIR to parameterized SQL over the rows table.
//
// CRITICAL: ALL queries end with "pk COLLATE BINARY" for deterministic results.
// CRITICAL: All values, including JSON paths, are parameterized (never
// interpolated).
//
// Compiled statements are cached by query key. SQLCompiler is safe for
// concurrent use.
type SQLCompiler struct {
	cache *lru.Cache
}

// Compiled is a compiled statement and its parameters.
type Compiled struct {
	SQL    string
	Params []any
}

// NewSQLCompiler creates a compiler with the default cache size.
func NewSQLCompiler() *SQLCompiler {
	return NewSQLCompilerSize(DefaultCacheSize)
}

// NewSQLCompilerSize creates a compiler caching up to size statements.
func NewSQLCompilerSize(size int) *SQLCompiler {
	cache, err := lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &SQLCompiler{cache: cache}
}

// Compile converts a query to parameterized SQL.
// Returns (sql, params, error) tuple.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	key, err := q.Key()
	if err != nil {
		return "", nil, fmt.Errorf("query key: %w", err)
	}
	if cached, ok := c.cache.Get(key); ok {
		comp := cached.(Compiled)
		return comp.SQL, append([]any(nil), comp.Params...), nil
	}

	sql, params, err := compileQuery(q)
	if err != nil {
		return "", nil, err
	}
	c.cache.Add(key, Compiled{SQL: sql, Params: params})
	return sql, append([]any(nil), params...), nil
}

// Len returns the number of cached statements.
func (c *SQLCompiler) Len() int {
	return c.cache.Len()
}

func compileQuery(q queryir.Query) (string, []any, error) {
	if q.Table == "" {
		return "", nil, fmt.Errorf("cannot compile query without table")
	}

	var b strings.Builder
	params := []any{q.Table}
	b.WriteString("SELECT ")
	b.WriteString(RowColumns)
	b.WriteString(" FROM rows WHERE table_name = ? AND deleted = 0")

	if q.Where != nil {
		whereSQL, whereParams, err := CompilePredicate(q.Where)
		if err != nil {
			return "", nil, fmt.Errorf("compile where: %w", err)
		}
		b.WriteString(" AND (")
		b.WriteString(whereSQL)
		b.WriteString(")")
		params = append(params, whereParams...)
	}

	// MANDATORY: every query ends with the primary key tiebreak.
	b.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		b.WriteString("json_extract(data, ?)")
		if o.Desc {
			b.WriteString(" DESC, ")
		} else {
			b.WriteString(" ASC, ")
		}
		params = append(params, JSONPath(o.Field))
	}
	b.WriteString("pk COLLATE BINARY ASC")

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, int64(q.Limit))
	}
	return b.String(), params, nil
}

// CompilePredicate compiles a predicate to a WHERE clause fragment over the
// data column. Returns (sql, params, error).
// CRITICAL: Values NEVER interpolated - always use ? placeholders.
func CompilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1", nil, nil
	case queryir.Compare:
		return compileCompare(pred)
	case queryir.In:
		return compileIn(pred)
	case queryir.IsNull:
		return "json_extract(data, ?) IS NULL", []any{JSONPath(pred.Field)}, nil
	case queryir.And:
		return compileJunction(pred.Predicates, " AND ", "1")
	case queryir.Or:
		return compileJunction(pred.Predicates, " OR ", "0")
	case queryir.Not:
		sql, params, err := CompilePredicate(pred.Predicate)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + sql + ")", params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileCompare(c queryir.Compare) (string, []any, error) {
	op, ok := c.Op.SQL()
	if !ok {
		return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
	}
	path := JSONPath(c.Field)

	if ir.IsNull(c.Value) {
		switch c.Op {
		case queryir.OpEq:
			return "json_extract(data, ?) IS NULL", []any{path}, nil
		case queryir.OpNe:
			return "json_extract(data, ?) IS NOT NULL", []any{path}, nil
		}
		return "", nil, fmt.Errorf("field %q: null can only be compared with eq or ne", c.Field)
	}

	param, err := irValueToParam(c.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", c.Field, err)
	}
	return fmt.Sprintf("json_extract(data, ?) %s ?", op), []any{path, param}, nil
}

func compileIn(in queryir.In) (string, []any, error) {
	if len(in.Values) == 0 {
		return "0", nil, nil
	}
	params := []any{JSONPath(in.Field)}
	placeholders := make([]string, len(in.Values))
	for i, v := range in.Values {
		if ir.IsNull(v) {
			return "", nil, fmt.Errorf("field %q: null is not allowed in 'in'", in.Field)
		}
		param, err := irValueToParam(v)
		if err != nil {
			return "", nil, fmt.Errorf("field %q: %w", in.Field, err)
		}
		placeholders[i] = "?"
		params = append(params, param)
	}
	return "json_extract(data, ?) IN (" + strings.Join(placeholders, ", ") + ")", params, nil
}

func compileJunction(preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, len(preds))
	var params []any
	for i, p := range preds {
		sql, ps, err := CompilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts[i] = "(" + sql + ")"
		params = append(params, ps...)
	}
	return strings.Join(parts, sep), params, nil
}

var simpleField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// JSONPath returns the SQLite JSON path of a top-level column.
func JSONPath(field string) string {
	if simpleField.MatchString(field) {
		return "$." + field
	}
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

// irValueToParam converts an ir.IRValue to a Go native type for SQL parameter.
// Booleans bind as 0/1, which is what json_extract returns for JSON booleans.
func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case ir.IRNull:
		return nil, nil
	case ir.IRArray:
		return nil, fmt.Errorf("IRArray cannot be used as SQL parameter directly")
	case ir.IRObject:
		return nil, fmt.Errorf("IRObject cannot be used as SQL parameter directly")
	default:
		return nil, fmt.Errorf("unsupported IRValue type for SQL parameter: %T", v)
	}
}

package baas

import (
	"net/url"
	"strconv"
	"strings"
)

// Query builds PostgREST table queries: From("messages").Eq("id", x).Order("created_at", true).
type Query struct {
	table  string
	params url.Values
}

func From(table string) *Query {
	return &Query{table: strings.TrimSpace(table), params: url.Values{}}
}

func (q *Query) Table() string {
	return q.table
}

func (q *Query) Select(columns string) *Query {
	columns = strings.TrimSpace(columns)
	if columns == "" {
		columns = "*"
	}
	q.params.Set("select", columns)
	return q
}

func (q *Query) Eq(column, value string) *Query {
	return q.filter(column, "eq", value)
}

func (q *Query) Neq(column, value string) *Query {
	return q.filter(column, "neq", value)
}

// Is filters on null/true/false.
func (q *Query) Is(column, value string) *Query {
	return q.filter(column, "is", value)
}

func (q *Query) In(column string, values []string) *Query {
	return q.filter(column, "in", "("+joinListValues(values)+")")
}

// Or adds a raw PostgREST or-expression, e.g. "status.neq.read,status.is.null".
func (q *Query) Or(expr string) *Query {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return q
	}
	q.params.Add("or", "("+expr+")")
	return q
}

func (q *Query) Order(column string, ascending bool) *Query {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	existing := q.params.Get("order")
	term := strings.TrimSpace(column) + "." + dir
	if existing != "" {
		term = existing + "," + term
	}
	q.params.Set("order", term)
	return q
}

func (q *Query) Limit(n int) *Query {
	if n > 0 {
		q.params.Set("limit", strconv.Itoa(n))
	}
	return q
}

func (q *Query) Offset(n int) *Query {
	if n > 0 {
		q.params.Set("offset", strconv.Itoa(n))
	}
	return q
}

// Range selects rows from..to inclusive.
func (q *Query) Range(from, to int) *Query {
	if from < 0 || to < from {
		return q
	}
	q.params.Del("offset")
	q.Offset(from)
	return q.Limit(to - from + 1)
}

func (q *Query) Encode() string {
	if q.params.Get("select") == "" {
		q.params.Set("select", "*")
	}
	return q.params.Encode()
}

func (q *Query) filter(column, op, value string) *Query {
	column = strings.TrimSpace(column)
	if column == "" {
		return q
	}
	q.params.Add(column, op+"."+value)
	return q
}

func (q *Query) hasFilter() bool {
	for key := range q.params {
		switch key {
		case "select", "order", "limit", "offset":
			continue
		default:
			return true
		}
	}
	return false
}

// PairFilter is the or-expression matching rows between a and b in either
// direction, e.g. for (sender_id, receiver_id).
func PairFilter(leftColumn, rightColumn, a, b string) string {
	return "and(" + leftColumn + ".eq." + quoteValue(a) + "," + rightColumn + ".eq." + quoteValue(b) + ")," +
		"and(" + leftColumn + ".eq." + quoteValue(b) + "," + rightColumn + ".eq." + quoteValue(a) + ")"
}

func joinListValues(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, quoteValue(value))
	}
	return strings.Join(quoted, ",")
}

// quoteValue double-quotes values containing PostgREST reserved characters.
func quoteValue(value string) string {
	if !strings.ContainsAny(value, ",.:()\" ") {
		return value
	}
	return `"` + strings.ReplaceAll(strings.ReplaceAll(value, `\`, `\\`), `"`, `\"`) + `"`
}

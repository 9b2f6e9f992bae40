// filter.go - Shared list builder for paginated, filtered admin and catalogue queries.
package server

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// listQuery accumulates WHERE conditions with positional arguments.
type listQuery struct {
	conds []string
	args  []any
}

// arg appends v and returns its placeholder.
func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

// where adds a condition. Every "?" in cond is replaced by the placeholder of
// the corresponding value in args.
func (q *listQuery) where(cond string, args ...any) {
	var b strings.Builder
	i := 0
	for _, r := range cond {
		if r == '?' && i < len(args) {
			b.WriteString(q.arg(args[i]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	q.conds = append(q.conds, b.String())
}

const maxKeywordBytes = 100

// keyword adds a case-insensitive substring match of term against any of the
// given column expressions. The term is bound once; LIKE wildcards in it are
// matched literally.
func (q *listQuery) keyword(term string, columns ...string) {
	term = strings.TrimSpace(strings.ToValidUTF8(term, ""))
	if term == "" || len(columns) == 0 {
		return
	}
	if len(term) > maxKeywordBytes {
		cut := maxKeywordBytes
		for cut > 0 && !utf8.RuneStart(term[cut]) {
			cut--
		}
		term = term[:cut]
	}
	ph := q.arg("%" + escapeLike(term) + "%")
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + " ILIKE " + ph
	}
	q.conds = append(q.conds, "("+strings.Join(parts, " OR ")+")")
}

// dateRange restricts column to the range. A zero bound is open.
func (q *listQuery) dateRange(column string, r dateRange) {
	if !r.From.IsZero() {
		q.where(column+" >= ?", r.From)
	}
	if !r.Before.IsZero() {
		q.where(column+" < ?", r.Before)
	}
}

// clause renders " WHERE a AND b", or "" with no conditions.
func (q *listQuery) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// page appends LIMIT/OFFSET placeholders for p.
func (q *listQuery) page(p pageParams) string {
	return " LIMIT " + q.arg(p.Limit) + " OFFSET " + q.arg(p.offset())
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// dateRange is a half-open interval [From, Before).
type dateRange struct {
	From   time.Time
	Before time.Time
}

// parseDateRange reads "from" and "to" as RFC3339 timestamps or YYYY-MM-DD
// dates. A date-only "to" includes that whole day.
func parseDateRange(v url.Values) (dateRange, error) {
	var r dateRange
	if s := strings.TrimSpace(v.Get("from")); s != "" {
		t, _, err := parseDateParam(s)
		if err != nil {
			return r, badRequest("from must be RFC3339 or YYYY-MM-DD")
		}
		r.From = t
	}
	if s := strings.TrimSpace(v.Get("to")); s != "" {
		t, dateOnly, err := parseDateParam(s)
		if err != nil {
			return r, badRequest("to must be RFC3339 or YYYY-MM-DD")
		}
		if dateOnly {
			r.Before = t.AddDate(0, 0, 1)
		} else {
			r.Before = t.Add(time.Microsecond)
		}
	}
	if !r.From.IsZero() && !r.Before.IsZero() && !r.From.Before(r.Before) {
		return r, badRequest("from must be before to")
	}
	return r, nil
}

func parseDateParam(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	return t, true, err
}

type pageParams struct {
	Page  int
	Limit int
}

func (p pageParams) offset() int { return (p.Page - 1) * p.Limit }

// parsePage reads page and limit, falling back to defaults on bad input. The
// limit is clamped to maxLimit and the page so that the offset cannot overflow.
func parsePage(v url.Values, defLimit, maxLimit int) pageParams {
	p := pageParams{Page: 1, Limit: defLimit}
	if n, err := strconv.Atoi(v.Get("page")); err == nil && n > 0 {
		p.Page = n
	}
	if n, err := strconv.Atoi(v.Get("limit")); err == nil && n > 0 {
		p.Limit = n
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	// Keep the offset well inside int range.
	if maxPage := math.MaxInt32 / p.Limit; p.Page > maxPage {
		p.Page = maxPage
	}
	return p
}

// Page is the paginated list envelope returned by every list endpoint.
type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
	Total int `json:"total"`
	Limit int `json:"limit"`
}

func newPage[T any](items []T, p pageParams, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Page[T]{Items: items, Page: p.Page, Pages: pages, Total: total, Limit: p.Limit}
}

// sortClause maps a client sort key to a whitelisted ORDER BY expression.
func sortClause(key string, allowed map[string]string, def string) string {
	if expr, ok := allowed[key]; ok {
		return " ORDER BY " + expr
	}
	return " ORDER BY " + allowed[def]
}

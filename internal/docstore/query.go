package docstore

import (
	"fmt"
	"sort"
	"strings"
)

// Op はフィルタの比較演算子を表す。
type Op string

const (
	OpEq  Op = "=="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	// OpArrayContains は配列フィールドが値を要素に含むことを表す。
	OpArrayContains Op = "array-contains"
)

// Direction は並び順を表す。
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Filter はフィールド値に対する1つの条件を表す。
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order はフィールドによる並び順を表す。
type Order struct {
	Field string
	Dir   Direction
}

// Query はコレクションに対するフィルタ・並び順・件数制限を表す。
// Where/OrderBy/Limit は元のクエリを変更せず新しいクエリを返す。
type Query struct {
	collection CollectionRef
	filters    []Filter
	orders     []Order
	limit      int
}

// Collection はクエリ対象のコレクションを返す。
func (q Query) Collection() CollectionRef { return q.collection }

// Filters はフィルタ条件のコピーを返す。
func (q Query) Filters() []Filter { return append([]Filter(nil), q.filters...) }

// Orders は並び順のコピーを返す。
func (q Query) Orders() []Order { return append([]Order(nil), q.orders...) }

// LimitValue は件数制限を返す。0は無制限を表す。
func (q Query) LimitValue() int { return q.limit }

// Where はフィルタ条件を追加したクエリを返す。
func (q Query) Where(field string, op Op, value any) Query {
	next := q.clone()
	next.filters = append(next.filters, Filter{Field: field, Op: op, Value: value})
	return next
}

// OrderBy は並び順を追加したクエリを返す。
func (q Query) OrderBy(field string, dir Direction) Query {
	next := q.clone()
	next.orders = append(next.orders, Order{Field: field, Dir: dir})
	return next
}

// Limit は件数制限を設定したクエリを返す。
func (q Query) Limit(n int) Query {
	next := q.clone()
	next.limit = n
	return next
}

func (q Query) clone() Query {
	return Query{
		collection: q.collection,
		filters:    append([]Filter(nil), q.filters...),
		orders:     append([]Order(nil), q.orders...),
		limit:      q.limit,
	}
}

// validate はクエリの構造を検証する。
func (q Query) validate() error {
	if !q.collection.Valid() {
		return fmt.Errorf("%w: invalid collection path %q", ErrInvalidArgument, q.collection.Path())
	}
	for _, f := range q.filters {
		if f.Field == "" {
			return fmt.Errorf("%w: empty filter field", ErrInvalidArgument)
		}
		switch f.Op {
		case OpEq, OpLt, OpLte, OpGt, OpGte, OpArrayContains:
		default:
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidArgument, f.Op)
		}
		if _, err := normalize(f.Value, timeNow()); err != nil {
			return err
		}
	}
	for _, o := range q.orders {
		if o.Field == "" {
			return fmt.Errorf("%w: empty order field", ErrInvalidArgument)
		}
	}
	if q.limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidArgument)
	}
	return nil
}

// Key はクエリの構造的な同一性を表す正規化文字列を返す。
// 同じ条件で組み立てられたクエリは同じKeyを持つ。
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(q.collection.Path())
	for _, f := range q.filters {
		v, err := normalize(f.Value, timeNow())
		if err != nil {
			v = fmt.Sprintf("%v", f.Value)
		}
		fmt.Fprintf(&b, "|where:%s%s%#v", f.Field, f.Op, v)
	}
	for _, o := range q.orders {
		dir := "asc"
		if o.Dir == Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, "|order:%s:%s", o.Field, dir)
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, "|limit:%d", q.limit)
	}
	return b.String()
}

// matches はフィールド集合がクエリの全フィルタを満たし、
// 並び順に使われる全フィールドを持つかを返す。
func (q Query) matches(fields map[string]any) bool {
	for _, f := range q.filters {
		got, ok := fields[f.Field]
		if !ok {
			return false
		}
		want, err := normalize(f.Value, timeNow())
		if err != nil {
			return false
		}
		if f.Op == OpArrayContains {
			if !arrayContains(got, want) {
				return false
			}
			continue
		}
		c, comparable := compareValues(got, want)
		if !comparable {
			return false
		}
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpLt:
			if c >= 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		case OpGt:
			if c <= 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		}
	}
	for _, o := range q.orders {
		if _, ok := fields[o.Field]; !ok {
			return false
		}
	}
	return true
}

func arrayContains(got, want any) bool {
	elems, ok := got.([]any)
	if !ok {
		return false
	}
	for _, e := range elems {
		if c, ok := compareValues(e, want); ok && c == 0 {
			return true
		}
	}
	return false
}

// apply はドキュメント群にフィルタ・並び順・件数制限を適用する。
// 並び順が同じドキュメントは作成順（seq）で安定化する。
func (q Query) apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.matches(d.Fields) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.orders {
			c, _ := compareValues(out[i].Fields[o.Field], out[j].Fields[o.Field])
			if c == 0 {
				continue
			}
			if o.Dir == Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].seq < out[j].seq
	})
	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}

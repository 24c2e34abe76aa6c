package docstore

import "fmt"

// Kind は購読対象の種別を表す。
type Kind int

const (
	// KindNone は対象なしを表す。
	KindNone Kind = iota
	// KindDoc は単一ドキュメントを表す。
	KindDoc
	// KindQuery はコレクションに対するクエリを表す。
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDoc:
		return "doc"
	case KindQuery:
		return "query"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target は購読・読み取り対象のタグ付きバリアントを表す。
// KindDoc のときは Doc、KindQuery のときは Query のみが意味を持つ。
type Target struct {
	kind  Kind
	doc   DocRef
	query Query
}

// DocTarget は単一ドキュメントを対象とするTargetを返す。
func DocTarget(ref DocRef) Target {
	return Target{kind: KindDoc, doc: ref}
}

// QueryTarget はクエリを対象とするTargetを返す。
func QueryTarget(q Query) Target {
	return Target{kind: KindQuery, query: q}
}

// Kind は対象の種別を返す。
func (t Target) Kind() Kind { return t.kind }

// Doc はドキュメント参照を返す。KindDoc 以外ではゼロ値を返す。
func (t Target) Doc() DocRef { return t.doc }

// Query はクエリを返す。KindQuery 以外ではゼロ値を返す。
func (t Target) Query() Query { return t.query }

// Path は対象のパスを返す。ドキュメントはフルパス、クエリはコレクションパス。
func (t Target) Path() string {
	switch t.kind {
	case KindDoc:
		return t.doc.Path()
	case KindQuery:
		return t.query.collection.Path()
	default:
		return ""
	}
}

// Key は対象の構造的な同一性を表す正規化文字列を返す。
func (t Target) Key() string {
	switch t.kind {
	case KindDoc:
		return "doc:" + t.doc.Path()
	case KindQuery:
		return "query:" + t.query.Key()
	default:
		return ""
	}
}

// collectionPath は変更通知の照合に使うコレクションパスを返す。
func (t Target) collectionPath() string {
	switch t.kind {
	case KindDoc:
		return t.doc.parent
	case KindQuery:
		return t.query.collection.Path()
	default:
		return ""
	}
}

func (t Target) validate() error {
	switch t.kind {
	case KindDoc:
		if !t.doc.Valid() {
			return fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, t.doc.Path())
		}
		return nil
	case KindQuery:
		return t.query.validate()
	default:
		return fmt.Errorf("%w: empty target", ErrInvalidArgument)
	}
}

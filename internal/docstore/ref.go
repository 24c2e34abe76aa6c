// Package docstore はドキュメント/コレクション指向のリモートストアを提供する。
// ポイント読み取り、フィルタ付きクエリ、作成・マージ・削除の書き込み、
// 相対インクリメント、および変更のたびに完全なスナップショットを届ける購読を扱う。
package docstore

import (
	"fmt"
	"strings"
)

// CollectionRef はコレクションへの参照を表す。
// パスは奇数個のセグメントで構成される（例: "rooms", "rooms/abc/members"）。
type CollectionRef struct {
	path string
}

// DocRef はドキュメントへの参照を表す。
// パスは偶数個のセグメントで構成される（例: "rooms/abc", "rooms/abc/members/u1"）。
type DocRef struct {
	parent string
	id     string
}

// Collection はセグメントを結合してコレクション参照を生成する。
// セグメント数の検証は書き込み・読み取り時にValidで行う。
func Collection(segments ...string) CollectionRef {
	return CollectionRef{path: strings.Join(segments, "/")}
}

// Doc はセグメントを結合してドキュメント参照を生成する。
func Doc(segments ...string) DocRef {
	if len(segments) == 0 {
		return DocRef{}
	}
	last := len(segments) - 1
	return DocRef{
		parent: strings.Join(segments[:last], "/"),
		id:     segments[last],
	}
}

// ParseDocPath は"/"区切りのパス文字列をドキュメント参照に変換する。
func ParseDocPath(path string) (DocRef, error) {
	ref := Doc(strings.Split(path, "/")...)
	if !ref.Valid() {
		return DocRef{}, fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, path)
	}
	return ref, nil
}

// Path はコレクションのパスを返す。
func (c CollectionRef) Path() string { return c.path }

// Valid はパスが奇数個の空でないセグメントからなるかを返す。
func (c CollectionRef) Valid() bool {
	return validSegments(c.path, 1)
}

// Doc はこのコレクション配下のドキュメント参照を返す。
func (c CollectionRef) Doc(id string) DocRef {
	return DocRef{parent: c.path, id: id}
}

// Query はこのコレクション全体を対象とするクエリを返す。
func (c CollectionRef) Query() Query {
	return Query{collection: c}
}

// ID はドキュメントIDを返す。
func (d DocRef) ID() string { return d.id }

// Parent は親コレクションを返す。
func (d DocRef) Parent() CollectionRef { return CollectionRef{path: d.parent} }

// Path はドキュメントのフルパスを返す。
func (d DocRef) Path() string {
	if d.parent == "" {
		return d.id
	}
	return d.parent + "/" + d.id
}

// Valid はパスが偶数個の空でないセグメントからなるかを返す。
func (d DocRef) Valid() bool {
	if d.id == "" || strings.Contains(d.id, "/") {
		return false
	}
	return validSegments(d.parent, 1)
}

// Collection はこのドキュメント配下のサブコレクション参照を返す。
func (d DocRef) Collection(name string) CollectionRef {
	return CollectionRef{path: d.Path() + "/" + name}
}

// validSegments はパスのセグメント数の偶奇（remainder）と空セグメントの有無を検証する。
func validSegments(path string, remainder int) bool {
	if path == "" {
		return false
	}
	segments := strings.Split(path, "/")
	if len(segments)%2 != remainder {
		return false
	}
	for _, s := range segments {
		if s == "" {
			return false
		}
	}
	return true
}

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound はドキュメントが存在しない場合のエラー。
	ErrNotFound = errors.New("docstore: not found")
	// ErrPermissionDenied はアクセス規則により拒否された場合のエラー。
	ErrPermissionDenied = errors.New("docstore: permission denied")
	// ErrInvalidArgument はパスや値が不正な場合のエラー。
	ErrInvalidArgument = errors.New("docstore: invalid argument")
	// ErrClosed はクローズ済みのクライアントを操作した場合のエラー。
	ErrClosed = errors.New("docstore: client closed")
)

// Document はドキュメントのスナップショットを表す。
// Exists が false の場合、Fields は nil になる。
type Document struct {
	Ref        DocRef
	Fields     map[string]any
	Exists     bool
	CreateTime time.Time
	UpdateTime time.Time

	seq int64
}

// ID はドキュメントIDを返す。
func (d Document) ID() string { return d.Ref.ID() }

// Path はドキュメントのフルパスを返す。
func (d Document) Path() string { return d.Ref.Path() }

// Data はフィールド集合に "id" としてドキュメントIDを合成したマップを返す。
func (d Document) Data() map[string]any {
	out := cloneFields(d.Fields)
	if out == nil {
		out = map[string]any{}
	}
	out["id"] = d.Ref.ID()
	return out
}

// DataTo はDataの内容をJSONタグに従って構造体へデコードする。
func (d Document) DataTo(v any) error {
	if !d.Exists {
		return fmt.Errorf("decode %s: %w", d.Path(), ErrNotFound)
	}
	raw, err := json.Marshal(d.Data())
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.Path(), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path(), err)
	}
	return nil
}

// Snapshot は購読対象の現在値を表す。
// KindDoc のときは Doc、KindQuery のときは Docs が設定される。
type Snapshot struct {
	Target   Target
	Doc      Document
	Docs     []Document
	ReadTime time.Time
}

// SnapshotFunc はスナップショットを受け取るコールバック。
type SnapshotFunc func(Snapshot)

// ErrorFunc は購読エラーを受け取るコールバック。
// エラーが届いた後、その購読にはスナップショットもエラーも届かない。
type ErrorFunc func(error)

// Client はリモートストアの操作を定義する。
type Client interface {
	// Get は1件のドキュメントを取得する。存在しない場合は Exists=false のDocumentを返す。
	Get(ctx context.Context, ref DocRef) (Document, error)
	// Run はクエリを実行し、クエリの並び順で結果を返す。
	Run(ctx context.Context, q Query) ([]Document, error)
	// Subscribe は対象を購読する。初回と変更のたびに完全なスナップショットを非同期で届ける。
	// 戻り値の関数を呼ぶと購読を解除する。ctxがキャンセルされた場合も解除される。
	Subscribe(ctx context.Context, target Target, onSnapshot SnapshotFunc, onError ErrorFunc) (unsubscribe func())
	// MergeWrite は指定フィールドのみを上書きする。ドキュメントがなければ作成する。
	MergeWrite(ctx context.Context, ref DocRef, fields map[string]any) error
	// Delete はドキュメントを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, ref DocRef) error
	// Create は自動採番IDでドキュメントを作成する。
	Create(ctx context.Context, coll CollectionRef, fields map[string]any) (DocRef, error)
	// IncrementField は数値フィールドに相対値を加算する。フィールドがなければ0から加算する。
	IncrementField(ctx context.Context, ref DocRef, field string, delta int64) error
}

type principalKey struct{}

// WithPrincipal はアクセス規則の判定に使う利用者IDをコンテキストに設定する。
func WithPrincipal(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalKey{}, userID)
}

// PrincipalFromContext はコンテキストから利用者IDを取得する。
func PrincipalFromContext(ctx context.Context) string {
	v, _ := ctx.Value(principalKey{}).(string)
	return v
}

// CollectionLister は指定プレフィックス配下に存在するコレクションを列挙できるストア。
// 管理用の処理（スイーパー）だけが使い、利用者向けのGuardは実装しない。
type CollectionLister interface {
	ListCollections(ctx context.Context, prefix string) ([]CollectionRef, error)
}

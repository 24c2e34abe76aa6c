package subscription

import (
	"github.com/hitoshi/studyroom/internal/docstore"
)

// DecodeDocs はクエリ結果をJSONタグに従って構造体のスライスへ変換する。
// 各要素にはドキュメントIDが "id" として合成される。
func DecodeDocs[T any](docs []docstore.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.DataTo(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeDoc はドキュメントを構造体へ変換する。docがnilならnilを返す。
func DecodeDoc[T any](doc *docstore.Document) (*T, error) {
	if doc == nil {
		return nil, nil
	}
	var v T
	if err := doc.DataTo(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

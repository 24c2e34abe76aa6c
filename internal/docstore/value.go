package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// TimeLayout は時刻値を保存する際の固定幅UTC表現。
// 固定幅のため文字列比較と時刻の前後関係が一致する。
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

type serverTimestamp struct{}

// ServerTimestamp は書き込み時にストアの現在時刻へ置き換えられる番兵値。
var ServerTimestamp any = serverTimestamp{}

var timeNow = time.Now

// FormatTime は時刻をTimeLayoutの文字列に変換する。
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime はTimeLayout（またはRFC3339）の文字列を時刻に変換する。
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time value %q", ErrInvalidArgument, s)
	}
	return t.UTC(), nil
}

// normalizeFields はフィールド集合の各値を保存可能な表現に正規化する。
func normalizeFields(fields map[string]any, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "" || strings.Contains(k, ".") {
			return nil, fmt.Errorf("%w: invalid field name %q", ErrInvalidArgument, k)
		}
		nv, err := normalize(v, now)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// normalize は値を nil / bool / int64 / float64 / string / []any / map[string]any のいずれかに変換する。
// 時刻はTimeLayoutの文字列、ServerTimestampはnowの文字列になる。
func normalize(v any, now time.Time) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case serverTimestamp:
		return FormatTime(now), nil
	case bool, string, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrInvalidArgument, x)
		}
		return normalizeFloat(f)
	case time.Time:
		return FormatTime(x), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := normalize(e, now)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			ne, err := normalize(e, now)
			if err != nil {
				return nil, err
			}
			out[k] = ne
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidArgument, v)
	}
}

// normalizeFloat は整数値のfloatをint64に寄せる。JSONを経由しても型が揺れないようにするため。
func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number", ErrInvalidArgument)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

// typeRank は異なる型同士の並び順を決める。null < bool < number < string < その他。
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

// compareValues は正規化済みの2値を比較する。
// 2つ目の戻り値は同じ型同士で比較できたかを表す。
func compareValues(a, b any) (int, bool) {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1, false
		}
		return 1, false
	}
	switch x := a.(type) {
	case nil:
		return 0, true
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case int64, float64:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	case string:
		return strings.Compare(x, b.(string)), true
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}

// cloneFields はフィールド集合をディープコピーする。
func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		return cloneFields(x)
	default:
		return v
	}
}

package docstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuery_KeyIsStructural(t *testing.T) {
	a := Collection("rooms", "r1", "messages").Query().OrderBy("sentAt", Asc)
	b := Collection("rooms", "r1", "messages").Query().OrderBy("sentAt", Asc)
	c := Collection("rooms", "r2", "messages").Query().OrderBy("sentAt", Asc)

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, QueryTarget(a).Key(), QueryTarget(b).Key())
	assert.NotEqual(t, QueryTarget(a).Key(), DocTarget(Doc("rooms", "r1")).Key())
}

func TestQuery_BuildersDoNotAlias(t *testing.T) {
	base := Collection("users").Query().Where("a", OpEq, 1)
	x := base.Where("b", OpEq, 2)
	y := base.Where("c", OpEq, 3)

	assert.Len(t, base.Filters(), 1)
	assert.Equal(t, "b", x.Filters()[1].Field)
	assert.Equal(t, "c", y.Filters()[1].Field)
}

func TestTarget_Path(t *testing.T) {
	assert.Equal(t, "rooms/r1/members/u1", DocTarget(Doc("rooms", "r1", "members", "u1")).Path())
	assert.Equal(t, "rooms/r1/members", QueryTarget(Collection("rooms", "r1", "members").Query()).Path())
	assert.Equal(t, "", Target{}.Path())
	assert.Equal(t, KindNone, Target{}.Kind())
}

func TestRefs_Valid(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
		got  bool
	}{
		{"rooms/r1", true, Doc("rooms", "r1").Valid()},
		{"rooms", false, Doc("rooms").Valid()},
		{"rooms//members/u1", false, Doc("rooms", "", "members", "u1").Valid()},
		{"id with slash", false, Collection("rooms").Doc("a/b").Valid()},
		{"collection rooms", true, Collection("rooms").Valid()},
		{"collection rooms/r1", false, Collection("rooms", "r1").Valid()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.got)
		})
	}
}

func TestParseDocPath(t *testing.T) {
	ref, err := ParseDocPath("rooms/r1/members/u1")
	assert.NoError(t, err)
	assert.Equal(t, "u1", ref.ID())
	assert.Equal(t, "rooms/r1/members", ref.Parent().Path())

	_, err = ParseDocPath("rooms/r1/members")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCompareValues(t *testing.T) {
	c, ok := compareValues(int64(2), 2.5)
	assert.True(t, ok)
	assert.Equal(t, -1, c)

	c, ok = compareValues("b", "a")
	assert.True(t, ok)
	assert.Equal(t, 1, c)

	_, ok = compareValues("1", int64(1))
	assert.False(t, ok, "型の異なる値は比較不能")
}

func TestFormatTime_IsSortable(t *testing.T) {
	early := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC))
	late := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 40, time.UTC))
	assert.Equal(t, len(early), len(late))
	assert.Less(t, early, late)

	parsed, err := ParseTime(late)
	assert.NoError(t, err)
	assert.Equal(t, 40, parsed.Nanosecond())
}

func TestBuildQuerySQL_UsesPlaceholders(t *testing.T) {
	q := Collection("users").Query().
		Where("displayName", OpEq, "x'; DROP TABLE documents; --").
		OrderBy("totalFocusSeconds", Desc).
		Limit(20)

	sql, args, err := buildQuerySQL(q, time.Now())
	assert.NoError(t, err)
	assert.NotContains(t, sql, "DROP TABLE")
	assert.True(t, strings.HasSuffix(sql, "LIMIT $6"), sql)
	assert.Equal(t, "users", args[0])
	assert.Equal(t, 20, args[len(args)-1])
	assert.Contains(t, sql, "seq ASC")
}

func TestQuery_ArrayContains(t *testing.T) {
	q := Collection("directChats").Query().Where("participantIds", OpArrayContains, "u1")

	assert.True(t, q.matches(map[string]any{"participantIds": []any{"u0", "u1"}}))
	assert.False(t, q.matches(map[string]any{"participantIds": []any{"u2"}}))
	assert.False(t, q.matches(map[string]any{"participantIds": "u1"}), "配列以外は一致しない")

	sql, _, err := buildQuerySQL(q, time.Now())
	assert.NoError(t, err)
	assert.Contains(t, sql, "@> jsonb_build_array(")
}

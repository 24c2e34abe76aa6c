package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
)

func boolPtr(b bool) *bool { return &b }

func TestDocstoreRoomRepo_CreateFindListDelete(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := docstore.NewMemory(docstore.WithMemoryClock(func() time.Time { return clock }))
	repo := NewDocstoreRoomRepo(store)

	first := &model.Room{Name: "図書館", Topic: "数学", CreatorID: "u1", Capacity: 4}
	require.NoError(t, repo.Create(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.True(t, first.CreatedAt.Equal(clock))

	clock = clock.Add(time.Minute)
	second := &model.Room{Name: "カフェ", Topic: "英語", Secret: "open-sesame", CreatorID: "u2", Capacity: 2}
	require.NoError(t, repo.Create(ctx, second))

	got, err := repo.FindByID(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "カフェ", got.Name)
	assert.Equal(t, 2, got.Capacity)
	assert.True(t, got.Locked())

	rooms, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, second.ID, rooms[0].ID, "新しいルームが先頭")

	require.NoError(t, repo.DeleteByID(ctx, first.ID))
	got, err = repo.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDocstoreMemberRepo_AdminOverrides(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	repo := NewDocstoreMemberRepo(store)
	require.NoError(t, store.MergeWrite(ctx, MemberRef("r1", "u2"), map[string]any{
		FieldDisplayName: "Bob",
		FieldAudioMuted:  false,
		FieldVideoOff:    false,
		FieldJoinedAt:    time.Now(),
	}))

	require.NoError(t, repo.SetAdminOverrides(ctx, "r1", "u2", boolPtr(true), nil))

	m, err := repo.Find(ctx, "r1", "u2")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "u2", m.UserID)
	assert.True(t, m.AudioMutedByAdmin)
	assert.True(t, m.AudioMuted)
	assert.False(t, m.VideoOffByAdmin)
	assert.False(t, m.VideoOff)

	// 解除しても本人のトグルは戻さない
	require.NoError(t, repo.SetAdminOverrides(ctx, "r1", "u2", boolPtr(false), nil))
	m, err = repo.Find(ctx, "r1", "u2")
	require.NoError(t, err)
	assert.False(t, m.AudioMutedByAdmin)
	assert.True(t, m.AudioMuted)
}

func TestDocstoreMemberRepo_ListByRoomAndStale(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	repo := NewDocstoreMemberRepo(store)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.MergeWrite(ctx, MemberRef("r1", "late"), map[string]any{
		FieldJoinedAt: now.Add(-time.Minute), FieldLastSeenAt: now.Add(-10 * time.Second),
	}))
	require.NoError(t, store.MergeWrite(ctx, MemberRef("r1", "early"), map[string]any{
		FieldJoinedAt: now.Add(-time.Hour), FieldLastSeenAt: now.Add(-30 * time.Minute),
	}))

	members, err := repo.ListByRoom(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "early", members[0].UserID)
	assert.Equal(t, "late", members[1].UserID)

	stale, err := repo.ListStale(ctx, "r1", now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "early", stale[0].UserID)

	n, err := repo.DeleteAllByRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	members, err = repo.ListByRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestDocstoreMessageRepo_CreateAndListLatest(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	store := docstore.NewMemory(docstore.WithMemoryClock(func() time.Time { return clock }))
	repo := NewDocstoreMessageRepo(store)

	for _, text := range []string{"one", "two", "three"} {
		clock = clock.Add(time.Second)
		msg := &model.ChatMessage{Text: text, SenderID: "u1", SenderName: "Alice"}
		require.NoError(t, repo.Create(ctx, "r1", msg))
		assert.NotEmpty(t, msg.ID)
		assert.True(t, msg.SentAt.Equal(clock))
	}

	all, err := repo.ListByRoom(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Text)

	latest, err := repo.ListByRoom(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "two", latest[0].Text)
	assert.Equal(t, "three", latest[1].Text)

	n, err := repo.DeleteAllByRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDocstoreProfileRepo_UpsertKeepsCounter(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	repo := NewDocstoreProfileRepo(store)

	require.NoError(t, store.IncrementField(ctx, ProfileRef("u1"), FieldTotalFocusSeconds, 120))
	require.NoError(t, repo.Upsert(ctx, &model.Profile{ID: "u1", DisplayName: "Alice"}))
	require.NoError(t, repo.Upsert(ctx, &model.Profile{ID: "u2", DisplayName: "Bob"}))
	require.NoError(t, store.IncrementField(ctx, ProfileRef("u2"), FieldTotalFocusSeconds, 600))

	p, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Alice", p.DisplayName)
	assert.Equal(t, int64(120), p.TotalFocusSeconds)

	top, err := repo.ListTopByFocus(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "u2", top[0].ID)
	assert.Equal(t, "u1", top[1].ID)

	missing, err := repo.FindByID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDocstoreAuthSessionRepo_ExpiredIsNil(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	repo := NewDocstoreAuthSessionRepo(store)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	require.NoError(t, repo.Create(ctx, &model.AuthSession{ID: "s1", UserID: "u1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))
	require.NoError(t, repo.Create(ctx, &model.AuthSession{ID: "s2", UserID: "u1", ExpiresAt: now.Add(-time.Second), CreatedAt: now}))

	s, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "u1", s.UserID)

	s, err = repo.FindByID(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, repo.DeleteByID(ctx, "s1"))
	s, err = repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestRepos_GuardDeniesForeignWrites(t *testing.T) {
	store := docstore.NewMemory()
	guarded := docstore.NewGuard(store)
	ctx := docstore.WithPrincipal(context.Background(), "u1")
	rooms := NewDocstoreRoomRepo(guarded)

	room := &model.Room{Name: "x", Topic: "y", CreatorID: "u1", Capacity: 3}
	require.NoError(t, rooms.Create(ctx, room))

	members := NewDocstoreMemberRepo(guarded)
	otherCtx := docstore.WithPrincipal(context.Background(), "u2")
	err := members.SetAdminOverrides(otherCtx, room.ID, "u3", boolPtr(true), nil)
	assert.ErrorIs(t, err, docstore.ErrPermissionDenied)

	assert.NoError(t, members.SetAdminOverrides(ctx, room.ID, "u3", boolPtr(true), nil))
}

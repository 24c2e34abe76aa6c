package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/studyroom/internal/cache"
	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/security"
)

// mapCache はテスト用のCache。
type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	gets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string]string{}} }

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Del(_ context.Context, keys ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := c.data[k]; ok {
			delete(c.data, k)
			n++
		}
	}
	return n, nil
}

func (c *mapCache) Ping(context.Context) error { return nil }
func (c *mapCache) Close() error               { return nil }

type fixture struct {
	mem *docstore.Memory
	svc *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := docstore.NewMemory()
	t.Cleanup(func() { mem.Close() })
	store := docstore.NewGuard(mem)
	svc := NewService(
		repository.NewDocstoreRoomRepo(store),
		repository.NewDocstoreMemberRepo(store),
		repository.NewDocstoreMessageRepo(store),
		repository.NewDocstoreProfileRepo(store),
		security.NewTextSanitizer(),
		opts...,
	)
	return &fixture{mem: mem, svc: svc}
}

func as(userID string) context.Context {
	return docstore.WithPrincipal(context.Background(), userID)
}

func (f *fixture) addMember(t *testing.T, roomID, userID, name string) {
	t.Helper()
	require.NoError(t, f.mem.MergeWrite(context.Background(), repository.MemberRef(roomID, userID), map[string]any{
		repository.FieldDisplayName: name,
		repository.FieldAudioMuted:  false,
		repository.FieldVideoOff:    false,
		repository.FieldJoinedAt:    docstore.ServerTimestamp,
		repository.FieldLastSeenAt:  docstore.ServerTimestamp,
	}))
}

func TestService_Create(t *testing.T) {
	tests := []struct {
		name     string
		in       CreateInput
		wantErr  bool
		wantCap  int
		wantLock bool
	}{
		{name: "既定の定員", in: CreateInput{Name: "図書館", Topic: "数学"}, wantCap: 10},
		{name: "合言葉付き", in: CreateInput{Name: "図書館", Topic: "数学", Secret: " s3cret ", Capacity: 4}, wantCap: 4, wantLock: true},
		{name: "名前なし", in: CreateInput{Topic: "数学"}, wantErr: true},
		{name: "タグだけの名前", in: CreateInput{Name: "<b></b>", Topic: "数学"}, wantErr: true},
		{name: "トピックなし", in: CreateInput{Name: "図書館"}, wantErr: true},
		{name: "定員が小さすぎる", in: CreateInput{Name: "a", Topic: "b", Capacity: 1}, wantErr: true},
		{name: "定員が大きすぎる", in: CreateInput{Name: "a", Topic: "b", Capacity: 51}, wantErr: true},
		{name: "名前が長すぎる", in: CreateInput{Name: strings.Repeat("あ", MaxNameLength+1), Topic: "b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r, err := f.svc.Create(as("owner"), "owner", tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, &model.APIError{Code: model.ErrCodeInvalidRoom}), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, r.ID)
			assert.Equal(t, "owner", r.CreatorID)
			assert.Equal(t, tt.wantCap, r.Capacity)
			assert.Equal(t, tt.wantLock, r.Locked())
		})
	}
}

func TestService_CreateUsesConfiguredDefaultCapacity(t *testing.T) {
	f := newFixture(t, WithDefaultCapacity(6))
	r, err := f.svc.Create(as("owner"), "owner", CreateInput{Name: "a", Topic: "b"})
	require.NoError(t, err)
	assert.Equal(t, 6, r.Capacity)
}

func TestService_ListAndGetHideSecret(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(as("owner"), "owner", CreateInput{Name: "図書館", Topic: "数学", Secret: "pw"})
	require.NoError(t, err)
	f.addMember(t, r.ID, "u1", "Alice")

	views, err := f.svc.List(as("u1"))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].Locked)
	assert.Equal(t, 1, views[0].MemberCount)

	v, err := f.svc.Get(as("u1"), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "図書館", v.Name)

	_, err = f.svc.Get(as("u1"), "missing")
	assert.True(t, errors.Is(err, model.ErrRoomNotFound))
}

func TestService_Unlock(t *testing.T) {
	f := newFixture(t)
	locked, err := f.svc.Create(as("owner"), "owner", CreateInput{Name: "a", Topic: "b", Secret: "pw"})
	require.NoError(t, err)
	open, err := f.svc.Create(as("owner"), "owner", CreateInput{Name: "c", Topic: "d"})
	require.NoError(t, err)

	assert.NoError(t, f.svc.Unlock(as("u1"), locked.ID, "pw"))
	assert.NoError(t, f.svc.Unlock(as("u1"), locked.ID, " pw "))
	assert.True(t, errors.Is(f.svc.Unlock(as("u1"), locked.ID, "nope"), &model.APIError{Code: model.ErrCodeInvalidSecret}))
	assert.NoError(t, f.svc.Unlock(as("u1"), open.ID, "anything"))
}

func TestService_DeleteOwnerOnlyAndCascades(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(as("owner"), "owner", CreateInput{Name: "a", Topic: "b"})
	require.NoError(t, err)
	f.addMember(t, r.ID, "u1", "Alice")
	_, err = f.svc.SendMessage(as("u1"), r.ID, Sender{UserID: "u1"}, "hi")
	require.NoError(t, err)

	err = f.svc.Delete(as("u1"), r.ID, "u1")
	assert.True(t, errors.Is(err, &model.APIError{Code: model.ErrCodeNotRoomOwner}))

	require.NoError(t, f.svc.Delete(as("owner"), r.ID, "owner"))

	ctx := context.Background()
	docs, err := f.mem.Run(ctx, repository.MembersQuery(r.ID))
	require.NoError(t, err)
	assert.Empty(t, docs)
	docs, err = f.mem.Run(ctx, repository.MessagesQuery(r.ID))
	require.NoError(t, err)
	assert.Empty(t, docs)

	assert.True(t, errors.Is(f.svc.Delete(as("owner"), r.ID, "owner"), model.ErrRoomNotFound))
}

func TestService_SendMessage(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(as("owner"), "owner", CreateInput{Name: "a", Topic: "b"})
	require.NoError(t, err)
	f.addMember(t, r.ID, "u1", "Alice")

	msg, err := f.svc.SendMessage(as("u1"), r.ID, Sender{UserID: "u1"}, "  <b>がんばろう</b>  ")
	require.NoError(t, err)
	assert.Equal(t, "がんばろう", msg.Text)
	assert.Equal(t, "Alice", msg.SenderName, "表示名はメンバー記録から補う")
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.SentAt.IsZero())

	_, err = f.svc.SendMessage(as("u1"), r.ID, Sender{UserID: "u1"}, "   ")
	assert.True(t, errors.Is(err, &model.APIError{Code: model.ErrCodeInvalidMessage}))

	_, err = f.svc.SendMessage(as("u1"), r.ID, Sender{UserID: "u1"}, strings.Repeat("x", MaxMessageLength+1))
	assert.True(t, errors.Is(err, &model.APIError{Code: model.ErrCodeInvalidMessage}))

	_, err = f.svc.SendMessage(as("u1"), r.ID, Sender{UserID: "u1"}, strings.Repeat("字", MaxMessageLength))
	assert.NoError(t, err, "上限ちょうどは送信できる")

	_, err = f.svc.SendMessage(as("u2"), r.ID, Sender{UserID: "u2", DisplayName: "Bob"}, "hello")
	assert.True(t, errors.Is(err, model.ErrNotInRoom))

	msgs, err := f.svc.Messages(as("u1"), r.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "がんばろう", msgs[0].Text)
}

func TestService_AdminMuteAndKick(t *testing.T) {
	f := newFixture(t)
	r, err := f.svc.Create(as("owner"), "owner", CreateInput{Name: "a", Topic: "b"})
	require.NoError(t, err)
	f.addMember(t, r.ID, "u1", "Alice")
	yes := true

	err = f.svc.AdminMute(as("u2"), r.ID, "u2", "u1", &yes, nil)
	assert.True(t, errors.Is(err, &model.APIError{Code: model.ErrCodeNotRoomOwner}))

	err = f.svc.AdminMute(as("owner"), r.ID, "owner", "ghost", &yes, nil)
	assert.True(t, errors.Is(err, &model.APIError{Code: model.ErrCodeMemberNotFound}))

	require.NoError(t, f.svc.AdminMute(as("owner"), r.ID, "owner", "u1", &yes, &yes))
	members, err := f.svc.Members(as("owner"), r.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].AudioMutedByAdmin)
	assert.True(t, members[0].AudioMuted)
	assert.True(t, members[0].VideoOffByAdmin)

	err = f.svc.Kick(as("u1"), r.ID, "u1", "u1")
	assert.True(t, errors.Is(err, &model.APIError{Code: model.ErrCodeNotRoomOwner}))

	require.NoError(t, f.svc.Kick(as("owner"), r.ID, "owner", "u1"))
	members, err = f.svc.Members(as("owner"), r.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestService_LeaderboardRanksAndCaches(t *testing.T) {
	c := newMapCache()
	f := newFixture(t, WithCache(c, time.Minute))
	ctx := context.Background()
	seed := map[string]int64{"a": 40000, "b": 20000, "c": 4000, "d": 100}
	for id, secs := range seed {
		require.NoError(t, f.mem.MergeWrite(ctx, repository.ProfileRef(id), map[string]any{
			repository.FieldDisplayName: strings.ToUpper(id),
		}))
		require.NoError(t, f.mem.IncrementField(ctx, repository.ProfileRef(id), repository.FieldTotalFocusSeconds, secs))
	}

	entries, err := f.svc.Leaderboard(as("u1"), 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []model.Rank{model.RankLegend, model.RankMaster, model.RankScholar},
		[]model.Rank{entries[0].Rank, entries[1].Rank, entries[2].Rank})
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, "A", entries[0].DisplayName)

	// キャッシュが効いている間は更新が反映されない
	require.NoError(t, f.mem.IncrementField(ctx, repository.ProfileRef("d"), repository.FieldTotalFocusSeconds, 100000))
	cached, err := f.svc.Leaderboard(as("u1"), 3)
	require.NoError(t, err)
	assert.Equal(t, entries, cached)

	_, err = c.Del(ctx, leaderboardKey+"3")
	require.NoError(t, err)
	fresh, err := f.svc.Leaderboard(as("u1"), 3)
	require.NoError(t, err)
	assert.Equal(t, "d", fresh[0].UserID)
}

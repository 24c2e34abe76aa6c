package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/errorbus"
	"github.com/hitoshi/studyroom/internal/focus"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/presence"
	"github.com/hitoshi/studyroom/internal/repository"
)

// eventLog はSinkに届いたイベントを記録する。
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Send(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type agentFixture struct {
	mem   *docstore.Memory
	bus   *errorbus.Bus
	focus *focus.Service
	clock *testClock
	deps  Deps
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	mem := docstore.NewMemory()
	bus := errorbus.New(nil)
	clock := &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	svc := focus.NewService(focus.Config{
		StudyThresholdSeconds: 4,
		RewardDurationSeconds: 10,
		GraceSeconds:          5,
		PenaltyPerSecond:      10,
	}, nil, focus.WithServiceClock(clock.Now, 0))
	f := &agentFixture{mem: mem, bus: bus, focus: svc, clock: clock}
	f.deps = Deps{Store: docstore.NewGuard(mem), Bus: bus, Focus: svc}
	return f
}

func (f *agentFixture) seedRoom(t *testing.T, id, creator string, capacity int) {
	t.Helper()
	require.NoError(t, f.mem.MergeWrite(context.Background(), repository.RoomRef(id), map[string]any{
		repository.FieldName:      id,
		repository.FieldTopic:     "study",
		repository.FieldCreatorID: creator,
		repository.FieldCapacity:  capacity,
		repository.FieldSecret:    "",
		repository.FieldCreatedAt: docstore.ServerTimestamp,
	}))
}

func (f *agentFixture) memberExists(t *testing.T, roomID, userID string) bool {
	t.Helper()
	doc, err := f.mem.Get(context.Background(), repository.MemberRef(roomID, userID))
	require.NoError(t, err)
	return doc.Exists
}

func (f *agentFixture) counter(t *testing.T, userID string) int64 {
	t.Helper()
	doc, err := f.mem.Get(context.Background(), repository.ProfileRef(userID))
	require.NoError(t, err)
	v, _ := doc.Fields[repository.FieldTotalFocusSeconds].(int64)
	return v
}

func TestAgent_JoinStreamsMembersAndMessages(t *testing.T) {
	f := newAgentFixture(t)
	f.seedRoom(t, "r1", "owner", 4)
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1", DisplayName: "Alice"}, f.deps, log)
	defer a.Close()

	require.NoError(t, a.Join("r1", presence.Toggles{}, ""))
	assert.Equal(t, "r1", a.RoomID())
	require.Len(t, log.ofType(EventJoined), 1)

	require.Eventually(t, func() bool {
		for _, e := range log.ofType(EventMembers) {
			if len(e.Members) == 1 && e.Members[0].UserID == "u1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, err := f.mem.Create(context.Background(), repository.MessagesCollection("r1"), map[string]any{
		repository.FieldText:       "hello",
		repository.FieldSenderID:   "u2",
		repository.FieldSenderName: "Bob",
		repository.FieldSentAt:     docstore.ServerTimestamp,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, e := range log.ofType(EventMessages) {
			if len(e.Messages) == 1 && e.Messages[0].Text == "hello" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestAgent_JoinRefusedLeavesNoState(t *testing.T) {
	f := newAgentFixture(t)
	f.seedRoom(t, "r1", "owner", 1)
	require.NoError(t, f.mem.MergeWrite(context.Background(), repository.MemberRef("r1", "u9"), map[string]any{
		repository.FieldJoinedAt: docstore.ServerTimestamp,
	}))
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1"}, f.deps, log)
	defer a.Close()

	err := a.Join("r1", presence.Toggles{}, "")
	assert.True(t, errors.Is(err, model.ErrRoomFull))
	assert.Equal(t, "", a.RoomID())
	_, ok := f.focus.Active("u1")
	assert.False(t, ok, "入室できなければ集中サイクルは動かない")

	assert.True(t, errors.Is(a.EndBreak(), model.ErrNotInRoom))
}

func TestAgent_SwitchingRoomsLeavesPreviousFirst(t *testing.T) {
	f := newAgentFixture(t)
	f.seedRoom(t, "r1", "owner", 4)
	f.seedRoom(t, "r2", "owner", 4)
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1"}, f.deps, log)

	require.NoError(t, a.Join("r1", presence.Toggles{}, ""))
	first, ok := f.focus.Active("u1")
	require.True(t, ok)

	require.NoError(t, a.Join("r2", presence.Toggles{}, ""))
	assert.Equal(t, focus.StateStopped, first.Snapshot().State)
	second, ok := f.focus.Active("u1")
	require.True(t, ok)
	assert.Equal(t, "r2", second.RoomID())

	a.Close()
	assert.False(t, f.memberExists(t, "r1", "u1"))
	assert.False(t, f.memberExists(t, "r2", "u1"))

	left := log.ofType(EventLeft)
	require.NotEmpty(t, left)
	assert.Equal(t, "r1", left[0].RoomID)
}

func TestAgent_FocusCycleWritesPenalty(t *testing.T) {
	f := newAgentFixture(t)
	f.seedRoom(t, "r1", "owner", 4)
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1"}, f.deps, log)

	require.NoError(t, a.Join("r1", presence.Toggles{}, ""))
	m, ok := f.focus.Active("u1")
	require.True(t, ok)

	assert.True(t, errors.Is(a.Resume(), model.ErrInvalidFocusAction))

	for i := 0; i < 20; i++ {
		f.clock.Add(time.Second)
		m.Advance(f.clock.Now())
	}
	require.NoError(t, a.Resume())

	a.Close()
	// 20秒のうち集中していたのは4秒。停止時に端数の+4、超過中に-10が1回。
	assert.Equal(t, int64(-6), f.counter(t, "u1"))

	var transitions []focus.State
	for _, e := range log.ofType(EventFocus) {
		if e.Focus.Transition {
			transitions = append(transitions, e.Focus.State)
		}
	}
	assert.Equal(t, []focus.State{
		focus.StateWorking, focus.StateReward, focus.StateOverdue, focus.StateWorking, focus.StateStopped,
	}, transitions)
}

func TestAgent_KickStopsFocusAndReportsLeft(t *testing.T) {
	f := newAgentFixture(t)
	f.seedRoom(t, "r1", "owner", 4)
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1"}, f.deps, log)
	defer a.Close()

	require.NoError(t, a.Join("r1", presence.Toggles{}, ""))
	require.Eventually(t, func() bool {
		for _, e := range log.ofType(EventMembers) {
			if len(e.Members) == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	owner := docstore.WithPrincipal(context.Background(), "owner")
	require.NoError(t, repository.NewDocstoreMemberRepo(f.deps.Store).Delete(owner, "r1", "u1"))

	require.Eventually(t, func() bool {
		for _, e := range log.ofType(EventLeft) {
			if e.Reason == string(presence.NoticeKicked) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "", a.RoomID())
	_, ok := f.focus.Active("u1")
	assert.False(t, ok)
}

func TestAgent_WriteFailuresReachSink(t *testing.T) {
	f := newAgentFixture(t)
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1"}, f.deps, log)
	defer a.Close()

	// 他人のカウンタへの加算はアクセス規則で拒否される
	a.dispatcher.Increment(a.ctx, repository.ProfileRef("u2"), repository.FieldTotalFocusSeconds, 60)
	a.dispatcher.Wait()

	errs := log.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(errorbus.KindWriteFailed), errs[0].Error.Kind)
	assert.Equal(t, "users/u2", errs[0].Error.Path)

	// 別の利用者の失敗は届かない
	f.bus.PublishWrite("someone-else", &errorbus.WriteError{Operation: errorbus.OpMerge, Path: "x/y", Cause: docstore.ErrPermissionDenied})
	assert.Len(t, log.ofType(EventError), 1)
}

func (f *agentFixture) seedChat(t *testing.T, a, b string) string {
	t.Helper()
	id := repository.PairID(a, b)
	require.NoError(t, f.mem.MergeWrite(context.Background(), repository.DirectChatRef(id), map[string]any{
		repository.FieldParticipantIDs: []string{a, b},
		repository.FieldUpdatedAt:      docstore.ServerTimestamp,
	}))
	return id
}

func TestAgent_WatchChatStreamsDirectMessages(t *testing.T) {
	f := newAgentFixture(t)
	chatID := f.seedChat(t, "u1", "u2")
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1"}, f.deps, log)
	defer a.Close()

	require.NoError(t, a.WatchChat(chatID))
	assert.Equal(t, chatID, a.ChatID())

	_, err := f.mem.Create(context.Background(), repository.DirectMessagesCollection(chatID), map[string]any{
		repository.FieldText:       "hey",
		repository.FieldSenderID:   "u2",
		repository.FieldSenderName: "Bob",
		repository.FieldSentAt:     docstore.ServerTimestamp,
		repository.FieldRead:       false,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, e := range log.ofType(EventDirectMessages) {
			if e.ChatID == chatID && len(e.DirectMessages) == 1 && e.DirectMessages[0].Text == "hey" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	a.UnwatchChat()
	assert.Empty(t, a.ChatID())
	before := len(log.ofType(EventDirectMessages))
	_, err = f.mem.Create(context.Background(), repository.DirectMessagesCollection(chatID), map[string]any{
		repository.FieldText:     "later",
		repository.FieldSenderID: "u2",
		repository.FieldSentAt:   docstore.ServerTimestamp,
	})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, log.ofType(EventDirectMessages), before, "購読解除後は届かない")
}

func TestAgent_WatchForeignChatReportsPermissionError(t *testing.T) {
	f := newAgentFixture(t)
	chatID := f.seedChat(t, "u2", "u3")
	log := &eventLog{}
	a := NewAgent(context.Background(), presence.Identity{UserID: "u1"}, f.deps, log)
	defer a.Close()

	require.NoError(t, a.WatchChat(chatID))

	require.Eventually(t, func() bool { return len(log.ofType(EventError)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, string(errorbus.KindPermission), log.ofType(EventError)[0].Error.Kind)
	assert.Empty(t, log.ofType(EventDirectMessages))

	var apiErr *model.APIError
	assert.True(t, errors.As(a.WatchChat(""), &apiErr))
}

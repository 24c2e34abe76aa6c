// Package session は1接続の利用者エージェントを提供する。
// エージェントは同時に高々1つのルームに入室し、プレゼンス・集中サイクル・
// チャット購読をまとめて開始・停止する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/studyroom/internal/dispatch"
	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/errorbus"
	"github.com/hitoshi/studyroom/internal/focus"
	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/presence"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/subscription"
)

// EventType は送出イベントの種類。
type EventType string

const (
	EventJoined   EventType = "joined"
	EventLeft     EventType = "left"
	EventMembers  EventType = "members"
	EventMessages EventType = "messages"
	EventFocus    EventType = "focus"
	EventNotice   EventType = "notice"
	EventToggles  EventType = "toggles"
	EventError    EventType = "error"
	// EventDirectMessages は購読中のダイレクトチャットのスナップショット。
	EventDirectMessages EventType = "direct_messages"
)

// ErrorPayload はエラーバスから届いた失敗の要約。
type ErrorPayload struct {
	Kind      string `json:"kind"`
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Message   string `json:"message"`
}

// Event はエージェントから接続へ送るイベント。
type Event struct {
	Type     EventType           `json:"type"`
	RoomID   string              `json:"roomId,omitempty"`
	Members  []model.Member      `json:"members,omitempty"`
	Messages []model.ChatMessage `json:"messages,omitempty"`
	Focus    *focus.Event        `json:"focus,omitempty"`
	Notice   *presence.Notice    `json:"notice,omitempty"`
	Toggles  *presence.Toggles   `json:"toggles,omitempty"`
	Error    *ErrorPayload       `json:"error,omitempty"`
	Reason   string              `json:"reason,omitempty"`

	ChatID         string                `json:"chatId,omitempty"`
	DirectMessages []model.DirectMessage `json:"directMessages,omitempty"`
}

// Sink はイベントの送り先。Sendは呼び出し元を待たせてはならない。
type Sink interface {
	Send(Event)
}

// SinkFunc は関数をSinkとして使うためのアダプタ。
type SinkFunc func(Event)

// Send はSinkを実装する。
func (f SinkFunc) Send(e Event) { f(e) }

// Deps はエージェントが共有する依存。
type Deps struct {
	Store     docstore.Client
	Bus       *errorbus.Bus
	Focus     *focus.Service
	Logger    *slog.Logger
	Metrics   metrics.MetricsCollector
	Heartbeat time.Duration
}

var messagesHandle = subscription.Memo(func(roomID string) subscription.Handle {
	return subscription.QueryHandle(repository.MessagesQuery(roomID))
})

var directMessagesHandle = subscription.Memo(func(chatID string) subscription.Handle {
	return subscription.QueryHandle(repository.DirectMessagesQuery(chatID))
})

// Agent は1利用者・1接続のエージェント。
type Agent struct {
	identity   presence.Identity
	ctx        context.Context
	deps       Deps
	sink       Sink
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	manager    *subscription.Manager
	tracker    *presence.Tracker
	offBus     []func()

	mu       sync.Mutex
	roomID   string
	presence *presence.Presence
	machine  *focus.Machine
	messages *subscription.Slot
	chat     *subscription.Slot
	chatID   string
	closed   bool
}

// NewAgent はエージェントを生成する。ctxのプリンシパルには identity.UserID を設定する。
func NewAgent(ctx context.Context, identity presence.Identity, deps Deps, sink Sink) *Agent {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	ctx = docstore.WithPrincipal(ctx, identity.UserID)
	logger := deps.Logger.With(slog.String("user_id", identity.UserID))

	a := &Agent{
		identity: identity,
		ctx:      ctx,
		deps:     deps,
		sink:     sink,
		logger:   logger,
	}
	a.dispatcher = dispatch.New(deps.Store, deps.Bus, logger, dispatch.WithMetrics(deps.Metrics))
	a.manager = subscription.NewManager(ctx, deps.Store, deps.Bus, logger, subscription.WithMetrics(deps.Metrics))
	a.tracker = presence.NewTracker(deps.Store, a.dispatcher, a.manager, logger,
		presence.WithHeartbeat(deps.Heartbeat),
		presence.WithMetrics(deps.Metrics),
	)
	if deps.Bus != nil {
		for _, kind := range []errorbus.Kind{errorbus.KindPermission, errorbus.KindReadFailed, errorbus.KindWriteFailed} {
			a.offBus = append(a.offBus, deps.Bus.On(kind, a.onBusEvent))
		}
	}
	return a
}

// UserID は利用者IDを返す。
func (a *Agent) UserID() string { return a.identity.UserID }

// RoomID は入室中のルームIDを返す。入室していなければ空。
func (a *Agent) RoomID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roomID
}

// Join はルームに入室する。入室中のルームがあれば先に退室する。
// 入室できない場合は *model.APIError を返し、状態は未入室のままになる。
func (a *Agent) Join(roomID string, toggles presence.Toggles, secret string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("session: agent closed")
	}
	if prev := a.roomID; prev != "" {
		a.leaveLocked()
		a.sink.Send(Event{Type: EventLeft, RoomID: prev})
	}

	var entered *presence.Presence
	p, err := a.tracker.EnterSession(a.ctx, roomID, a.identity, toggles, presence.EnterOptions{
		Secret: secret,
		OnMembers: func(ms []model.Member) {
			a.sink.Send(Event{Type: EventMembers, RoomID: roomID, Members: ms})
		},
		OnExit: func(n presence.Notice) {
			a.handleInvoluntaryExit(entered, n)
		},
	})
	if err != nil {
		return err
	}
	entered = p

	a.roomID = roomID
	a.presence = p
	a.machine = a.deps.Focus.Start(a.ctx, a.identity.UserID, roomID, a.dispatcher, func(e focus.Event) {
		a.sink.Send(Event{Type: EventFocus, RoomID: roomID, Focus: &e})
	})
	a.messages = a.manager.NewSlot(func(st subscription.Status) {
		a.onMessages(roomID, st)
	})
	a.messages.Watch(messagesHandle(roomID))
	go a.forwardNotices(p)

	current := p.Toggles()
	a.sink.Send(Event{Type: EventJoined, RoomID: roomID, Toggles: &current})
	return nil
}

// Leave は入室中のルームから退室する。入室していなければ何もしない。
func (a *Agent) Leave() {
	a.mu.Lock()
	roomID := a.roomID
	if roomID == "" {
		a.mu.Unlock()
		return
	}
	a.leaveLocked()
	a.mu.Unlock()
	a.sink.Send(Event{Type: EventLeft, RoomID: roomID})
}

// leaveLocked は集中サイクルを止め、購読を閉じ、メンバー記録を削除する。
// 戻った時点で古いルームへの書き込みはすべて投入済みになる。
func (a *Agent) leaveLocked() {
	if a.machine != nil {
		a.machine.Stop()
		a.machine = nil
	}
	if a.messages != nil {
		a.messages.Close()
		a.messages = nil
	}
	if a.presence != nil {
		a.presence.Exit()
		a.presence = nil
	}
	a.roomID = ""
}

func (a *Agent) handleInvoluntaryExit(p *presence.Presence, n presence.Notice) {
	a.mu.Lock()
	if p == nil || a.presence != p {
		a.mu.Unlock()
		return
	}
	roomID := a.roomID
	a.leaveLocked()
	a.mu.Unlock()

	a.logger.Info("left room involuntarily",
		slog.String("room_id", roomID),
		slog.String("reason", string(n.Kind)),
	)
	a.sink.Send(Event{Type: EventLeft, RoomID: roomID, Reason: string(n.Kind)})
}

func (a *Agent) forwardNotices(p *presence.Presence) {
	for n := range p.Notices() {
		n := n
		a.sink.Send(Event{Type: EventNotice, RoomID: n.RoomID, Notice: &n})
	}
}

func (a *Agent) onMessages(roomID string, st subscription.Status) {
	if st.IsLoading || st.Err != nil || st.Docs == nil {
		return
	}
	msgs, err := subscription.DecodeDocs[model.ChatMessage](st.Docs)
	if err != nil {
		a.logger.Warn("failed to decode messages",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.sink.Send(Event{Type: EventMessages, RoomID: roomID, Messages: msgs})
}

// WatchChat はダイレクトチャットのメッセージ購読を chatID に切り替える。
// ルームの入退室とは独立で、同時に購読するチャットは1つ。
// 参加していないチャットはアクセス規則で拒否され、エラーイベントとして届く。
func (a *Agent) WatchChat(chatID string) error {
	if chatID == "" {
		return model.NewChatNotFoundError(chatID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("session: agent closed")
	}
	if a.chat != nil && a.chatID == chatID {
		return nil
	}
	a.unwatchChatLocked()
	a.chatID = chatID
	a.chat = a.manager.NewSlot(func(st subscription.Status) {
		a.onDirectMessages(chatID, st)
	})
	a.chat.Watch(directMessagesHandle(chatID))
	return nil
}

// UnwatchChat はダイレクトチャットの購読を止める。
func (a *Agent) UnwatchChat() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unwatchChatLocked()
}

func (a *Agent) unwatchChatLocked() {
	if a.chat != nil {
		a.chat.Close()
		a.chat = nil
	}
	a.chatID = ""
}

// ChatID は購読中のダイレクトチャットIDを返す。
func (a *Agent) ChatID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID
}

func (a *Agent) onDirectMessages(chatID string, st subscription.Status) {
	if st.IsLoading || st.Err != nil || st.Docs == nil {
		return
	}
	msgs, err := subscription.DecodeDocs[model.DirectMessage](st.Docs)
	if err != nil {
		a.logger.Warn("failed to decode direct messages",
			slog.String("chat_id", chatID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.sink.Send(Event{Type: EventDirectMessages, ChatID: chatID, DirectMessages: msgs})
}

// UpdateToggles はマイク・カメラの状態を変更する。
func (a *Agent) UpdateToggles(u presence.TogglesUpdate) (presence.Toggles, error) {
	a.mu.Lock()
	p := a.presence
	a.mu.Unlock()
	if p == nil {
		return presence.Toggles{}, model.NewNotInRoomError()
	}
	t, err := p.UpdateToggles(u)
	if err != nil {
		return t, err
	}
	a.sink.Send(Event{Type: EventToggles, RoomID: p.RoomID(), Toggles: &t})
	return t, nil
}

// EndBreak は休憩を早めに切り上げる。
func (a *Agent) EndBreak() error {
	m, err := a.activeMachine()
	if err != nil {
		return err
	}
	return m.EndRewardEarly()
}

// Resume は超過状態から集中に戻る。
func (a *Agent) Resume() error {
	m, err := a.activeMachine()
	if err != nil {
		return err
	}
	return m.ResumeFromOverdue()
}

func (a *Agent) activeMachine() (*focus.Machine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.machine == nil {
		return nil, model.NewNotInRoomError()
	}
	return a.machine, nil
}

// Close は退室し、未完了の書き込みを流してから購読と書き込みキューを止める。
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.leaveLocked()
	a.unwatchChatLocked()
	a.mu.Unlock()

	for _, off := range a.offBus {
		off()
	}
	a.manager.Close()
	a.dispatcher.Close()
}

func (a *Agent) onBusEvent(ev errorbus.Event) {
	if ev.Principal != a.identity.UserID {
		return
	}
	payload := &ErrorPayload{Kind: string(ev.Kind), Message: ev.Err.Error()}
	var readErr *errorbus.ReadError
	var writeErr *errorbus.WriteError
	switch {
	case errors.As(ev.Err, &readErr):
		payload.Operation = string(readErr.Operation)
		payload.Path = readErr.Path
	case errors.As(ev.Err, &writeErr):
		payload.Operation = string(writeErr.Operation)
		payload.Path = writeErr.Path
	}
	a.sink.Send(Event{Type: EventError, Error: payload})
}

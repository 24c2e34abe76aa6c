// Package presence はルームのメンバー記録を入室中だけ維持する。
// 入室時に記録をマージ書き込みし、退室時に削除する。自分の記録と同じルームの
// 記録はsubscription経由で観測し、管理者による強制ミュートやキックを検知する。
package presence

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/subscription"
)

// DefaultHeartbeatInterval は lastSeenAt を更新する既定の間隔。
const DefaultHeartbeatInterval = 30 * time.Second

// Writer は書き込みを呼び出し元を待たせずに投入する。dispatch.Dispatcher が実装する。
type Writer interface {
	Merge(ctx context.Context, ref docstore.DocRef, fields map[string]any)
	Delete(ctx context.Context, ref docstore.DocRef)
}

// Identity はメンバー記録に載せる表示情報。
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Toggles はマイクとカメラの状態。
type Toggles struct {
	AudioMuted bool `json:"audioMuted"`
	VideoOff   bool `json:"videoOff"`
}

// TogglesUpdate はトグルの部分更新。nilの項目は変更しない。
type TogglesUpdate struct {
	AudioMuted *bool `json:"audioMuted,omitempty"`
	VideoOff   *bool `json:"videoOff,omitempty"`
}

// EnterOptions は入室時の追加設定。
type EnterOptions struct {
	// Secret はルームの合言葉。合言葉付きのルームでは一致しなければ入室できない。
	Secret string
	// OnMembers はメンバー一覧が変わるたびに購読ループ上で呼ばれる。
	OnMembers func([]model.Member)
	// OnExit は自分以外の要因で退室したとき、退室処理の完了後に購読ループ上で呼ばれる。
	OnExit func(Notice)
}

var (
	membersHandle = subscription.Memo(func(roomID string) subscription.Handle {
		return subscription.QueryHandle(repository.MembersQuery(roomID))
	})
	roomHandle = subscription.Memo(func(roomID string) subscription.Handle {
		return subscription.DocHandle(repository.RoomRef(roomID))
	})
)

// Tracker は1利用者エージェントのプレゼンスを扱う。
type Tracker struct {
	store     docstore.Client
	writer    Writer
	manager   *subscription.Manager
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	heartbeat time.Duration
}

// Option はTrackerの設定を変更する。
type Option func(*Tracker)

// WithHeartbeat は lastSeenAt の更新間隔を設定する。0以下なら更新しない。
func WithHeartbeat(interval time.Duration) Option {
	return func(t *Tracker) { t.heartbeat = interval }
}

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker はTrackerを生成する。storeは入室前の確認読み取りに使う。
func NewTracker(store docstore.Client, writer Writer, manager *subscription.Manager, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:     store,
		writer:    writer,
		manager:   manager,
		logger:    logger,
		metrics:   metrics.Nop{},
		heartbeat: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EnterSession はルームに入室する。
// ルームが存在しない、合言葉が一致しない、満員のいずれかなら *model.APIError を返し、何も書き込まない。
// 既にメンバーである場合は定員に関係なく再入室できる。
// 記録の書き込みは非同期で、失敗はエラーバスに流れる。
func (t *Tracker) EnterSession(ctx context.Context, roomID string, id Identity, initial Toggles, opts EnterOptions) (*Presence, error) {
	roomDoc, err := t.store.Get(ctx, repository.RoomRef(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to read room: %w", err)
	}
	if !roomDoc.Exists {
		return nil, model.NewRoomNotFoundError(roomID)
	}
	var room model.Room
	if err := roomDoc.DataTo(&room); err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	if room.Locked() {
		if opts.Secret == "" {
			return nil, model.NewRoomLockedError()
		}
		if !secretMatches(room.Secret, opts.Secret) {
			return nil, model.NewInvalidSecretError()
		}
	}

	docs, err := t.store.Run(ctx, repository.MembersQuery(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}
	members, err := subscription.DecodeDocs[model.Member](docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	var existing *model.Member
	for i := range members {
		if members[i].UserID == id.UserID {
			existing = &members[i]
			break
		}
	}
	if existing == nil && room.Capacity > 0 && len(members) >= room.Capacity {
		return nil, model.NewRoomFullError(room.Capacity)
	}

	toggles := initial
	if existing != nil {
		toggles.AudioMuted = toggles.AudioMuted || existing.AudioMutedByAdmin
		toggles.VideoOff = toggles.VideoOff || existing.VideoOffByAdmin
	}

	p := newPresence(t, ctx, room, id, toggles, opts)
	if existing != nil {
		p.adminAudio = existing.AudioMutedByAdmin
		p.adminVideo = existing.VideoOffByAdmin
	}

	fields := map[string]any{
		repository.FieldDisplayName: id.DisplayName,
		repository.FieldAvatarURL:   id.AvatarURL,
		repository.FieldAudioMuted:  toggles.AudioMuted,
		repository.FieldVideoOff:    toggles.VideoOff,
		repository.FieldLastSeenAt:  docstore.ServerTimestamp,
	}
	if existing == nil {
		fields[repository.FieldJoinedAt] = docstore.ServerTimestamp
	}
	t.writer.Merge(ctx, p.ref, fields)

	t.logger.Info("entered room",
		slog.String("room_id", roomID),
		slog.String("user_id", id.UserID),
		slog.Bool("reentry", existing != nil),
	)
	p.start()
	return p, nil
}

func secretMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

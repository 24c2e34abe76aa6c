package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/model"
	"github.com/hitoshi/studyroom/internal/repository"
	"github.com/hitoshi/studyroom/internal/subscription"
)

// NoticeKind は利用者に知らせる出来事の種類。
type NoticeKind string

const (
	NoticeAdminMutedAudio NoticeKind = "admin_muted_audio"
	NoticeAdminVideoOff   NoticeKind = "admin_video_off"
	NoticeKicked          NoticeKind = "kicked"
	NoticeRoomFull        NoticeKind = "room_full"
	NoticeRoomLocked      NoticeKind = "room_locked"
	NoticeRoomDeleted     NoticeKind = "room_deleted"
)

// Notice は利用者への通知。
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	RoomID  string     `json:"roomId"`
	Message string     `json:"message"`
}

var noticeMessages = map[NoticeKind]string{
	NoticeAdminMutedAudio: "管理者によりマイクがミュートされました。",
	NoticeAdminVideoOff:   "管理者によりカメラがオフにされました。",
	NoticeKicked:          "ルームから退出させられました。",
	NoticeRoomFull:        "ルームが満員になったため退室しました。",
	NoticeRoomLocked:      "ルームに合言葉が設定されたため退室しました。",
	NoticeRoomDeleted:     "ルームが削除されました。",
}

const noticeBuffer = 16

// Presence は入室中の状態。EnterSessionが返す。
type Presence struct {
	t         *Tracker
	ctx       context.Context
	ref       docstore.DocRef
	roomID    string
	identity  Identity
	secret    string
	onMembers func([]model.Member)
	onExit    func(Notice)

	mu            sync.Mutex
	toggles       Toggles
	adminAudio    bool
	adminVideo    bool
	capacity      int
	index         int
	seen          bool
	exited        bool
	reason        NoticeKind
	noticesClosed bool

	notices       chan Notice
	done          chan struct{}
	stopHeartbeat chan struct{}
	once          sync.Once

	membersSlot *subscription.Slot
	roomSlot    *subscription.Slot
}

func newPresence(t *Tracker, ctx context.Context, room model.Room, id Identity, toggles Toggles, opts EnterOptions) *Presence {
	return &Presence{
		t:             t,
		ctx:           ctx,
		ref:           repository.MemberRef(room.ID, id.UserID),
		roomID:        room.ID,
		identity:      id,
		secret:        opts.Secret,
		onMembers:     opts.OnMembers,
		onExit:        opts.OnExit,
		toggles:       toggles,
		capacity:      room.Capacity,
		notices:       make(chan Notice, noticeBuffer),
		done:          make(chan struct{}),
		stopHeartbeat: make(chan struct{}),
	}
}

func (p *Presence) start() {
	p.membersSlot = p.t.manager.NewSlot(p.onMembersChange)
	p.roomSlot = p.t.manager.NewSlot(p.onRoomChange)
	p.membersSlot.Watch(membersHandle(p.roomID))
	p.roomSlot.Watch(roomHandle(p.roomID))
	if p.t.heartbeat > 0 {
		go p.heartbeatLoop(p.t.heartbeat)
	}
}

// RoomID は入室中のルームIDを返す。
func (p *Presence) RoomID() string { return p.roomID }

// Toggles は現在のトグル状態を返す。
func (p *Presence) Toggles() Toggles {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toggles
}

// Notices は通知を受け取るチャネルを返す。退室後に閉じられる。
func (p *Presence) Notices() <-chan Notice { return p.notices }

// Done は退室時に閉じられるチャネルを返す。
func (p *Presence) Done() <-chan struct{} { return p.done }

// Reason は退室理由を返す。自分で退室した場合と入室中は空。
func (p *Presence) Reason() NoticeKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// UpdateToggles は変わった項目だけをマージ書き込みし、反映後の状態を返す。
// 管理者による強制が有効な項目はオフに戻せない。
func (p *Presence) UpdateToggles(u TogglesUpdate) (Toggles, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return Toggles{}, model.NewNotInRoomError()
	}
	fields := make(map[string]any, 3)
	if u.AudioMuted != nil {
		v := *u.AudioMuted || p.adminAudio
		if v != p.toggles.AudioMuted {
			p.toggles.AudioMuted = v
			fields[repository.FieldAudioMuted] = v
		}
	}
	if u.VideoOff != nil {
		v := *u.VideoOff || p.adminVideo
		if v != p.toggles.VideoOff {
			p.toggles.VideoOff = v
			fields[repository.FieldVideoOff] = v
		}
	}
	if len(fields) > 0 {
		fields[repository.FieldLastSeenAt] = docstore.ServerTimestamp
		p.t.writer.Merge(p.ctx, p.ref, fields)
	}
	return p.toggles, nil
}

// Exit は退室してメンバー記録を削除する。2回目以降は何もしない。
func (p *Presence) Exit() {
	p.leave("", true)
}

func (p *Presence) leave(reason NoticeKind, deleteRecord bool) {
	first := false
	p.once.Do(func() {
		first = true
		p.shutdown(reason, deleteRecord)
	})
	if !first {
		return
	}
	if reason != "" {
		n := Notice{Kind: reason, RoomID: p.roomID, Message: noticeMessages[reason]}
		p.notify(n)
		if reason == NoticeKicked {
			p.t.metrics.RecordPresenceKick()
		}
		p.closeNotices()
		if p.onExit != nil {
			p.onExit(n)
		}
		return
	}
	p.closeNotices()
}

// shutdown は書き込みと購読を止める。削除はexitedを立てたのと同じロック内で投入し、
// 以降のトグル変更やハートビートが記録を作り直さないようにする。
func (p *Presence) shutdown(reason NoticeKind, deleteRecord bool) {
	p.mu.Lock()
	p.exited = true
	p.reason = reason
	if deleteRecord {
		p.t.writer.Delete(p.ctx, p.ref)
	}
	p.mu.Unlock()

	close(p.stopHeartbeat)
	p.membersSlot.Close()
	p.roomSlot.Close()
	close(p.done)

	p.t.logger.Info("left room",
		slog.String("room_id", p.roomID),
		slog.String("user_id", p.identity.UserID),
		slog.String("reason", string(reason)),
	)
}

func (p *Presence) notify(n Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noticesClosed {
		return
	}
	select {
	case p.notices <- n:
	default:
		p.t.logger.Warn("presence notice dropped",
			slog.String("room_id", p.roomID),
			slog.String("user_id", p.identity.UserID),
			slog.String("kind", string(n.Kind)),
		)
	}
}

func (p *Presence) closeNotices() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.noticesClosed {
		p.noticesClosed = true
		close(p.notices)
	}
}

func (p *Presence) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopHeartbeat:
			return
		case <-ticker.C:
			p.mu.Lock()
			if !p.exited {
				p.t.writer.Merge(p.ctx, p.ref, map[string]any{
					repository.FieldLastSeenAt: docstore.ServerTimestamp,
				})
			}
			p.mu.Unlock()
		}
	}
}

// onMembersChange はメンバー一覧の変化を処理する。購読ループ上で呼ばれる。
func (p *Presence) onMembersChange(st subscription.Status) {
	if st.IsLoading || st.Err != nil || st.Docs == nil {
		return
	}
	members, err := subscription.DecodeDocs[model.Member](st.Docs)
	if err != nil {
		p.t.logger.Warn("failed to decode members",
			slog.String("room_id", p.roomID),
			slog.String("error", err.Error()),
		)
		return
	}

	var notices []NoticeKind
	kicked, overflow := false, false

	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	idx := -1
	for i := range members {
		if members[i].UserID == p.identity.UserID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// 入室の書き込みが反映される前のスナップショットは無視する
		kicked = p.seen
	} else {
		p.seen = true
		p.index = idx
		self := members[idx]
		fields := make(map[string]any, 2)
		if self.AudioMutedByAdmin && !p.adminAudio {
			p.toggles.AudioMuted = true
			notices = append(notices, NoticeAdminMutedAudio)
			if !self.AudioMuted {
				fields[repository.FieldAudioMuted] = true
			}
		}
		if self.VideoOffByAdmin && !p.adminVideo {
			p.toggles.VideoOff = true
			notices = append(notices, NoticeAdminVideoOff)
			if !self.VideoOff {
				fields[repository.FieldVideoOff] = true
			}
		}
		p.adminAudio = self.AudioMutedByAdmin
		p.adminVideo = self.VideoOffByAdmin
		if len(fields) > 0 {
			p.t.writer.Merge(p.ctx, p.ref, fields)
		}
		overflow = p.capacity > 0 && idx >= p.capacity
	}
	p.mu.Unlock()

	for _, kind := range notices {
		p.notify(Notice{Kind: kind, RoomID: p.roomID, Message: noticeMessages[kind]})
	}
	if p.onMembers != nil {
		p.onMembers(members)
	}
	switch {
	case kicked:
		// 削除より前に投入済みのトグルやハートビートが記録を作り直すので、後ろに削除を積む
		p.leave(NoticeKicked, true)
	case overflow:
		p.leave(NoticeRoomFull, true)
	}
}

// onRoomChange はルーム自体の変化を処理する。購読ループ上で呼ばれる。
func (p *Presence) onRoomChange(st subscription.Status) {
	if st.IsLoading || st.Err != nil {
		return
	}
	if st.Doc == nil {
		p.leave(NoticeRoomDeleted, true)
		return
	}
	var room model.Room
	if err := st.Doc.DataTo(&room); err != nil {
		p.t.logger.Warn("failed to decode room",
			slog.String("room_id", p.roomID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.mu.Lock()
	p.capacity = room.Capacity
	locked := room.Locked() && !secretMatches(room.Secret, p.secret)
	overflow := p.seen && room.Capacity > 0 && p.index >= room.Capacity
	p.mu.Unlock()

	switch {
	case locked:
		p.leave(NoticeRoomLocked, true)
	case overflow:
		p.leave(NoticeRoomFull, true)
	}
}

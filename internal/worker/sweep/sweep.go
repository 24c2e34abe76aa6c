// Package sweep はルームの残骸を片付けるバックグラウンドジョブを提供する。
// ハートビートが途絶えたメンバー記録と、削除済みルームに残ったメンバー記録・
// メッセージを定期的に削除する。どの削除も冪等で、途中で失敗しても次回に続きを拾う。
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/studyroom/internal/docstore"
	"github.com/hitoshi/studyroom/internal/metrics"
	"github.com/hitoshi/studyroom/internal/repository"
)

// 削除種別。メトリクスのラベルとログに使う。
const (
	KindStaleMember    = "stale_member"
	KindOrphanMember   = "orphan_member"
	KindOrphanMessages = "orphan_message"
)

// Store はジョブが走査するストア。アクセス規則を通さない素のクライアントを渡す。
type Store interface {
	docstore.Client
	docstore.CollectionLister
}

// Result は1回の実行で削除した件数。
type Result struct {
	StaleMembers   int
	OrphanMembers  int
	OrphanMessages int
}

// Job はスイープジョブ。
type Job struct {
	store    Store
	rooms    repository.RoomRepository
	members  repository.MemberRepository
	messages repository.MessageRepository
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	now      func() time.Time

	StaleAfter     time.Duration // lastSeenAtがこれより古い記録を削除する（デフォルト: 2分）
	MaxConcurrency int           // 同時に処理するルーム数（デフォルト: 4）
}

// NewJob は新しいJobを生成する。
func NewJob(store Store, logger *slog.Logger, m metrics.MetricsCollector) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Job{
		store:          store,
		rooms:          repository.NewDocstoreRoomRepo(store),
		members:        repository.NewDocstoreMemberRepo(store),
		messages:       repository.NewDocstoreMessageRepo(store),
		logger:         logger,
		metrics:        m,
		now:            time.Now,
		StaleAfter:     2 * time.Minute,
		MaxConcurrency: 4,
	}
}

// Start は指定間隔でRunを繰り返す。起動直後に1回実行し、ctxがキャンセルされるまで続ける。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("sweeper started",
		slog.Duration("interval", interval),
		slog.Duration("stale_after", j.StaleAfter),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
}

// Run は1回分の掃除を行う。ルームごとのエラーはまとめて返し、他のルームの処理は続ける。
func (j *Job) Run(ctx context.Context) (Result, error) {
	start := j.now()

	roomIDs, err := j.roomsWithSubcollections(ctx)
	if err != nil {
		return Result{}, err
	}

	var (
		mu    sync.Mutex
		total Result
		errs  []error
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, max(j.MaxConcurrency, 1))
	cutoff := start.Add(-j.StaleAfter)

	for _, roomID := range roomIDs {
		wg.Add(1)
		sem <- struct{}{}

		go func(roomID string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := j.sweepRoom(ctx, roomID, cutoff)
			mu.Lock()
			defer mu.Unlock()
			total.StaleMembers += res.StaleMembers
			total.OrphanMembers += res.OrphanMembers
			total.OrphanMessages += res.OrphanMessages
			if err != nil {
				errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
			}
		}(roomID)
	}
	wg.Wait()

	j.metrics.RecordSweepDeleted(KindStaleMember, total.StaleMembers)
	j.metrics.RecordSweepDeleted(KindOrphanMember, total.OrphanMembers)
	j.metrics.RecordSweepDeleted(KindOrphanMessages, total.OrphanMessages)

	j.logger.Info("sweep completed",
		slog.Int("rooms_scanned", len(roomIDs)),
		slog.Int("stale_members", total.StaleMembers),
		slog.Int("orphan_members", total.OrphanMembers),
		slog.Int("orphan_messages", total.OrphanMessages),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return total, errors.Join(errs...)
}

// roomsWithSubcollections はメンバーかメッセージを持つルームのIDを返す。
// ルーム本体が削除済みでも、残ったサブコレクションから拾える。
func (j *Job) roomsWithSubcollections(ctx context.Context) ([]string, error) {
	colls, err := j.store.ListCollections(ctx, repository.CollectionRooms+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list room collections: %w", err)
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, c := range colls {
		// rooms/{id}/members または rooms/{id}/messages
		segments := strings.Split(c.Path(), "/")
		if len(segments) != 3 {
			continue
		}
		if _, ok := seen[segments[1]]; ok {
			continue
		}
		seen[segments[1]] = struct{}{}
		ids = append(ids, segments[1])
	}
	return ids, nil
}

func (j *Job) sweepRoom(ctx context.Context, roomID string, cutoff time.Time) (Result, error) {
	var res Result
	room, err := j.rooms.FindByID(ctx, roomID)
	if err != nil {
		return res, err
	}

	if room == nil {
		n, err := j.members.DeleteAllByRoom(ctx, roomID)
		res.OrphanMembers = n
		if err != nil {
			return res, err
		}
		n, err = j.messages.DeleteAllByRoom(ctx, roomID)
		res.OrphanMessages = n
		return res, err
	}

	stale, err := j.members.ListStale(ctx, roomID, cutoff)
	if err != nil {
		return res, err
	}
	for _, m := range stale {
		if err := j.members.Delete(ctx, roomID, m.UserID); err != nil {
			return res, err
		}
		res.StaleMembers++
		j.logger.Info("stale member removed",
			slog.String("room_id", roomID),
			slog.String("user_id", m.UserID),
			slog.Time("last_seen_at", m.LastSeenAt),
		)
	}
	return res, nil
}

package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ChangeChannel はドキュメント変更時にトリガーが通知するLISTENチャネル名。
// ペイロードは変更されたドキュメントの親コレクションパス。
const ChangeChannel = "docstore_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
	refreshTimeout       = 10 * time.Second
)

// Postgres は documents テーブル（JSONB）を使うClient実装。
// 購読は pq.Listener で受けた変更通知ごとに対象のクエリを再実行し、完全なスナップショットを届ける。
type Postgres struct {
	db          *sql.DB
	databaseURL string
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	subs     map[int64]*subscriber
	nextSub  int64
	listener *pq.Listener
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewPostgres はPostgresクライアントを生成する。
// 変更通知の受信はStartで開始する。
func NewPostgres(db *sql.DB, databaseURL string, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:          db,
		databaseURL: databaseURL,
		logger:      logger,
		now:         time.Now,
		subs:        make(map[int64]*subscriber),
	}
}

var (
	_ Client           = (*Postgres)(nil)
	_ CollectionLister = (*Postgres)(nil)
)

// Start は変更通知のLISTENを開始する。
func (p *Postgres) Start(ctx context.Context) error {
	listener := pq.NewListener(p.databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				p.logger.Warn("docstore listener event", slog.Int("event", int(ev)), slog.String("error", err.Error()))
			}
		})
	if err := listener.Listen(ChangeChannel); err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.listener = listener
	p.cancel = cancel
	done := make(chan struct{})
	p.loopDone = done
	p.mu.Unlock()

	go p.listenLoop(loopCtx, listener, done)
	return nil
}

// Close は変更通知の受信と全購読を停止する。
func (p *Postgres) Close() error {
	p.mu.Lock()
	cancel, done, listener := p.cancel, p.loopDone, p.listener
	p.cancel, p.listener = nil, nil
	for id, sub := range p.subs {
		sub.stop()
		delete(p.subs, id)
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func (p *Postgres) listenLoop(ctx context.Context, listener *pq.Listener, done chan struct{}) {
	defer close(done)
	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// 再接続後は取りこぼした通知があり得るため全購読を再取得する。
				p.refreshMatching(ctx, func(*subscriber) bool { return true })
				continue
			}
			collection := n.Extra
			p.refreshMatching(ctx, func(s *subscriber) bool {
				return s.target.collectionPath() == collection
			})
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					p.logger.Warn("docstore listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (p *Postgres) refreshMatching(ctx context.Context, match func(*subscriber) bool) {
	p.mu.Lock()
	targets := make([]*subscriber, 0, len(p.subs))
	for _, sub := range p.subs {
		if !sub.stopped() && match(sub) {
			targets = append(targets, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range targets {
		p.refresh(ctx, sub)
	}
}

// refresh は購読対象を読み直して配信する。読み取りに失敗した購読はエラーを届けて終了する。
func (p *Postgres) refresh(ctx context.Context, sub *subscriber) {
	sub.refreshMu.Lock()
	defer sub.refreshMu.Unlock()
	if sub.stopped() {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	snap, err := p.read(readCtx, sub.target)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		sub.offer(delivery{err: err})
		return
	}
	sub.offer(delivery{snap: snap})
}

func (p *Postgres) read(ctx context.Context, t Target) (Snapshot, error) {
	snap := Snapshot{Target: t, ReadTime: p.now()}
	switch t.kind {
	case KindDoc:
		doc, err := p.Get(ctx, t.doc)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Doc = doc
	case KindQuery:
		docs, err := p.Run(ctx, t.query)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Docs = docs
	default:
		return Snapshot{}, fmt.Errorf("%w: empty target", ErrInvalidArgument)
	}
	return snap, nil
}

// Subscribe は対象を購読する。初回スナップショットは別ゴルーチンで読み取る。
func (p *Postgres) Subscribe(ctx context.Context, target Target, onSnapshot SnapshotFunc, onError ErrorFunc) func() {
	p.mu.Lock()
	p.nextSub++
	sub := newSubscriber(ctx, p.nextSub, target, onSnapshot, onError)
	if err := target.validate(); err != nil {
		sub.offer(delivery{err: err})
	} else {
		p.subs[sub.id] = sub
	}
	p.mu.Unlock()

	go sub.run(func() {
		p.mu.Lock()
		delete(p.subs, sub.id)
		p.mu.Unlock()
	})
	if !sub.stopped() {
		go p.refresh(ctx, sub)
	}
	return sub.stop
}

const selectDocumentSQL = `
	SELECT fields, created_at, updated_at, seq
	FROM documents
	WHERE collection = $1 AND doc_id = $2`

// Get は1件のドキュメントを取得する。
func (p *Postgres) Get(ctx context.Context, ref DocRef) (Document, error) {
	if !ref.Valid() {
		return Document{}, fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	var raw []byte
	doc := Document{Ref: ref}
	err := p.db.QueryRowContext(ctx, selectDocumentSQL, ref.parent, ref.id).
		Scan(&raw, &doc.CreateTime, &doc.UpdateTime, &doc.seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{Ref: ref}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s: %w", ref.Path(), err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return Document{}, fmt.Errorf("failed to decode document %s: %w", ref.Path(), err)
	}
	doc.Fields = fields
	doc.Exists = true
	return doc, nil
}

// Run はクエリをSQLに変換して実行する。
func (p *Postgres) Run(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	query, args, err := buildQuerySQL(q, p.now())
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query on %s: %w", q.collection.Path(), err)
	}
	defer rows.Close()

	coll := q.collection
	docs := make([]Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		doc := Document{Exists: true}
		if err := rows.Scan(&id, &raw, &doc.CreateTime, &doc.UpdateTime, &doc.seq); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Ref = coll.Doc(id)
		if doc.Fields, err = decodeFields(raw); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", doc.Ref.Path(), err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// buildQuerySQL はクエリを documents テーブルへのSELECT文に変換する。
// フィールド名も値もすべてプレースホルダで渡す。
func buildQuerySQL(q Query, now time.Time) (string, []any, error) {
	var b strings.Builder
	args := []any{q.collection.Path()}
	b.WriteString("SELECT doc_id, fields, created_at, updated_at, seq FROM documents WHERE collection = $1")

	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	for _, f := range q.filters {
		v, err := normalize(f.Value, now)
		if err != nil {
			return "", nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		field := next(f.Field)
		value := next(string(raw))
		if f.Op == OpArrayContains {
			fmt.Fprintf(&b, " AND jsonb_typeof(fields->%s) = 'array' AND fields->%s @> jsonb_build_array(%s::jsonb)",
				field, field, value)
			continue
		}
		// jsonbの比較は型をまたぐと順序比較になるため、型一致も条件に含める。
		fmt.Fprintf(&b, " AND fields->%s %s %s::jsonb AND jsonb_typeof(fields->%s) = jsonb_typeof(%s::jsonb)",
			field, sqlOp(f.Op), value, field, value)
	}
	for _, o := range q.orders {
		fmt.Fprintf(&b, " AND fields ? %s", next(o.Field))
	}

	b.WriteString(" ORDER BY ")
	for _, o := range q.orders {
		dir := "ASC"
		if o.Dir == Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, "fields->%s %s, ", next(o.Field), dir)
	}
	b.WriteString("seq ASC")

	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %s", next(q.limit))
	}
	return b.String(), args, nil
}

func sqlOp(op Op) string {
	switch op {
	case OpEq:
		return "="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	default:
		return "="
	}
}

const mergeDocumentSQL = `
	INSERT INTO documents (collection, doc_id, fields, created_at, updated_at)
	VALUES ($1, $2, $3::jsonb, $4, $4)
	ON CONFLICT (collection, doc_id)
	DO UPDATE SET fields = documents.fields || EXCLUDED.fields, updated_at = EXCLUDED.updated_at`

// MergeWrite は指定フィールドのみを上書きする。
func (p *Postgres) MergeWrite(ctx context.Context, ref DocRef, fields map[string]any) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	now := p.now()
	normalized, err := normalizeFields(fields, now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := p.db.ExecContext(ctx, mergeDocumentSQL, ref.parent, ref.id, string(raw), now); err != nil {
		return fmt.Errorf("failed to merge document %s: %w", ref.Path(), err)
	}
	return nil
}

// Delete はドキュメントを削除する。
func (p *Postgres) Delete(ctx context.Context, ref DocRef) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	if _, err := p.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = $1 AND doc_id = $2", ref.parent, ref.id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", ref.Path(), err)
	}
	return nil
}

// Create は自動採番IDでドキュメントを作成する。
func (p *Postgres) Create(ctx context.Context, coll CollectionRef, fields map[string]any) (DocRef, error) {
	if !coll.Valid() {
		return DocRef{}, fmt.Errorf("%w: invalid collection path %q", ErrInvalidArgument, coll.Path())
	}
	ref := coll.Doc(uuid.NewString())
	if err := p.MergeWrite(ctx, ref, fields); err != nil {
		return DocRef{}, err
	}
	return ref, nil
}

const incrementFieldSQL = `
	INSERT INTO documents (collection, doc_id, fields, created_at, updated_at)
	VALUES ($1, $2, jsonb_build_object($3::text, $4::bigint), $5, $5)
	ON CONFLICT (collection, doc_id)
	DO UPDATE SET
		fields = jsonb_set(
			documents.fields,
			ARRAY[$3::text],
			to_jsonb(COALESCE((documents.fields->>$3::text)::numeric, 0) + $4::bigint),
			true),
		updated_at = EXCLUDED.updated_at`

// IncrementField は数値フィールドに相対値を加算する。加算はサーバー側で原子的に行う。
func (p *Postgres) IncrementField(ctx context.Context, ref DocRef, field string, delta int64) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: invalid document path %q", ErrInvalidArgument, ref.Path())
	}
	if field == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidArgument)
	}
	if _, err := p.db.ExecContext(ctx, incrementFieldSQL, ref.parent, ref.id, field, delta, p.now()); err != nil {
		return fmt.Errorf("failed to increment %s.%s: %w", ref.Path(), field, err)
	}
	return nil
}

// ListCollections はパスがprefixで始まるコレクションを返す。
func (p *Postgres) ListCollections(ctx context.Context, prefix string) ([]CollectionRef, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT DISTINCT collection FROM documents WHERE starts_with(collection, $1) ORDER BY collection", prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()
	var out []CollectionRef
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, CollectionRef{path: path})
	}
	return out, rows.Err()
}

func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return normalizeFields(fields, time.Time{})
}

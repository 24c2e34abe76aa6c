package docstore

import (
	"context"
	"fmt"
	"strings"
)

// 規則の判定に使うフィールド名。
const (
	fieldCreatorID         = "creatorId"
	fieldSenderID          = "senderId"
	fieldAudioMutedByAdmin = "audioMutedByAdmin"
	fieldVideoOffByAdmin   = "videoOffByAdmin"
)

// Guard はアクセス規則を検査してから下位のClientへ委譲するデコレータ。
// 利用者はコンテキストのプリンシパル（WithPrincipal）で識別する。
//
//   - 読み取りはプリンシパル必須。authSessions は読み書きとも不可。
//   - rooms/{id}: 作成は creatorId == プリンシパルのみ。更新・削除は作成者のみ。
//   - rooms/{id}/members/{uid}: 本人は自分の記録を書き込み・削除できる（管理者フィールドを除く）。
//     ルーム作成者は任意のメンバー記録を書き込み・削除できる。
//   - rooms/{id}/messages: senderId == プリンシパルでの作成のみ。削除は作成者のみ。
//   - users/{uid}: 本人のみ書き込み・加算できる。
//   - friendRequests/{pair}: 当事者だけが読める。作成は送信者本人が保留状態でのみ、
//     承認は受信者のみ。削除はどちらの当事者でもできる。
//   - directChats/{pair} とその messages: 参加者だけが読み書きできる。
//     メッセージは senderId == プリンシパルでの作成と、受信側による既読化のみ。
type Guard struct {
	next Client
}

// NewGuard は規則検査付きのClientを返す。
func NewGuard(next Client) *Guard {
	return &Guard{next: next}
}

var _ Client = (*Guard)(nil)

func denied(op, path string) error {
	return fmt.Errorf("%w: %s %s", ErrPermissionDenied, op, path)
}

// Get は読み取り規則を検査してから取得する。
func (g *Guard) Get(ctx context.Context, ref DocRef) (Document, error) {
	if err := g.checkRead(ctx, ref.parent); err != nil {
		return Document{}, err
	}
	if err := g.checkDocRead(ctx, ref); err != nil {
		return Document{}, err
	}
	return g.next.Get(ctx, ref)
}

// Run は読み取り規則を検査してからクエリを実行する。
func (g *Guard) Run(ctx context.Context, q Query) ([]Document, error) {
	if err := g.checkRead(ctx, q.collection.Path()); err != nil {
		return nil, err
	}
	if err := g.checkQueryRead(ctx, q); err != nil {
		return nil, err
	}
	return g.next.Run(ctx, q)
}

// Subscribe は読み取り規則を検査する。拒否時はonErrorに非同期でエラーを届ける。
func (g *Guard) Subscribe(ctx context.Context, target Target, onSnapshot SnapshotFunc, onError ErrorFunc) func() {
	err := g.checkRead(ctx, target.collectionPath())
	if err == nil {
		switch target.Kind() {
		case KindDoc:
			err = g.checkDocRead(ctx, target.Doc())
		case KindQuery:
			err = g.checkQueryRead(ctx, target.Query())
		}
	}
	if err != nil {
		if onError != nil {
			go onError(err)
		}
		return func() {}
	}
	return g.next.Subscribe(ctx, target, onSnapshot, onError)
}

// MergeWrite は書き込み規則を検査してから書き込む。
func (g *Guard) MergeWrite(ctx context.Context, ref DocRef, fields map[string]any) error {
	if err := g.checkWrite(ctx, ref, fields); err != nil {
		return err
	}
	return g.next.MergeWrite(ctx, ref, fields)
}

// Delete は削除規則を検査してから削除する。
func (g *Guard) Delete(ctx context.Context, ref DocRef) error {
	if err := g.checkDelete(ctx, ref); err != nil {
		return err
	}
	return g.next.Delete(ctx, ref)
}

// Create は作成規則を検査してから作成する。
func (g *Guard) Create(ctx context.Context, coll CollectionRef, fields map[string]any) (DocRef, error) {
	principal := PrincipalFromContext(ctx)
	if principal == "" {
		return DocRef{}, denied("create", coll.Path())
	}
	segments := strings.Split(coll.Path(), "/")
	switch {
	case len(segments) == 1 && segments[0] == "rooms":
		if fields[fieldCreatorID] != principal {
			return DocRef{}, denied("create", coll.Path())
		}
	case len(segments) == 3 && segments[0] == "rooms" && segments[2] == "messages":
		if fields[fieldSenderID] != principal {
			return DocRef{}, denied("create", coll.Path())
		}
	case len(segments) == 3 && segments[0] == collDirectChats && segments[2] == "messages":
		if fields[fieldSenderID] != principal {
			return DocRef{}, denied("create", coll.Path())
		}
		if err := g.requireParticipant(ctx, segments[1], principal, "create", coll.Path()); err != nil {
			return DocRef{}, err
		}
	default:
		return DocRef{}, denied("create", coll.Path())
	}
	return g.next.Create(ctx, coll, fields)
}

// IncrementField は本人のusersドキュメントに対してのみ加算を許可する。
func (g *Guard) IncrementField(ctx context.Context, ref DocRef, field string, delta int64) error {
	principal := PrincipalFromContext(ctx)
	if principal == "" || ref.parent != "users" || ref.id != principal {
		return denied("increment", ref.Path())
	}
	return g.next.IncrementField(ctx, ref, field, delta)
}

func (g *Guard) checkRead(ctx context.Context, collection string) error {
	if PrincipalFromContext(ctx) == "" {
		return denied("read", collection)
	}
	if strings.HasPrefix(collection, "authSessions") {
		return denied("read", collection)
	}
	return nil
}

func (g *Guard) checkWrite(ctx context.Context, ref DocRef, fields map[string]any) error {
	principal := PrincipalFromContext(ctx)
	if principal == "" {
		return denied("write", ref.Path())
	}
	segments := strings.Split(ref.Path(), "/")
	switch {
	case len(segments) == 2 && segments[0] == "users":
		if segments[1] != principal {
			return denied("write", ref.Path())
		}
		return nil
	case len(segments) == 2 && segments[0] == "rooms":
		isCreator, exists, err := g.roomCreator(ctx, segments[1], principal)
		if err != nil {
			return err
		}
		if !exists {
			if fields[fieldCreatorID] != principal {
				return denied("write", ref.Path())
			}
			return nil
		}
		if !isCreator {
			return denied("write", ref.Path())
		}
		if v, ok := fields[fieldCreatorID]; ok && v != principal {
			return denied("write", ref.Path())
		}
		return nil
	case len(segments) == 4 && segments[0] == "rooms" && segments[2] == "members":
		isCreator, _, err := g.roomCreator(ctx, segments[1], principal)
		if err != nil {
			return err
		}
		if isCreator {
			return nil
		}
		if segments[3] != principal {
			return denied("write", ref.Path())
		}
		_, audio := fields[fieldAudioMutedByAdmin]
		_, video := fields[fieldVideoOffByAdmin]
		if audio || video {
			return denied("write", ref.Path())
		}
		return nil
	case len(segments) == 2 && segments[0] == collFriendRequests:
		return g.checkFriendRequestWrite(ctx, ref, principal, fields)
	case len(segments) == 2 && segments[0] == collDirectChats:
		return g.checkChatWrite(ctx, ref, principal, fields)
	case len(segments) == 4 && segments[0] == collDirectChats && segments[2] == "messages":
		return g.checkDirectMessageWrite(ctx, ref, segments[1], principal, fields)
	default:
		return denied("write", ref.Path())
	}
}

func (g *Guard) checkDelete(ctx context.Context, ref DocRef) error {
	principal := PrincipalFromContext(ctx)
	if principal == "" {
		return denied("delete", ref.Path())
	}
	segments := strings.Split(ref.Path(), "/")
	if len(segments) == 2 && segments[0] == collFriendRequests {
		doc, err := g.next.Get(ctx, ref)
		if err != nil {
			return err
		}
		if doc.Exists && !isParty(doc.Fields, principal) {
			return denied("delete", ref.Path())
		}
		return nil
	}
	if len(segments) < 2 || segments[0] != "rooms" {
		return denied("delete", ref.Path())
	}
	isCreator, exists, err := g.roomCreator(ctx, segments[1], principal)
	if err != nil {
		return err
	}
	// 削除済みルームの残骸は誰でも片付けられる。
	switch {
	case len(segments) == 2:
		if exists && !isCreator {
			return denied("delete", ref.Path())
		}
		return nil
	case len(segments) == 4 && segments[2] == "members":
		if isCreator || !exists || segments[3] == principal {
			return nil
		}
		return denied("delete", ref.Path())
	case len(segments) == 4 && segments[2] == "messages":
		if isCreator || !exists {
			return nil
		}
		return denied("delete", ref.Path())
	default:
		return denied("delete", ref.Path())
	}
}

// roomCreator はプリンシパルがルームの作成者かを返す。ルームが存在しない場合 exists は false。
func (g *Guard) roomCreator(ctx context.Context, roomID, principal string) (isCreator, exists bool, err error) {
	doc, err := g.next.Get(ctx, Doc("rooms", roomID))
	if err != nil {
		return false, false, err
	}
	if !doc.Exists {
		return false, false, nil
	}
	return doc.Fields[fieldCreatorID] == principal, true, nil
}

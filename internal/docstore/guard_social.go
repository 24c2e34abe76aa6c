package docstore

import (
	"context"
	"slices"
	"strings"
)

const (
	collFriendRequests  = "friendRequests"
	collDirectChats     = "directChats"
	fieldReceiverID     = "receiverId"
	fieldStatus         = "status"
	fieldUpdatedAt      = "updatedAt"
	fieldParticipantIDs = "participantIds"
	fieldRead           = "read"
	statusPending       = "pending"
	statusAccepted      = "accepted"
)

// pairKey は2人のIDを並べ替えて "_" で連結する。申請とチャットのドキュメントIDになる。
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

func isParty(fields map[string]any, principal string) bool {
	return fields[fieldSenderID] == principal || fields[fieldReceiverID] == principal
}

// stringList は []string と正規化後の []any の両方を文字列スライスとして読む。
func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}

// checkDocRead は当事者限定のドキュメントの読み取りを検査する。
// 存在しないドキュメントの読み取りは許す。
func (g *Guard) checkDocRead(ctx context.Context, ref DocRef) error {
	principal := PrincipalFromContext(ctx)
	segments := strings.Split(ref.Path(), "/")
	switch {
	case len(segments) == 2 && segments[0] == collFriendRequests:
		doc, err := g.next.Get(ctx, ref)
		if err != nil {
			return err
		}
		if doc.Exists && !isParty(doc.Fields, principal) {
			return denied("read", ref.Path())
		}
	case len(segments) == 2 && segments[0] == collDirectChats:
		ok, exists, err := g.chatParticipant(ctx, segments[1], principal)
		if err != nil {
			return err
		}
		if exists && !ok {
			return denied("read", ref.Path())
		}
	case len(segments) == 4 && segments[0] == collDirectChats:
		return g.requireParticipant(ctx, segments[1], principal, "read", ref.Path())
	}
	return nil
}

// checkQueryRead はクエリが当事者の範囲に絞られているかを検査する。
// friendRequests は senderId か receiverId の一致、directChats は participantIds への所属で絞ること。
func (g *Guard) checkQueryRead(ctx context.Context, q Query) error {
	principal := PrincipalFromContext(ctx)
	path := q.collection.Path()
	segments := strings.Split(path, "/")
	switch {
	case len(segments) == 1 && segments[0] == collFriendRequests:
		for _, f := range q.filters {
			if f.Op == OpEq && (f.Field == fieldSenderID || f.Field == fieldReceiverID) && f.Value == principal {
				return nil
			}
		}
		return denied("read", path)
	case len(segments) == 1 && segments[0] == collDirectChats:
		for _, f := range q.filters {
			if f.Op == OpArrayContains && f.Field == fieldParticipantIDs && f.Value == principal {
				return nil
			}
		}
		return denied("read", path)
	case len(segments) == 3 && segments[0] == collDirectChats:
		return g.requireParticipant(ctx, segments[1], principal, "read", path)
	}
	return nil
}

func (g *Guard) checkFriendRequestWrite(ctx context.Context, ref DocRef, principal string, fields map[string]any) error {
	doc, err := g.next.Get(ctx, ref)
	if err != nil {
		return err
	}
	if !doc.Exists {
		sender, _ := fields[fieldSenderID].(string)
		receiver, _ := fields[fieldReceiverID].(string)
		if sender != principal || receiver == "" || receiver == principal ||
			fields[fieldStatus] != statusPending || ref.id != pairKey(sender, receiver) {
			return denied("write", ref.Path())
		}
		return nil
	}
	// 既存の申請に対しては受信者による承認だけを許す
	if doc.Fields[fieldReceiverID] != principal || doc.Fields[fieldStatus] != statusPending {
		return denied("write", ref.Path())
	}
	for k := range fields {
		if k != fieldStatus && k != fieldUpdatedAt {
			return denied("write", ref.Path())
		}
	}
	if fields[fieldStatus] != statusAccepted {
		return denied("write", ref.Path())
	}
	return nil
}

func (g *Guard) checkChatWrite(ctx context.Context, ref DocRef, principal string, fields map[string]any) error {
	doc, err := g.next.Get(ctx, ref)
	if err != nil {
		return err
	}
	ids := stringList(fields[fieldParticipantIDs])
	if !doc.Exists {
		if len(ids) != 2 || ids[0] == ids[1] || !slices.Contains(ids, principal) || ref.id != pairKey(ids[0], ids[1]) {
			return denied("write", ref.Path())
		}
		return nil
	}
	existing := stringList(doc.Fields[fieldParticipantIDs])
	if !slices.Contains(existing, principal) {
		return denied("write", ref.Path())
	}
	if _, ok := fields[fieldParticipantIDs]; ok {
		if len(ids) != len(existing) {
			return denied("write", ref.Path())
		}
		for _, id := range ids {
			if !slices.Contains(existing, id) {
				return denied("write", ref.Path())
			}
		}
	}
	return nil
}

// checkDirectMessageWrite は受信側の参加者による既読化だけを許す。
func (g *Guard) checkDirectMessageWrite(ctx context.Context, ref DocRef, chatID, principal string, fields map[string]any) error {
	if err := g.requireParticipant(ctx, chatID, principal, "write", ref.Path()); err != nil {
		return err
	}
	msg, err := g.next.Get(ctx, ref)
	if err != nil {
		return err
	}
	if !msg.Exists || msg.Fields[fieldSenderID] == principal {
		return denied("write", ref.Path())
	}
	for k, v := range fields {
		if k != fieldRead || v != true {
			return denied("write", ref.Path())
		}
	}
	return nil
}

// chatParticipant はプリンシパルがチャットの参加者かを返す。チャットが存在しない場合 exists は false。
func (g *Guard) chatParticipant(ctx context.Context, chatID, principal string) (ok, exists bool, err error) {
	doc, err := g.next.Get(ctx, Doc(collDirectChats, chatID))
	if err != nil {
		return false, false, err
	}
	if !doc.Exists {
		return false, false, nil
	}
	return slices.Contains(stringList(doc.Fields[fieldParticipantIDs]), principal), true, nil
}

func (g *Guard) requireParticipant(ctx context.Context, chatID, principal, op, path string) error {
	ok, _, err := g.chatParticipant(ctx, chatID, principal)
	if err != nil {
		return err
	}
	if !ok {
		return denied(op, path)
	}
	return nil
}

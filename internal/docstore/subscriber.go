package docstore

import (
	"context"
	"sync"
)

type delivery struct {
	snap Snapshot
	err  error
}

// subscriber は1つの購読の配信状態を持つ。
// mailbox は容量1で、未配信のスナップショットは最新のもので置き換えられる。
type subscriber struct {
	id         int64
	ctx        context.Context
	target     Target
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	offerMu sync.Mutex
	mailbox chan delivery
	done    chan struct{}
	once    sync.Once

	// refreshMu はスナップショットの生成と投入を直列化する（Postgres用）。
	refreshMu sync.Mutex
}

func newSubscriber(ctx context.Context, id int64, target Target, onSnapshot SnapshotFunc, onError ErrorFunc) *subscriber {
	if onSnapshot == nil {
		onSnapshot = func(Snapshot) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &subscriber{
		id:         id,
		ctx:        ctx,
		target:     target,
		onSnapshot: onSnapshot,
		onError:    onError,
		mailbox:    make(chan delivery, 1),
		done:       make(chan struct{}),
	}
}

// offer は配信を投入する。未配信の古い配信は破棄される。
func (s *subscriber) offer(d delivery) {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case <-s.mailbox:
	default:
	}
	s.mailbox <- d
}

// run は配信ループ。停止後に onExit を呼ぶ。
func (s *subscriber) run(onExit func()) {
	defer onExit()
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.stop()
			return
		case d := <-s.mailbox:
			select {
			case <-s.done:
				return
			default:
			}
			if d.err != nil {
				s.stop()
				s.onError(d.err)
				return
			}
			s.onSnapshot(d.snap)
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

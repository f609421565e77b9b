package coordinator

import "sync"

// identityLocks はidentity単位の排他ロックを提供する。
// 同一identityへのGrant/Revokeの並行実行を直列化し、
// 使われなくなったエントリはその場で回収する。
type identityLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{entries: make(map[string]*lockEntry)}
}

// acquire はidentityのロックを取得し、解放用の関数を返す。
func (l *identityLocks) acquire(identity string) func() {
	l.mu.Lock()
	e, ok := l.entries[identity]
	if !ok {
		e = &lockEntry{}
		l.entries[identity] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, identity)
		}
		l.mu.Unlock()
	}
}

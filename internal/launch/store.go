package launch

import (
	"sync"
)

// Snapshot はある時点のルーティング状態。
type Snapshot struct {
	Key     string
	UserID  string
	Facts   Inputs
	State   State
	Route   State
	Final   bool
	Forced  bool
	Version uint64
}

type storeEntry struct {
	latest Snapshot
	has    bool
	subs   map[int]chan Snapshot
}

// Store は解決パスごとのルーティング状態を保持し、購読者へ変更を通知する。
// 各キーへの書き込みは1つの解決パスのみが行う。
type Store struct {
	mu      sync.Mutex
	entries map[string]*storeEntry
	// byUser はユーザーIDから解決パスのキーとそのセッションIDへの対応。
	byUser  map[string]map[string]string
	nextSub int
}

// NewStore は新しいStoreを生成する。
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*storeEntry),
		byUser:  make(map[string]map[string]string),
	}
}

func (s *Store) entry(key string) *storeEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &storeEntry{subs: make(map[int]chan Snapshot)}
		s.entries[key] = e
	}
	return e
}

// Publish はスナップショットを保存し、購読者へ通知する。
// 確定済み（Final）のキーへの書き込みは無視し、falseを返す。
// 購読者のチャネルには常に最新の1件のみが残る。
func (s *Store) Publish(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(snap.Key)
	if e.has && e.latest.Final {
		return false
	}
	snap.Version = e.latest.Version + 1
	e.latest = snap
	e.has = true

	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	return true
}

// Latest はキーの最新スナップショットを返す。
func (s *Store) Latest(key string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.has {
		return Snapshot{}, false
	}
	return e.latest, true
}

// Subscribe はキーの変更を購読する。既にスナップショットがあれば即座に受信できる。
// 返された関数で購読を解除する。
func (s *Store) Subscribe(key string) (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	if e.has {
		ch <- e.latest
	}
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if e, ok := s.entries[key]; ok {
				delete(e.subs, id)
				if len(e.subs) == 0 && e.latest.Final {
					delete(s.entries, key)
				}
			}
		})
	}
}

// Bind は解決パスのキーをユーザーとセッションに紐付ける。
func (s *Store) Bind(key, userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.byUser[userID]
	if !ok {
		keys = make(map[string]string)
		s.byUser[userID] = keys
	}
	keys[key] = sessionID
}

// KeysForSession はセッションに紐付いた進行中の解決パスのキーを返す。
// sessionIDが空の場合はユーザーのすべてのキーを返す。
func (s *Store) KeysForSession(userID, sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.byUser[userID]))
	for k, sid := range s.byUser[userID] {
		if sessionID == "" || sid == sessionID {
			keys = append(keys, k)
		}
	}
	return keys
}

// Forget はキーの状態を破棄する。購読者が残っている場合は状態のみ残す。
func (s *Store) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		if uid := e.latest.UserID; uid != "" {
			if keys, ok := s.byUser[uid]; ok {
				delete(keys, key)
				if len(keys) == 0 {
					delete(s.byUser, uid)
				}
			}
		}
		if len(e.subs) == 0 {
			delete(s.entries, key)
		}
	}
}

package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"speakerid-server/pkg/metrics"
)

// Store is a bounded, thread-safe LRU store for incremental sessions.
// The store lock guards only structural operations (create, evict,
// remove); per-session mutation is serialized by the session's own lock.
// Staleness sweeping is explicit: the store never self-triggers, an
// external scheduler calls SweepStale.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*storeEntry
	lruList  *list.List
	maxSize  int
	logger   *logrus.Logger

	evictions int64
}

type storeEntry struct {
	session *Session
	element *list.Element
}

// NewStore creates a session store with the given capacity.
func NewStore(logger *logrus.Logger, maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Store{
		sessions: make(map[string]*storeEntry),
		lruList:  list.New(),
		maxSize:  maxSize,
		logger:   logger,
	}
}

// GetOrCreate returns the session for the id, creating it lazily on first
// reference. When the store is at capacity the least-recently-active
// session is evicted before the new one is created.
//
// Activity bookkeeping happens here, under the store lock: LastActivity is
// only ever written by GetOrCreate/Get and only ever read by SweepStale and
// evictOldest, all of which hold the same lock.
func (st *Store) GetOrCreate(sessionID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if entry, ok := st.sessions[sessionID]; ok {
		entry.session.LastActivity = time.Now()
		st.lruList.MoveToFront(entry.element)
		return entry.session, false
	}

	for len(st.sessions) >= st.maxSize {
		st.evictOldest()
	}

	now := time.Now()
	sess := &Session{
		ID:              sessionID,
		SpeakerProfiles: make(map[string]*GlobalSpeakerProfile),
		CreatedAt:       now,
		LastActivity:    now,
	}
	entry := &storeEntry{session: sess}
	entry.element = st.lruList.PushFront(entry)
	st.sessions[sessionID] = entry

	st.logger.WithFields(logrus.Fields{
		"session_id":      sessionID,
		"active_sessions": len(st.sessions),
	}).Info("Created speaker session")
	return sess, true
}

// Get returns an existing session without creating one.
func (st *Store) Get(sessionID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.sessions[sessionID]
	if !ok {
		return nil, false
	}
	entry.session.LastActivity = time.Now()
	st.lruList.MoveToFront(entry.element)
	return entry.session, true
}

// Remove deletes a session. Removing an unknown id is a no-op.
func (st *Store) Remove(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if entry, ok := st.sessions[sessionID]; ok {
		st.removeEntry(sessionID, entry)
	}
}

// SweepStale removes every session whose last activity is older than
// maxAge and returns the removed session ids.
func (st *Store) SweepStale(maxAge time.Duration) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for id, entry := range st.sessions {
		if entry.session.LastActivity.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		st.removeEntry(id, st.sessions[id])
	}

	if len(removed) > 0 {
		st.logger.WithFields(logrus.Fields{
			"removed": len(removed),
			"max_age": maxAge,
		}).Info("Swept stale speaker sessions")
	}
	return removed
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Evictions returns the number of capacity evictions so far.
func (st *Store) Evictions() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.evictions
}

// evictOldest removes the least-recently-active session. Lock held.
func (st *Store) evictOldest() {
	oldest := st.lruList.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*storeEntry)
	st.evictions++
	if metrics.SessionEvictions != nil {
		metrics.SessionEvictions.Inc()
	}
	st.logger.WithFields(logrus.Fields{
		"session_id":    entry.session.ID,
		"last_activity": entry.session.LastActivity,
	}).Warn("Evicting least-recently-active speaker session")
	st.removeEntry(entry.session.ID, entry)
}

// removeEntry removes one entry from the map and LRU list. Lock held.
func (st *Store) removeEntry(sessionID string, entry *storeEntry) {
	delete(st.sessions, sessionID)
	st.lruList.Remove(entry.element)
}

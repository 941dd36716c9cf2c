package outreach

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the loaded window of one conversation: an ordered
// message sequence plus an identity index used for O(1) duplicate checks.
//
// The same logical message can arrive through the initial REST fetch, the
// realtime feed, and the polling worker, so every insert path checks the
// index first and duplicate delivery is a silent no-op, not an error. The
// visible sequence is kept ascending by creation timestamp regardless of
// arrival order.
//
// All operations are synchronous and goroutine-safe. The index and the
// sequence always have the same membership: one index key per record.
type MessageStore struct {
	mu    sync.RWMutex
	order []*Message          // ascending CreatedAt
	byKey map[string]*Message // resolved identity → record
	bySid map[string]string   // provider SID → resolved identity
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byKey: make(map[string]*Message),
		bySid: make(map[string]string),
	}
}

// NewTemporaryID generates a local message identity. The prefix keeps it
// out of the server ID space.
func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.NewString()
}

// Len returns the number of loaded messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Messages returns a snapshot of the sequence in display order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
	}
	return out
}

// Get returns a copy of the record with the given identity.
func (s *MessageStore) Get(identity string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byKey[identity]; ok {
		return *m, true
	}
	return Message{}, false
}

// Contains reports whether the identity is already indexed, either as a
// resolved identity or as a provider SID.
func (s *MessageStore) Contains(identity string) bool {
	if identity == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(identity)
}

func (s *MessageStore) containsLocked(identity string) bool {
	if _, ok := s.byKey[identity]; ok {
		return true
	}
	_, ok := s.bySid[identity]
	return ok
}

// seenLocked reports whether any of the message's identifiers is indexed.
func (s *MessageStore) seenLocked(m *Message) bool {
	if key := m.Key(); key != "" && s.containsLocked(key) {
		return true
	}
	if m.ProviderSID != "" {
		if _, ok := s.bySid[m.ProviderSID]; ok {
			return true
		}
		if _, ok := s.byKey[m.ProviderSID]; ok {
			return true
		}
	}
	return false
}

// SetAll replaces the whole sequence and rebuilds the index. Used on fresh
// load of a conversation.
func (s *MessageStore) SetAll(messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	s.byKey = make(map[string]*Message, len(messages))
	s.bySid = make(map[string]string, len(messages))

	for i := range messages {
		m := messages[i]
		if m.Key() == "" || s.seenLocked(&m) {
			continue
		}
		s.insertLocked(&m)
	}
	s.sortLocked()
}

// Prepend adds older messages (a pagination page) to the front, skipping
// any identity already indexed.
func (s *MessageStore) Prepend(older []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	front := make([]*Message, 0, len(older))
	for i := range older {
		m := older[i]
		if m.Key() == "" || s.seenLocked(&m) {
			continue
		}
		front = append(front, &m)
		s.indexLocked(&m)
		added++
	}
	if added == 0 {
		return 0
	}
	s.order = append(front, s.order...)
	s.sortLocked()
	return added
}

// Merge adds only messages not already indexed, then re-sorts. The polling
// worker feeds overlapping windows through here.
func (s *MessageStore) Merge(incoming []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for i := range incoming {
		m := incoming[i]
		if m.Key() == "" || s.seenLocked(&m) {
			continue
		}
		s.insertLocked(&m)
		added++
	}
	if added > 0 {
		s.sortLocked()
	}
	return added
}

// Add inserts one message unless its identity is already indexed.
// Duplicate delivery from a second channel is expected, so a duplicate
// insert returns false without error.
func (s *MessageStore) Add(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Key() == "" || s.seenLocked(&m) {
		return false
	}
	s.insertLocked(&m)
	s.sortLocked()
	return true
}

// Update finds the record by identity and applies the patch in place. If
// the patch changes the record's resolved identity (temporary → server ID),
// the index is moved together with the record, so there is no window where
// the message is findable under two identities or under neither.
//
// Returns false as a no-op when the identity is unknown — the message may
// already have been reconciled away. If the patch would rebind onto an
// identity another record already holds, the earlier record wins the slot
// and this one is dropped.
func (s *MessageStore) Update(identity string, patch func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[identity]
	if !ok {
		if key, sidOK := s.bySid[identity]; sidOK {
			m = s.byKey[key]
			ok = m != nil
		}
	}
	if !ok {
		return false
	}

	oldKey := m.Key()
	oldSid := m.ProviderSID
	patch(m)
	newKey := m.Key()

	if newKey != oldKey {
		if other, exists := s.byKey[newKey]; exists && other != m {
			// Identity slot already taken by a confirmed record that raced
			// in through another channel. Drop this one.
			s.removeRecordLocked(oldKey, m)
			return false
		}
		delete(s.byKey, oldKey)
		s.byKey[newKey] = m
		if m.TemporaryID != "" && m.ID != "" {
			m.TemporaryID = ""
		}
	}
	if m.ProviderSID != oldSid {
		if oldSid != "" {
			delete(s.bySid, oldSid)
		}
		if m.ProviderSID != "" {
			s.bySid[m.ProviderSID] = newKey
		}
	} else if m.ProviderSID != "" && newKey != oldKey {
		s.bySid[m.ProviderSID] = newKey
	}

	s.sortLocked()
	return true
}

// RemoveByIdentity deletes one record and its index entries. Used when an
// optimistic placeholder lost the identity race to a confirmed arrival.
func (s *MessageStore) RemoveByIdentity(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[identity]
	if !ok {
		return false
	}
	s.removeRecordLocked(identity, m)
	return true
}

// ── internals ───────────────────────────────────────────────

func (s *MessageStore) insertLocked(m *Message) {
	s.order = append(s.order, m)
	s.indexLocked(m)
}

func (s *MessageStore) indexLocked(m *Message) {
	s.byKey[m.Key()] = m
	if m.ProviderSID != "" {
		s.bySid[m.ProviderSID] = m.Key()
	}
}

func (s *MessageStore) removeRecordLocked(key string, m *Message) {
	delete(s.byKey, key)
	if m.ProviderSID != "" && s.bySid[m.ProviderSID] == key {
		delete(s.bySid, m.ProviderSID)
	}
	for i, cur := range s.order {
		if cur == m {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *MessageStore) sortLocked() {
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.order[i].CreatedAt.Before(s.order[j].CreatedAt)
	})
}

// ============================================================================
// Pending-send registry
// ============================================================================

// pendingRegistry maps server-assigned identifiers back to the temporary
// identity of an in-flight optimistic send, so an echo arriving through the
// feed or the poller is recognized as confirmation instead of rendered as a
// second row. Entries live only for the pending window.
type pendingRegistry struct {
	mu     sync.Mutex
	byID   map[string]string // server id → temporary id
	bySid  map[string]string // provider SID → temporary id
	byTemp map[string][]string
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{
		byID:   make(map[string]string),
		bySid:  make(map[string]string),
		byTemp: make(map[string][]string),
	}
}

// Register binds the server identifiers returned by a send response to the
// originating temporary identity.
func (p *pendingRegistry) Register(tempID, serverID, providerSID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if serverID != "" {
		p.byID[serverID] = tempID
		p.byTemp[tempID] = append(p.byTemp[tempID], serverID)
	}
	if providerSID != "" {
		p.bySid[providerSID] = tempID
		p.byTemp[tempID] = append(p.byTemp[tempID], providerSID)
	}
}

// Resolve returns the temporary identity an incoming echo corresponds to,
// matching on server id or provider SID (best effort).
func (p *pendingRegistry) Resolve(serverID, providerSID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if serverID != "" {
		if t, ok := p.byID[serverID]; ok {
			return t, true
		}
	}
	if providerSID != "" {
		if t, ok := p.bySid[providerSID]; ok {
			return t, true
		}
	}
	return "", false
}

// Deregister drops all bindings for a temporary identity, once reconciled
// or once the send failed.
func (p *pendingRegistry) Deregister(tempID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.byTemp[tempID] {
		if p.byID[key] == tempID {
			delete(p.byID, key)
		}
		if p.bySid[key] == tempID {
			delete(p.bySid, key)
		}
	}
	delete(p.byTemp, tempID)
}

// Clear drops every binding; used on conversation change.
func (p *pendingRegistry) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID = make(map[string]string)
	p.bySid = make(map[string]string)
	p.byTemp = make(map[string][]string)
}

package server

import (
	"sync"
	"time"
)

// transferRecord tracks one file-send attempt for a token.
type transferRecord struct {
	TransferID    string
	Filename      string
	TotalSize     int64
	ReceivedBytes int64
	StartedAt     time.Time
	CompletedAt   *time.Time
}

type transferSession struct {
	transfers map[string]*transferRecord
}

type hostEntry struct {
	conn   *relayConn
	connID string
}

// relayHub holds the token-keyed state shared by all relay connections: the
// registered host per token and the transfer sessions. Every accessor takes
// the hub mutex, none of them fail.
type relayHub struct {
	mu       sync.Mutex
	hosts    map[string]hostEntry
	sessions map[string]*transferSession
}

func newRelayHub() *relayHub {
	return &relayHub{
		hosts:    make(map[string]hostEntry),
		sessions: make(map[string]*transferSession),
	}
}

// registerHost installs conn as the host for token, replacing any previous
// host. The replaced connection is left open.
func (h *relayHub) registerHost(token string, conn *relayConn) {
	h.mu.Lock()
	h.hosts[token] = hostEntry{conn: conn, connID: conn.id}
	h.mu.Unlock()
}

func (h *relayHub) lookupHost(token string) *relayConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.hosts[token]
	if !ok {
		return nil
	}
	return entry.conn
}

// unregisterHost removes the host entry for token only while connID still
// owns it, so a late close of an evicted host cannot drop its successor.
func (h *relayHub) unregisterHost(token string, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.hosts[token]
	if !ok || entry.connID != connID {
		return false
	}
	delete(h.hosts, token)
	return true
}

func (h *relayHub) hostCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hosts)
}

func (h *relayHub) createOrGetSession(token string) *transferSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionLocked(token)
}

func (h *relayHub) sessionLocked(token string) *transferSession {
	session, ok := h.sessions[token]
	if !ok {
		session = &transferSession{transfers: make(map[string]*transferRecord)}
		h.sessions[token] = session
	}
	return session
}

func (h *relayHub) recordTransfer(token string, record transferRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stored := record
	h.sessionLocked(token).transfers[record.TransferID] = &stored
}

func (h *relayHub) completeTransfer(token string, transferID string, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	record := h.recordLocked(token, transferID)
	if record == nil {
		return false
	}
	completed := at
	record.CompletedAt = &completed
	return true
}

func (h *relayHub) addReceived(token string, transferID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if record := h.recordLocked(token, transferID); record != nil && n > 0 {
		record.ReceivedBytes += int64(n)
	}
}

// transfer returns a copy of the record.
func (h *relayHub) transfer(token string, transferID string) (transferRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record := h.recordLocked(token, transferID)
	if record == nil {
		return transferRecord{}, false
	}
	snapshot := *record
	if record.CompletedAt != nil {
		completed := *record.CompletedAt
		snapshot.CompletedAt = &completed
	}
	return snapshot, true
}

func (h *relayHub) recordLocked(token string, transferID string) *transferRecord {
	session, ok := h.sessions[token]
	if !ok {
		return nil
	}
	return session.transfers[transferID]
}

// sweepCompleted drops completed records finished before cutoff and returns
// how many were removed. Sessions themselves are kept.
func (h *relayHub) sweepCompleted(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for _, session := range h.sessions {
		for id, record := range session.transfers {
			if record.CompletedAt != nil && record.CompletedAt.Before(cutoff) {
				delete(session.transfers, id)
				removed++
			}
		}
	}
	return removed
}

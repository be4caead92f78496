package mailbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nhle/deskmate/internal/model"
)

// Session holds the per-account synchronization state: the ingest
// cursor and a lazily opened, cached operate connection. The watch
// connection is owned by the supervisor because its lifetime follows
// the reconnect cycle; the operate connection survives across cycles
// until it fails a liveness probe.
type Session struct {
	account model.Account
	dialer  Dialer
	log     zerolog.Logger

	// cursor is the highest UID already ingested. Only messages with a
	// strictly greater UID are fetched.
	cursor atomic.Uint32

	opMu sync.Mutex
	op   OperateConn
}

// NewSession creates a session for the account with a zero cursor; the
// supervisor seeds it on first connect.
func NewSession(acc model.Account, dialer Dialer, log zerolog.Logger) *Session {
	return &Session{account: acc, dialer: dialer, log: log}
}

// Account returns the account this session serves.
func (s *Session) Account() model.Account { return s.account }

// Cursor returns the highest ingested UID.
func (s *Session) Cursor() uint32 { return s.cursor.Load() }

// SetCursor records uid as ingested. It never moves backwards.
func (s *Session) SetCursor(uid uint32) {
	for {
		cur := s.cursor.Load()
		if uid <= cur || s.cursor.CompareAndSwap(cur, uid) {
			return
		}
	}
}

// MarkRead adds the seen flag to the message on the server. A stale
// cached connection is replaced and the operation retried once.
func (s *Session) MarkRead(ctx context.Context, uid uint32) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	conn, err := s.operateConnLocked(ctx)
	if err != nil {
		return err
	}

	if err := conn.MarkSeen(uid); err != nil {
		s.dropOperateLocked()
		conn, dialErr := s.operateConnLocked(ctx)
		if dialErr != nil {
			return fmt.Errorf("marking UID %d seen: %w", uid, err)
		}
		return conn.MarkSeen(uid)
	}
	return nil
}

// operateConnLocked returns a live operate connection, probing the
// cached one with NOOP and redialing when the probe fails. Callers hold
// opMu.
func (s *Session) operateConnLocked(ctx context.Context) (OperateConn, error) {
	if s.op != nil {
		if err := s.op.Noop(); err == nil {
			return s.op, nil
		}
		s.log.Debug().Msg("operate connection went stale, redialing")
		s.dropOperateLocked()
	}

	conn, err := s.dialer.DialOperate(ctx)
	if err != nil {
		return nil, err
	}
	s.op = conn
	return conn, nil
}

// dropOperateLocked closes and forgets the cached operate connection.
func (s *Session) dropOperateLocked() {
	if s.op == nil {
		return
	}
	_ = s.op.Close()
	s.op = nil
}

// CloseOperate releases the cached operate connection, if any.
func (s *Session) CloseOperate() {
	s.opMu.Lock()
	s.dropOperateLocked()
	s.opMu.Unlock()
}

package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/deskmate/internal/event"
	"github.com/nhle/deskmate/internal/model"
	"github.com/nhle/deskmate/internal/msgparse"
	"github.com/nhle/deskmate/internal/store"
)

// errStopped signals an orderly shutdown out of the serve loops.
var errStopped = errors.New("mailbox: session stopped")

// Supervisor drives one account's session through its lifecycle:
//
//	disconnected -> connecting -> listening | polling
//	                   |                |
//	                   v                v
//	                 error        reconnecting -> connecting | error
//
// Error and stopped are terminal; a stopped or failed account needs a
// fresh supervisor. Every transition is published as a status-changed
// event.
type Supervisor struct {
	session *Session
	store   store.Gateway
	parser  *msgparse.Parser
	events  event.Sink
	cfg     model.ListenerConfig
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	statusMu sync.Mutex
	status   model.SessionStatus
}

// NewSupervisor creates a supervisor in the disconnected state. Start
// launches it.
func NewSupervisor(
	session *Session,
	gw store.Gateway,
	parser *msgparse.Parser,
	events event.Sink,
	cfg model.ListenerConfig,
	log zerolog.Logger,
) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		session: session,
		store:   gw,
		parser:  parser,
		events:  events,
		cfg:     cfg,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  model.StatusDisconnected,
	}
}

// Start launches the supervisor loop in its own goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop asks the loop to shut down and waits until it has.
func (s *Supervisor) Stop() {
	s.cancel()
	<-s.done
}

// Status returns the current session status.
func (s *Supervisor) Status() model.SessionStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// setStatus records and publishes a transition; repeated states are not
// republished.
func (s *Supervisor) setStatus(status model.SessionStatus) {
	s.statusMu.Lock()
	if s.status == status {
		s.statusMu.Unlock()
		return
	}
	s.status = status
	s.statusMu.Unlock()

	s.log.Info().Str("status", string(status)).Msg("session status changed")
	s.events.Publish(event.Event{
		Kind:      event.KindStatusChanged,
		AccountID: s.session.account.ID,
		Status:    status,
	})
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.session.CloseOperate()

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			s.setStatus(model.StatusStopped)
			return
		}

		s.setStatus(model.StatusConnecting)
		watch, err := s.connect()
		if err != nil {
			if IsAuthError(err) {
				s.log.Error().Err(err).Msg("authentication rejected, giving up")
				s.setStatus(model.StatusError)
				return
			}

			attempt++
			if attempt >= s.cfg.MaxRetries {
				s.log.Error().Err(err).Int("attempts", attempt).Msg("connect retries exhausted")
				s.setStatus(model.StatusError)
				return
			}

			delay := time.Duration(attempt) * time.Duration(s.cfg.RetryDelaySec) * time.Second
			s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")
			s.setStatus(model.StatusReconnecting)
			if !s.sleep(delay) {
				s.setStatus(model.StatusStopped)
				return
			}
			continue
		}
		attempt = 0

		err = s.serve(watch)
		_ = watch.Close()

		if errors.Is(err, errStopped) || s.ctx.Err() != nil {
			s.setStatus(model.StatusStopped)
			return
		}

		s.log.Warn().Err(err).Msg("watch connection lost")
		s.setStatus(model.StatusReconnecting)
		if !s.sleep(time.Duration(s.cfg.RetryDelaySec) * time.Second) {
			s.setStatus(model.StatusStopped)
			return
		}
	}
}

// connect dials the watch connection, selects INBOX, and seeds the
// ingest cursor on the first successful connect.
func (s *Supervisor) connect() (WatchConn, error) {
	watch, err := s.session.dialer.DialWatch(s.ctx)
	if err != nil {
		return nil, err
	}

	uidNext, err := watch.SelectInbox()
	if err != nil {
		_ = watch.Close()
		return nil, err
	}

	if err := s.seedCursor(uidNext); err != nil {
		_ = watch.Close()
		return nil, err
	}
	return watch, nil
}

// seedCursor initializes the cursor from the store's highest ingested
// UID, falling back to the mailbox UIDNEXT baseline so a brand-new
// account only sees mail arriving from now on.
func (s *Supervisor) seedCursor(uidNext uint32) error {
	if s.session.Cursor() != 0 {
		return nil
	}

	maxUID, err := s.store.MaxUID(s.ctx, s.session.account.ID)
	if err != nil {
		return fmt.Errorf("loading ingest cursor: %w", err)
	}
	if maxUID == 0 && uidNext > 0 {
		maxUID = uidNext - 1
	}

	s.session.SetCursor(maxUID)
	s.log.Debug().Uint32("cursor", maxUID).Msg("ingest cursor seeded")
	return nil
}

// serve catches up on anything that arrived while disconnected and then
// watches for new mail until the connection fails or the supervisor
// stops.
func (s *Supervisor) serve(watch WatchConn) error {
	if err := s.ingest(watch); err != nil {
		return err
	}

	if watch.SupportsIdle() {
		s.setStatus(model.StatusListening)
		return s.listen(watch)
	}

	s.log.Info().Msg("server lacks IDLE, falling back to polling")
	s.setStatus(model.StatusPolling)
	return s.poll(watch)
}

// listen runs bounded IDLE cycles. The cycle deadline keeps the
// connection inside the RFC's 30-minute window; every wake triggers an
// ingest pass so a missed notification only delays mail by one cycle.
func (s *Supervisor) listen(watch WatchConn) error {
	cycle := time.Duration(s.cfg.IdleCycleMin) * time.Minute
	for {
		if s.ctx.Err() != nil {
			return errStopped
		}

		newMail, err := watch.Idle(s.ctx, cycle)
		if err != nil {
			return fmt.Errorf("idle cycle: %w", err)
		}
		if s.ctx.Err() != nil {
			return errStopped
		}
		if newMail {
			s.log.Debug().Msg("new mail notification")
		}

		if err := s.ingest(watch); err != nil {
			return err
		}
	}
}

// poll checks for new mail on a fixed interval.
func (s *Supervisor) poll(watch WatchConn) error {
	ticker := time.NewTicker(time.Duration(s.cfg.PollIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return errStopped
		case <-ticker.C:
		}

		if err := s.ingest(watch); err != nil {
			return err
		}
	}
}

// ingest fetches and stores every message above the cursor, in UID
// order. Transport errors abort the pass; a message that fails to parse
// or store is logged and skipped so one bad message cannot wedge the
// mailbox.
func (s *Supervisor) ingest(watch WatchConn) error {
	uids, err := watch.SearchSince(s.session.Cursor())
	if err != nil {
		return fmt.Errorf("searching for new messages: %w", err)
	}

	for _, uid := range uids {
		if s.ctx.Err() != nil {
			return errStopped
		}

		raw, err := watch.FetchRaw(uid)
		if err != nil {
			return fmt.Errorf("fetching UID %d: %w", uid, err)
		}

		s.ingestOne(uid, raw)
		s.session.SetCursor(uid)
	}
	return nil
}

// ingestOne parses, stores, and announces a single message. Only a
// first-time insert produces a new-message event; dedup hits are
// silent.
func (s *Supervisor) ingestOne(uid uint32, raw []byte) {
	id := uuid.New().String()

	parsed, err := s.parser.Parse(raw, id)
	if err != nil {
		s.log.Warn().Err(err).Uint32("uid", uid).Msg("skipping unparsable message")
		return
	}

	msg := model.Message{
		ID:          id,
		AccountID:   s.session.account.ID,
		UID:         uid,
		Subject:     parsed.Subject,
		Sender:      parsed.Sender,
		SenderEmail: parsed.SenderEmail,
		Recipients:  parsed.Recipients,
		Date:        parsed.Date,
		Body:        parsed.Body,
		BodyHTML:    parsed.BodyHTML,
		Folder:      "INBOX",
		FetchedAt:   time.Now().UTC(),
		Attachments: parsed.Attachments,
	}
	for i := range msg.Attachments {
		msg.Attachments[i].MessageID = id
	}

	inserted, err := s.store.InsertMessage(s.ctx, msg)
	if err != nil {
		s.log.Error().Err(err).Uint32("uid", uid).Msg("storing message failed")
		return
	}
	if !inserted {
		s.log.Debug().Uint32("uid", uid).Msg("message already stored")
		return
	}

	s.log.Info().Uint32("uid", uid).Str("subject", msg.Subject).Msg("new message ingested")
	s.events.Publish(event.Event{
		Kind:      event.KindNewMessage,
		AccountID: s.session.account.ID,
		Message:   &msg,
	})
}

// sleep waits for d, returning false when the supervisor stops first.
func (s *Supervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/deskmate/internal/event"
	"github.com/nhle/deskmate/internal/model"
	"github.com/nhle/deskmate/internal/msgparse"
	"github.com/nhle/deskmate/internal/store"
)

// CredentialKey returns the keyring key holding an account's password.
func CredentialKey(accountID string) string {
	return "email-" + accountID
}

// DialerFactory builds the dialer for one account. The coordinator
// defaults to NewIMAPDialer; tests substitute fakes.
type DialerFactory func(acc model.Account, password string, log zerolog.Logger) Dialer

// Coordinator owns the supervisors of all accounts. Start and Stop are
// idempotent; a terminal supervisor is replaced on the next Start.
type Coordinator struct {
	store   store.Gateway
	parser  *msgparse.Parser
	events  event.Sink
	creds   Credentials
	cfg     model.ListenerConfig
	log     zerolog.Logger
	dialers DialerFactory

	mu   sync.Mutex
	sups map[string]*Supervisor
}

// NewCoordinator creates an empty coordinator. A nil factory selects
// the IMAP dialer.
func NewCoordinator(
	gw store.Gateway,
	parser *msgparse.Parser,
	events event.Sink,
	creds Credentials,
	cfg model.ListenerConfig,
	log zerolog.Logger,
	factory DialerFactory,
) *Coordinator {
	if factory == nil {
		factory = func(acc model.Account, password string, log zerolog.Logger) Dialer {
			return NewIMAPDialer(acc, password, log)
		}
	}
	return &Coordinator{
		store:   gw,
		parser:  parser,
		events:  events,
		creds:   creds,
		cfg:     cfg,
		log:     log,
		dialers: factory,
		sups:    make(map[string]*Supervisor),
	}
}

// Start launches a supervisor for the account. It is a no-op when one
// is already running; a supervisor that ended in error or stopped is
// replaced.
func (c *Coordinator) Start(ctx context.Context, accountID string) error {
	c.mu.Lock()
	if sup, ok := c.sups[accountID]; ok {
		if !sup.Status().Terminal() {
			c.mu.Unlock()
			return nil
		}
		delete(c.sups, accountID)
	}
	c.mu.Unlock()

	acc, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("loading account %s: %w", accountID, err)
	}

	password, err := c.creds.Get(CredentialKey(accountID))
	if err != nil {
		return fmt.Errorf("loading credentials for %s: %w", acc.Email, err)
	}

	log := c.log.With().Str("account", acc.Email).Logger()
	session := NewSession(*acc, c.dialers(*acc, password, log), log)
	sup := NewSupervisor(session, c.store, c.parser, c.events, c.cfg, log)

	c.mu.Lock()
	if existing, ok := c.sups[accountID]; ok && !existing.Status().Terminal() {
		// Lost the race against a concurrent Start.
		c.mu.Unlock()
		return nil
	}
	c.sups[accountID] = sup
	c.mu.Unlock()

	sup.Start()
	return nil
}

// Stop shuts down the account's supervisor and waits for it. Stopping
// an unknown account is a no-op.
func (c *Coordinator) Stop(accountID string) {
	c.mu.Lock()
	sup, ok := c.sups[accountID]
	delete(c.sups, accountID)
	c.mu.Unlock()

	if ok {
		sup.Stop()
	}
}

// StopAll shuts every supervisor down concurrently and waits for all of
// them.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	sups := make([]*Supervisor, 0, len(c.sups))
	for id, sup := range c.sups {
		sups = append(sups, sup)
		delete(c.sups, id)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			sup.Stop()
		}(sup)
	}
	wg.Wait()
}

// IsListening reports whether the account has a live session, whether
// it is currently on the IDLE or the polling path.
func (c *Coordinator) IsListening(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sup, ok := c.sups[accountID]
	return ok && !sup.Status().Terminal()
}

// Status returns the account's current session status. Accounts that
// never started report disconnected.
func (c *Coordinator) Status(accountID string) model.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sup, ok := c.sups[accountID]; ok {
		return sup.Status()
	}
	return model.StatusDisconnected
}

// StatusSnapshot returns the current status of every known account.
func (c *Coordinator) StatusSnapshot() map[string]model.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.SessionStatus, len(c.sups))
	for id, sup := range c.sups {
		out[id] = sup.Status()
	}
	return out
}

// MarkRead marks the message read locally and, when a session is
// active, mirrors the seen flag to the server. The server side is best
// effort; the local update is the source of truth for the UI.
func (c *Coordinator) MarkRead(ctx context.Context, accountID string, uid uint32) error {
	if err := c.store.MarkMessageRead(ctx, accountID, uid); err != nil {
		return err
	}

	c.mu.Lock()
	sup, ok := c.sups[accountID]
	c.mu.Unlock()

	if ok && !sup.Status().Terminal() {
		if err := sup.session.MarkRead(ctx, uid); err != nil {
			c.log.Warn().Err(err).Str("account", accountID).Uint32("uid", uid).
				Msg("failed to mirror seen flag to server")
		}
	}
	return nil
}

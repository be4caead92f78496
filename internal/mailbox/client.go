package mailbox

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/deskmate/internal/model"
)

// IMAPDialer opens TLS connections to one account's IMAP server using
// go-imap v2.
type IMAPDialer struct {
	host     string
	port     int
	username string
	password string
	provider string
	log      zerolog.Logger
}

// NewIMAPDialer resolves the account's endpoint and login name and
// returns a dialer for it.
func NewIMAPDialer(acc model.Account, password string, log zerolog.Logger) *IMAPDialer {
	host, port := ResolveEndpoint(acc.Email, acc.Provider, acc.IMAPHost, acc.IMAPPort)
	return &IMAPDialer{
		host:     host,
		port:     port,
		username: LoginUsername(acc.Username, acc.Provider),
		password: password,
		provider: acc.Provider,
		log:      log,
	}
}

// dial connects, authenticates, and announces the client identity where
// the provider requires it. A rejected login comes back as *AuthError.
func (d *IMAPDialer) dial(_ context.Context, opts *imapclient.Options) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", d.host, d.port)

	client, err := imapclient.DialTLS(addr, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(d.username, d.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return nil, &AuthError{
			Message: fmt.Sprintf("authentication failed for %s: %v", d.username, err),
		}
	}

	// The NetEase family refuses SELECT until the client identifies
	// itself. Failure is non-fatal elsewhere.
	switch d.provider {
	case "163", "126", "yeah", "188":
		if _, err := client.ID(&imap.IDData{Name: "DeskMate", Version: "1.0.0"}).Wait(); err != nil {
			d.log.Debug().Err(err).Msg("IMAP ID command failed")
		}
	}

	return client, nil
}

// DialWatch opens the read-side connection with a unilateral-data
// handler that signals mailbox growth.
func (d *IMAPDialer) DialWatch(ctx context.Context) (WatchConn, error) {
	notify := make(chan struct{}, 1)
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages == nil {
					return
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			},
		},
	}

	client, err := d.dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &watchConn{client: client, notify: notify}, nil
}

// DialOperate opens the write-side connection with INBOX selected
// read-write.
func (d *IMAPDialer) DialOperate(ctx context.Context) (OperateConn, error) {
	client, err := d.dial(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}
	return &operateConn{client: client}, nil
}

type watchConn struct {
	client *imapclient.Client
	notify chan struct{}
}

func (w *watchConn) SelectInbox() (uint32, error) {
	data, err := w.client.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting INBOX: %w", err)
	}
	return uint32(data.UIDNext), nil
}

func (w *watchConn) SupportsIdle() bool {
	return w.client.Caps().Has(imap.CapIdle)
}

func (w *watchConn) Idle(ctx context.Context, cycle time.Duration) (bool, error) {
	idleCmd, err := w.client.Idle()
	if err != nil {
		return false, fmt.Errorf("starting idle: %w", err)
	}

	timer := time.NewTimer(cycle)
	defer timer.Stop()

	var newMail bool
	select {
	case <-ctx.Done():
	case <-w.notify:
		newMail = true
	case <-timer.C:
	}

	if err := idleCmd.Close(); err != nil {
		return newMail, fmt.Errorf("ending idle: %w", err)
	}
	if err := idleCmd.Wait(); err != nil {
		return newMail, fmt.Errorf("ending idle: %w", err)
	}
	return newMail, nil
}

func (w *watchConn) SearchSince(cursor uint32) ([]uint32, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(cursor)+1, 0)

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{set},
	}
	data, err := w.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching UIDs above %d: %w", cursor, err)
	}

	uids := data.AllUIDs()
	slices.Sort(uids)

	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

func (w *watchConn) FetchRaw(uid uint32) ([]byte, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := w.client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message UID %d: %w", uid, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching UID %d: %w", uid, err)
	}
	return raw, nil
}

func (w *watchConn) Close() error {
	_ = w.client.Logout().Wait()
	return w.client.Close()
}

type operateConn struct {
	client *imapclient.Client
}

func (o *operateConn) Noop() error {
	return o.client.Noop().Wait()
}

func (o *operateConn) MarkSeen(uid uint32) error {
	storeCmd := o.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("adding seen flag to UID %d: %w", uid, err)
	}
	return nil
}

func (o *operateConn) Close() error {
	_ = o.client.Logout().Wait()
	return o.client.Close()
}

package email

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/internal/reliability"
	"github.com/brandon/mail-sync/pkg/types"
)

// Gmail extension fetch items
const (
	gmailExtension   = "X-GM-EXT-1"
	fetchGmailThread = imap.FetchItem("X-GM-THRID")
	fetchGmailLabels = imap.FetchItem("X-GM-LABELS")
)

// ErrMessageNotFound is returned when a header search matches nothing
var ErrMessageNotFound = errors.New("message not found on server")

var sessionSeq atomic.Uint64

func init() {
	imap.CharsetReader = charset.Reader
}

// doneTimeout bounds ending an idle when no command timeout is configured
const doneTimeout = 30 * time.Second

// IMAPDialer opens IMAP sessions
type IMAPDialer struct {
	timeout      time.Duration
	pollInterval time.Duration
	rootCAs      *x509.CertPool
	logger       *logrus.Logger
}

// NewIMAPDialer creates a dialer; timeout bounds connecting, the greeting and
// each command
func NewIMAPDialer(timeout time.Duration, logger *logrus.Logger) *IMAPDialer {
	return &IMAPDialer{
		timeout:      timeout,
		pollInterval: time.Minute,
		logger:       logger,
	}
}

// Dial connects and logs in. Rejected credentials yield an auth error.
func (d *IMAPDialer) Dial(ctx context.Context, acct *config.AccountConfig, password string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(acct.IMAPHost, strconv.Itoa(acct.IMAPPort))
	dialer := &net.Dialer{Timeout: d.timeout}
	tlsConfig := &tls.Config{
		ServerName: acct.IMAPHost,
		RootCAs:    d.rootCAs,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	cl, err := d.handshake(ctx, conn, acct.TLSMode, tlsConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	cl.Timeout = d.timeout

	if err := cl.Login(acct.IMAPUsername, password); err != nil {
		cl.Logout() //nolint:errcheck
		conn.Close()
		if reliability.IsConnectionError(err) {
			return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
		}
		return nil, reliability.Auth("login "+acct.Name, err)
	}

	c := &IMAPClient{
		id:           fmt.Sprintf("%s#%d", acct.Name, sessionSeq.Add(1)),
		account:      acct.Name,
		client:       cl,
		conn:         conn,
		timeout:      d.timeout,
		pollInterval: d.pollInterval,
		changed:      make(chan struct{}, 1),
		logger:       d.logger,
	}
	c.gmail, _ = cl.Support(gmailExtension)
	c.clearDeadline()

	updates := make(chan client.Update, 64)
	cl.Updates = updates
	go c.drainUpdates(updates)

	c.logger.WithFields(logrus.Fields{
		"account": acct.Name,
		"user":    reliability.MaskEmail(acct.IMAPUsername),
		"session": c.id,
		"gmail":   c.gmail,
	}).Info("Connected to IMAP server")
	return c, nil
}

// handshake negotiates TLS and reads the greeting. The deadline covers both
// and is replaced by the per command timeout afterwards.
func (d *IMAPDialer) handshake(ctx context.Context, conn net.Conn, mode string, tlsConfig *tls.Config) (*client.Client, error) {
	if d.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(d.timeout)); err != nil {
			return nil, err
		}
	}

	if mode == config.TLSModeStartTLS {
		cl, err := client.New(conn)
		if err != nil {
			return nil, err
		}
		if err := cl.StartTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to negotiate STARTTLS: %w", err)
		}
		return cl, nil
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return client.New(tlsConn)
}

// IMAPClient is a Session over one go-imap connection
type IMAPClient struct {
	id           string
	account      string
	client       *client.Client
	conn         net.Conn
	timeout      time.Duration
	pollInterval time.Duration
	gmail        bool
	changed      chan struct{}
	logger       *logrus.Logger
}

// ID identifies the session in logs
func (c *IMAPClient) ID() string {
	return c.id
}

// drainUpdates keeps the client's update channel flowing. Folder changes are
// folded into a single pending signal.
func (c *IMAPClient) drainUpdates(updates <-chan client.Update) {
	for {
		select {
		case <-c.client.LoggedOut():
			return
		case u := <-updates:
			switch u.(type) {
			case *client.MailboxUpdate, *client.ExpungeUpdate:
				select {
				case c.changed <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Noop checks that the connection is still usable
func (c *IMAPClient) Noop() error {
	defer c.clearDeadline()
	if err := c.client.Noop(); err != nil {
		return fmt.Errorf("noop failed: %w", err)
	}
	return nil
}

// Close logs out and closes the connection
func (c *IMAPClient) Close() error {
	if c.client.State() == imap.LogoutState {
		return nil
	}
	if err := c.client.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return err
	}
	return nil
}

// ListFolders lists all mailboxes/folders
func (c *IMAPClient) ListFolders() ([]types.Folder, error) {
	defer c.clearDeadline()
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var folders []types.Folder
	for m := range mailboxes {
		folders = append(folders, types.Folder{
			Name:       m.Name,
			Path:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// SelectFolder selects a folder read-write
func (c *IMAPClient) SelectFolder(name string) (*types.FolderStatus, error) {
	defer c.clearDeadline()
	mbox, err := c.client.Select(name, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	return &types.FolderStatus{
		Name:        mbox.Name,
		Messages:    mbox.Messages,
		UidNext:     mbox.UidNext,
		UidValidity: mbox.UidValidity,
	}, nil
}

// ListUIDs returns every UID of the selected folder
func (c *IMAPClient) ListUIDs() ([]uint32, error) {
	defer c.clearDeadline()
	uids, err := c.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	return uids, nil
}

// FetchSizes returns the RFC822 size of each message
func (c *IMAPClient) FetchSizes(uids []uint32) (map[uint32]uint32, error) {
	sizes := make(map[uint32]uint32, len(uids))
	err := c.uidFetch(uids, []imap.FetchItem{imap.FetchUid, imap.FetchRFC822Size}, func(msg *imap.Message) {
		sizes[msg.Uid] = msg.Size
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sizes: %w", err)
	}
	return sizes, nil
}

// FetchFlags returns the flags of each message
func (c *IMAPClient) FetchFlags(uids []uint32) (map[uint32][]string, error) {
	flags := make(map[uint32][]string, len(uids))
	err := c.uidFetch(uids, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, func(msg *imap.Message) {
		flags[msg.Uid] = msg.Flags
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}
	return flags, nil
}

// FetchMessages fetches full messages without marking them read
func (c *IMAPClient) FetchMessages(uids []uint32) ([]*types.RawMessage, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, imap.FetchRFC822Size, section.FetchItem()}
	if c.gmail {
		items = append(items, fetchGmailThread, fetchGmailLabels)
	}

	var out []*types.RawMessage
	var readErr error
	err := c.uidFetch(uids, items, func(msg *imap.Message) {
		raw := &types.RawMessage{
			UID:          msg.Uid,
			Flags:        msg.Flags,
			InternalDate: msg.InternalDate,
			Size:         msg.Size,
		}
		if literal := msg.GetBody(section); literal != nil {
			body, err := io.ReadAll(literal)
			if err != nil && readErr == nil {
				readErr = err
			}
			raw.Body = body
		}
		if c.gmail {
			raw.ProviderThreadID, raw.Labels = gmailAttributes(msg)
		}
		out = append(out, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read message body: %w", readErr)
	}
	return out, nil
}

func gmailAttributes(msg *imap.Message) (string, []string) {
	var thread string
	if v, ok := msg.Items[fetchGmailThread]; ok && v != nil {
		if s, err := imap.ParseString(v); err == nil {
			thread = s
		} else {
			thread = fmt.Sprint(v)
		}
	}
	var labels []string
	if v, ok := msg.Items[fetchGmailLabels]; ok && v != nil {
		labels, _ = imap.ParseStringList(v)
	}
	return thread, labels
}

// StoreFlags adds or removes flags on a message of the selected folder
func (c *IMAPClient) StoreFlags(uid uint32, flags []string, add bool) error {
	defer c.clearDeadline()
	op := imap.FlagsOp(imap.RemoveFlags)
	if add {
		op = imap.AddFlags
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	if err := c.client.UidStore(seqSet, imap.FormatFlagsOp(op, true), values, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

// Move moves a message of the selected folder to dest
func (c *IMAPClient) Move(uid uint32, dest string) error {
	defer c.clearDeadline()
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := c.client.UidMove(seqSet, dest); err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	return nil
}

// FindUIDByMessageID searches the selected folder by Message-ID header and
// returns the highest matching UID
func (c *IMAPClient) FindUIDByMessageID(messageID string) (uint32, error) {
	defer c.clearDeadline()
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", "<"+messageID+">")
	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search by message id: %w", err)
	}
	var best uint32
	for _, uid := range uids {
		if uid > best {
			best = uid
		}
	}
	if best == 0 {
		return 0, ErrMessageNotFound
	}
	return best, nil
}

// Idle waits for a change on the selected folder. It leaves the connection
// ready for the next command, or closes it and returns a connection error
// when the server does not end the idle within the command timeout.
func (c *IMAPClient) Idle(ctx context.Context, timeout time.Duration) (WaitResult, error) {
	if ctx.Err() != nil {
		return WaitCancelled, nil
	}
	select {
	case <-c.changed:
		return WaitEvent, nil
	default:
	}

	// The command timeout would otherwise cut the idle short
	c.client.Timeout = 0

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.client.Idle(stop, &client.IdleOptions{LogoutTimeout: -1, PollInterval: c.pollInterval})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result WaitResult
	select {
	case <-c.changed:
		result = WaitEvent
	case <-timer.C:
		result = WaitTimeout
	case <-ctx.Done():
		result = WaitCancelled
	case err := <-done:
		c.client.Timeout = c.timeout
		c.clearDeadline()
		if err != nil {
			return WaitEvent, fmt.Errorf("idle failed: %w", err)
		}
		return WaitEvent, nil
	}

	close(stop)
	wait := c.timeout
	if wait <= 0 {
		wait = doneTimeout
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	select {
	case err := <-done:
		c.client.Timeout = c.timeout
		c.clearDeadline()
		if err != nil {
			return result, fmt.Errorf("failed to end idle: %w", err)
		}
		return result, nil
	case <-deadline.C:
		// The server never confirmed DONE; the session is unusable
		c.conn.Close()
		c.logger.WithField("session", c.id).Warn("Server did not end idle, connection closed")
		return result, fmt.Errorf("failed to end idle after %s: %w", wait, os.ErrDeadlineExceeded)
	}
}

func (c *IMAPClient) uidFetch(uids []uint32, items []imap.FetchItem, fn func(*imap.Message)) error {
	if len(uids) == 0 {
		return nil
	}
	defer c.clearDeadline()
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqSet, items, messages)
	}()

	for msg := range messages {
		fn(msg)
	}
	return <-done
}

// clearDeadline drops the deadline a finished command leaves on the
// connection so the response reader does not time out between commands
func (c *IMAPClient) clearDeadline() {
	c.conn.SetDeadline(time.Time{}) //nolint:errcheck
}

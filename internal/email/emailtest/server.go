// Package emailtest provides an in-memory mail server for tests
package emailtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/internal/email"
	"github.com/brandon/mail-sync/internal/reliability"
	"github.com/brandon/mail-sync/pkg/types"
)

// ErrConnectionLost is returned by sessions after Server.DropConnections
var ErrConnectionLost = errors.New("connection reset by peer")

// Message is a message stored on the fake server
type Message struct {
	UID          uint32
	Raw          []byte
	Flags        []string
	InternalDate time.Time
}

type mailbox struct {
	name        string
	attributes  []string
	uidValidity uint32
	uidNext     uint32
	messages    map[uint32]*Message
}

// Server is an in-memory mail server. It implements email.Dialer.
type Server struct {
	mu          sync.Mutex
	password    string
	mailboxes   map[string]*mailbox
	order       []string
	sessions    map[*Session]bool
	dials       int
	failDials   int
	dialErr     error
	failFetches int
	fetchErr    error
	fetchCalls  int
	seq         int
}

// NewServer creates a server with an empty INBOX
func NewServer() *Server {
	s := &Server{
		mailboxes: make(map[string]*mailbox),
		sessions:  make(map[*Session]bool),
	}
	s.AddFolder("INBOX")
	return s
}

// SetPassword sets the only password accepted, empty accepts any
func (s *Server) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
}

// AddFolder creates a folder
func (s *Server) AddFolder(name string, attributes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[name]; ok {
		return
	}
	s.mailboxes[name] = &mailbox{
		name:        name,
		attributes:  attributes,
		uidValidity: 1,
		uidNext:     1,
		messages:    make(map[uint32]*Message),
	}
	s.order = append(s.order, name)
}

// Append stores a message and notifies sessions watching the folder
func (s *Server) Append(folder, raw string, flags ...string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailboxes[folder]
	uid := mb.uidNext
	mb.uidNext++
	mb.messages[uid] = &Message{
		UID:          uid,
		Raw:          []byte(strings.ReplaceAll(raw, "\n", "\r\n")),
		Flags:        append([]string(nil), flags...),
		InternalDate: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	s.notifyLocked(folder)
	return uid
}

// SetFlags replaces a message's flags
func (s *Server) SetFlags(folder string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mailboxes[folder].messages[uid]; ok {
		m.Flags = append([]string(nil), flags...)
	}
}

// Flags returns a message's flags
func (s *Server) Flags(folder string, uid uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mailboxes[folder].messages[uid]; ok {
		return append([]string(nil), m.Flags...)
	}
	return nil
}

// UIDs returns the UIDs of a folder in ascending order
func (s *Server) UIDs(folder string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxes[folder].uids()
}

// Expunge removes a message
func (s *Server) Expunge(folder string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mailboxes[folder].messages, uid)
	s.notifyLocked(folder)
}

// ResetUIDValidity renumbers a folder as a server would after a rebuild
func (s *Server) ResetUIDValidity(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailboxes[folder]
	mb.uidValidity++
	renumbered := make(map[uint32]*Message, len(mb.messages))
	for _, uid := range mb.uids() {
		m := mb.messages[uid]
		m.UID = mb.uidNext
		renumbered[m.UID] = m
		mb.uidNext++
	}
	mb.messages = renumbered
}

// FailDials makes the next n dials fail with err
func (s *Server) FailDials(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDials = n
	s.dialErr = err
}

// FailFetches makes the next n message fetches fail with err
func (s *Server) FailFetches(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFetches = n
	s.fetchErr = err
}

// Dials counts dial attempts
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// FetchCalls counts FetchMessages calls
func (s *Server) FetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

// OpenSessions counts sessions not yet closed
func (s *Server) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropConnections breaks every open session
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.breakLocked()
		delete(s.sessions, sess)
	}
}

// Dial opens a session
func (s *Server) Dial(ctx context.Context, acct *config.AccountConfig, password string) (email.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, s.dialErr
	}
	if s.password != "" && password != s.password {
		return nil, reliability.Auth("login "+acct.Name, errors.New("AUTHENTICATIONFAILED invalid credentials"))
	}
	s.seq++
	sess := &Session{
		server: s,
		id:     fmt.Sprintf("%s#%d", acct.Name, s.seq),
		events: make(chan struct{}, 1),
		broken: make(chan struct{}),
	}
	s.sessions[sess] = true
	return sess, nil
}

func (s *Server) notifyLocked(folder string) {
	for sess := range s.sessions {
		if sess.selected == folder {
			select {
			case sess.events <- struct{}{}:
			default:
			}
		}
	}
}

func (mb *mailbox) uids() []uint32 {
	uids := make([]uint32, 0, len(mb.messages))
	for uid := range mb.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Session is a connection to the fake server
type Session struct {
	server   *Server
	id       string
	selected string
	closed   bool
	lost     bool
	events   chan struct{}
	broken   chan struct{}
}

var _ email.Session = (*Session)(nil)

func (c *Session) breakLocked() {
	if !c.lost {
		c.lost = true
		close(c.broken)
	}
}

// check must be called with the server lock held
func (c *Session) check() error {
	if c.lost {
		return ErrConnectionLost
	}
	if c.closed {
		return errors.New("session closed")
	}
	return nil
}

func (c *Session) selectedBox() (*mailbox, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	mb, ok := c.server.mailboxes[c.selected]
	if !ok {
		return nil, errors.New("no folder selected")
	}
	return mb, nil
}

// ID identifies the session
func (c *Session) ID() string { return c.id }

// Noop checks the connection
func (c *Session) Noop() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.check()
}

// ListFolders lists folders in creation order
func (c *Session) ListFolders() ([]types.Folder, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	var out []types.Folder
	for _, name := range c.server.order {
		mb := c.server.mailboxes[name]
		out = append(out, types.Folder{Name: name, Path: name, Delimiter: "/", Attributes: mb.attributes})
	}
	return out, nil
}

// SelectFolder selects a folder
func (c *Session) SelectFolder(name string) (*types.FolderStatus, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	mb, ok := c.server.mailboxes[name]
	if !ok {
		return nil, fmt.Errorf("mailbox %s does not exist", name)
	}
	if c.selected != name {
		// Pending notifications belong to the previous folder
		select {
		case <-c.events:
		default:
		}
	}
	c.selected = name
	return &types.FolderStatus{
		Name:        name,
		Messages:    uint32(len(mb.messages)),
		UidNext:     mb.uidNext,
		UidValidity: mb.uidValidity,
	}, nil
}

// ListUIDs lists the selected folder's UIDs
func (c *Session) ListUIDs() ([]uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	return mb.uids(), nil
}

// FetchSizes returns message sizes
func (c *Session) FetchSizes(uids []uint32) (map[uint32]uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]uint32)
	for _, uid := range uids {
		if m, ok := mb.messages[uid]; ok {
			out[uid] = uint32(len(m.Raw))
		}
	}
	return out, nil
}

// FetchMessages returns full messages; unknown UIDs are skipped
func (c *Session) FetchMessages(uids []uint32) ([]*types.RawMessage, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	c.server.fetchCalls++
	if c.server.failFetches > 0 {
		c.server.failFetches--
		return nil, c.server.fetchErr
	}
	var out []*types.RawMessage
	for _, uid := range uids {
		m, ok := mb.messages[uid]
		if !ok {
			continue
		}
		out = append(out, &types.RawMessage{
			UID:          uid,
			Folder:       mb.name,
			Flags:        append([]string(nil), m.Flags...),
			InternalDate: m.InternalDate,
			Size:         uint32(len(m.Raw)),
			Body:         append([]byte(nil), m.Raw...),
		})
	}
	return out, nil
}

// FetchFlags returns message flags
func (c *Session) FetchFlags(uids []uint32) (map[uint32][]string, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32][]string)
	for _, uid := range uids {
		if m, ok := mb.messages[uid]; ok {
			out[uid] = append([]string(nil), m.Flags...)
		}
	}
	return out, nil
}

// StoreFlags adds or removes flags
func (c *Session) StoreFlags(uid uint32, flags []string, add bool) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return err
	}
	m, ok := mb.messages[uid]
	if !ok {
		return fmt.Errorf("uid %d not found", uid)
	}
	set := make(map[string]bool)
	for _, f := range m.Flags {
		set[f] = true
	}
	for _, f := range flags {
		set[f] = add
	}
	m.Flags = m.Flags[:0]
	for f, on := range set {
		if on {
			m.Flags = append(m.Flags, f)
		}
	}
	sort.Strings(m.Flags)
	return nil
}

// Move moves a message to dest under a new UID
func (c *Session) Move(uid uint32, dest string) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return err
	}
	target, ok := c.server.mailboxes[dest]
	if !ok {
		return fmt.Errorf("mailbox %s does not exist", dest)
	}
	m, ok := mb.messages[uid]
	if !ok {
		return fmt.Errorf("uid %d not found", uid)
	}
	delete(mb.messages, uid)
	m.UID = target.uidNext
	target.uidNext++
	target.messages[m.UID] = m
	c.server.notifyLocked(dest)
	return nil
}

// FindUIDByMessageID searches the selected folder by Message-ID header
func (c *Session) FindUIDByMessageID(messageID string) (uint32, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mb, err := c.selectedBox()
	if err != nil {
		return 0, err
	}
	needle := strings.ToLower("message-id: <" + messageID + ">")
	var best uint32
	for uid, m := range mb.messages {
		if strings.Contains(strings.ToLower(string(m.Raw)), needle) && uid > best {
			best = uid
		}
	}
	if best == 0 {
		return 0, email.ErrMessageNotFound
	}
	return best, nil
}

// Idle waits for a change on the selected folder
func (c *Session) Idle(ctx context.Context, timeout time.Duration) (email.WaitResult, error) {
	c.server.mu.Lock()
	if _, err := c.selectedBox(); err != nil {
		c.server.mu.Unlock()
		return email.WaitEvent, err
	}
	c.server.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.events:
		return email.WaitEvent, nil
	case <-timer.C:
		return email.WaitTimeout, nil
	case <-ctx.Done():
		return email.WaitCancelled, nil
	case <-c.broken:
		return email.WaitEvent, ErrConnectionLost
	}
}

// Close closes the session
func (c *Session) Close() error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.closed = true
	delete(c.server.sessions, c)
	return nil
}

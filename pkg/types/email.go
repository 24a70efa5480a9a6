package types

import "time"

// SyncStatus is the per-account synchronization state
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// RawMessage is a message as fetched from the server, before mapping
type RawMessage struct {
	UID              uint32
	Folder           string
	Flags            []string
	Labels           []string
	ProviderThreadID string
	InternalDate     time.Time
	Size             uint32
	Body             []byte
}

// Address is a resolved (name, email) pair
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// MessageFlags holds the boolean view of the protocol flags
type MessageFlags struct {
	Read     bool `json:"read"`
	Flagged  bool `json:"flagged"`
	Answered bool `json:"answered"`
	Deleted  bool `json:"deleted"`
	Draft    bool `json:"draft"`
}

// AttachmentData is an attachment extracted by the mapper, not yet stored
type AttachmentData struct {
	Filename    string
	ContentType string
	ContentID   string
	Size        int64
	Content     []byte
}

// MappedMessage is the canonical form of a message, ready to persist
type MappedMessage struct {
	MessageID    string            `json:"message_id"`
	Subject      string            `json:"subject"`
	From         *Address          `json:"from,omitempty"`
	To           []Address         `json:"to,omitempty"`
	Cc           []Address         `json:"cc,omitempty"`
	Bcc          []Address         `json:"bcc,omitempty"`
	ReplyTo      []Address         `json:"reply_to,omitempty"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	ReceivedAt   *time.Time        `json:"received_at,omitempty"`
	Flags        MessageFlags      `json:"flags"`
	Labels       []string          `json:"labels,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Size         int64             `json:"size"`
	ThreadID     string            `json:"thread_id,omitempty"`
	BodyText     string            `json:"body_text,omitempty"`
	BodyHTML     string            `json:"body_html,omitempty"`
	BodyMarkdown string            `json:"body_markdown,omitempty"`
	Attachments  []AttachmentData  `json:"-"`
}

// Message is a persisted message
type Message struct {
	ID           int64             `json:"id" db:"id"`
	AccountID    int64             `json:"account_id" db:"account_id"`
	AccountName  string            `json:"account_name" db:"account_name"`
	Folder       string            `json:"folder" db:"folder"`
	UID          uint32            `json:"uid" db:"uid"`
	MessageID    string            `json:"message_id" db:"message_id"`
	Subject      string            `json:"subject" db:"subject"`
	SenderName   string            `json:"sender_name" db:"sender_name"`
	SenderEmail  string            `json:"sender_email" db:"sender_email"`
	SentAt       *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
	ReceivedAt   *time.Time        `json:"received_at,omitempty" db:"received_at"`
	Flags        MessageFlags      `json:"flags" db:"-"`
	Labels       []string          `json:"labels,omitempty" db:"-"`
	Headers      map[string]string `json:"headers,omitempty" db:"-"`
	Size         int64             `json:"size" db:"size"`
	ThreadID     string            `json:"thread_id,omitempty" db:"thread_id"`
	BodyText     string            `json:"body_text,omitempty" db:"body_text"`
	BodyHTML     string            `json:"body_html,omitempty" db:"body_html"`
	BodyMarkdown string            `json:"body_markdown,omitempty" db:"body_markdown"`
	Attachments  []Attachment      `json:"attachments,omitempty" db:"-"`
	Contacts     []MessageContact  `json:"contacts,omitempty" db:"-"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Attachment is a persisted attachment row
type Attachment struct {
	ID          int64  `json:"id" db:"id"`
	MessageID   int64  `json:"message_id" db:"message_id"`
	DedupKey    string `json:"-" db:"dedup_key"`
	ContentID   string `json:"content_id,omitempty" db:"content_id"`
	Filename    string `json:"filename" db:"filename"`
	ContentType string `json:"content_type" db:"content_type"`
	Size        int64  `json:"size" db:"size"`
	Path        string `json:"path" db:"path"`
}

// Contact is a per-account address book entry
type Contact struct {
	ID               int64     `json:"id" db:"id"`
	AccountID        int64     `json:"account_id" db:"account_id"`
	Email            string    `json:"email" db:"email"`
	Name             string    `json:"name" db:"name"`
	InteractionCount int       `json:"interaction_count" db:"interaction_count"`
	LastSeen         time.Time `json:"last_seen" db:"last_seen"`
}

// Recipient roles used when linking contacts to a message
const (
	RoleFrom    = "from"
	RoleTo      = "to"
	RoleCc      = "cc"
	RoleBcc     = "bcc"
	RoleReplyTo = "reply_to"
)

// MessageContact is a contact linked to a message under a role
type MessageContact struct {
	Role  string `json:"role" db:"role"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
}

// Folder represents an email folder/mailbox
type Folder struct {
	ID           int64      `json:"id" db:"id"`
	AccountID    int64      `json:"account_id" db:"account_id"`
	AccountName  string     `json:"account_name" db:"account_name"`
	Name         string     `json:"name" db:"name"`
	Path         string     `json:"path" db:"path"`
	Delimiter    string     `json:"delimiter,omitempty" db:"delimiter"`
	Attributes   []string   `json:"attributes,omitempty" db:"-"`
	MessageCount int        `json:"message_count" db:"message_count"`
	LastSynced   *time.Time `json:"last_synced,omitempty" db:"last_synced"`
}

// FolderStatus is the result of selecting a folder
type FolderStatus struct {
	Name        string
	Messages    uint32
	UidNext     uint32
	UidValidity uint32
}

// AccountStatus is the sync state of an account as stored
type AccountStatus struct {
	Name          string     `json:"name" db:"name"`
	Email         string     `json:"email" db:"email"`
	Active        bool       `json:"active" db:"active"`
	SyncStatus    SyncStatus `json:"sync_status" db:"sync_status"`
	LastSync      *time.Time `json:"last_sync,omitempty" db:"last_sync"`
	LastSyncStart *time.Time `json:"last_sync_started,omitempty" db:"last_sync_started"`
	LastSyncError string     `json:"last_sync_error,omitempty" db:"last_sync_error"`
	SkippedCount  int        `json:"skipped_count" db:"skipped_count"`
}

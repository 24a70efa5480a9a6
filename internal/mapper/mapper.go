package mapper

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/mail-sync/internal/reliability"
	"github.com/brandon/mail-sync/pkg/types"
)

// ErrMissingMessageID is returned for messages without a usable Message-ID
var ErrMissingMessageID = errors.New("message has no Message-ID")

// ProviderThreadHeader is the thread id header set by Gmail
const ProviderThreadHeader = "X-GM-THRID"

var (
	wordDecoder  = &mime.WordDecoder{CharsetReader: charset.Reader}
	addressRegex = regexp.MustCompile(`[^\s<>",;:()\[\]]+@[^\s<>",;:()\[\]]+`)
	msgIDRegex   = regexp.MustCompile(`<([^<>\s]+)>`)
)

// Map converts a fetched message into its canonical form. owner is the
// account's own address and decides between sent_at and received_at.
func Map(raw *types.RawMessage, owner string) (*types.MappedMessage, error) {
	if raw == nil || len(raw.Body) == 0 {
		return nil, reliability.Mapping("map message", errors.New("empty message body"))
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, reliability.Mapping(fmt.Sprintf("parse uid %d", raw.UID), err)
	}
	header := mail.HeaderFromMap(env.Root.Header)

	messageID := parseMessageID(header)
	if messageID == "" {
		return nil, reliability.Mapping(fmt.Sprintf("map uid %d", raw.UID), ErrMissingMessageID)
	}

	msg := &types.MappedMessage{
		MessageID:   messageID,
		Subject:     parseSubject(header, env),
		To:          parseAddresses(header, "To"),
		Cc:          parseAddresses(header, "Cc"),
		Bcc:         parseAddresses(header, "Bcc"),
		ReplyTo:     parseAddresses(header, "Reply-To"),
		Flags:       MapFlags(raw.Flags),
		Labels:      append([]string(nil), raw.Labels...),
		Headers:     headerMap(env),
		Size:        int64(raw.Size),
		ThreadID:    threadID(raw, header, messageID),
		BodyText:    env.Text,
		BodyHTML:    env.HTML,
		Attachments: attachments(env),
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw.Body))
	}
	if from := parseAddresses(header, "From"); len(from) > 0 {
		msg.From = &from[0]
	}
	if env.HTML != "" {
		if md, err := html2text.FromString(env.HTML, html2text.Options{OmitLinks: false}); err == nil {
			msg.BodyMarkdown = md
		}
	}

	setTimestamps(msg, raw, header, owner)
	return msg, nil
}

func parseMessageID(header mail.Header) string {
	id, err := header.MessageID()
	if err == nil && id != "" {
		return id
	}
	// Tolerate ids the strict parser rejects, e.g. missing angle brackets
	v := strings.TrimSpace(header.Get("Message-Id"))
	if m := msgIDRegex.FindStringSubmatch(v); m != nil {
		return m[1]
	}
	return strings.Trim(v, "<> ")
}

func parseSubject(header mail.Header, env *enmime.Envelope) string {
	subject, err := header.Subject()
	if err != nil {
		return env.GetHeader("Subject")
	}
	return subject
}

// parseAddresses resolves an address header into (name, email) pairs. When
// the header does not parse, addresses are recovered from the raw text.
func parseAddresses(header mail.Header, key string) []types.Address {
	list, err := header.AddressList(key)
	if err == nil {
		out := make([]types.Address, 0, len(list))
		for _, a := range list {
			if a == nil || a.Address == "" {
				continue
			}
			out = append(out, newAddress(a.Name, a.Address))
		}
		return out
	}

	raw := decodeHeader(header.Get(key))
	var out []types.Address
	for _, part := range strings.Split(raw, ",") {
		loc := addressRegex.FindStringIndex(part)
		if loc == nil {
			continue
		}
		email := part[loc[0]:loc[1]]
		name := strings.Trim(strings.TrimSpace(part[:loc[0]]), `"'<`)
		out = append(out, newAddress(strings.TrimSpace(name), email))
	}
	return out
}

func newAddress(name, email string) types.Address {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if name == "" {
		name = localPart(email)
	}
	return types.Address{Name: name, Email: email}
}

func localPart(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

// setTimestamps fills exactly one of SentAt and ReceivedAt
func setTimestamps(msg *types.MappedMessage, raw *types.RawMessage, header mail.Header, owner string) {
	date, err := header.Date()
	if err != nil || date.IsZero() {
		date = raw.InternalDate
	}

	if owner != "" && msg.From != nil && strings.EqualFold(msg.From.Email, owner) {
		if !date.IsZero() {
			t := date.UTC()
			msg.SentAt = &t
		}
		return
	}

	received := raw.InternalDate
	if received.IsZero() {
		received = date
	}
	if !received.IsZero() {
		t := received.UTC()
		msg.ReceivedAt = &t
	}
}

// threadID prefers the provider thread id, then the last References entry,
// then In-Reply-To. A message starting a conversation uses its own id.
func threadID(raw *types.RawMessage, header mail.Header, messageID string) string {
	if raw.ProviderThreadID != "" {
		return raw.ProviderThreadID
	}
	if v := strings.TrimSpace(header.Get(ProviderThreadHeader)); v != "" {
		return v
	}
	if refs := msgIDList(header, "References"); len(refs) > 0 {
		return refs[len(refs)-1]
	}
	if irt := msgIDList(header, "In-Reply-To"); len(irt) > 0 {
		return irt[0]
	}
	return messageID
}

func msgIDList(header mail.Header, key string) []string {
	ids, err := header.MsgIDList(key)
	if err == nil {
		return ids
	}
	var out []string
	for _, m := range msgIDRegex.FindAllStringSubmatch(header.Get(key), -1) {
		out = append(out, m[1])
	}
	return out
}

// MapFlags converts protocol flags into booleans
func MapFlags(flags []string) types.MessageFlags {
	var f types.MessageFlags
	for _, flag := range flags {
		switch strings.ToLower(flag) {
		case `\seen`:
			f.Read = true
		case `\flagged`:
			f.Flagged = true
		case `\answered`:
			f.Answered = true
		case `\deleted`:
			f.Deleted = true
		case `\draft`:
			f.Draft = true
		}
	}
	return f
}

// ProtocolFlags converts flag names used by operators ("read", "flagged")
// into protocol flags
func ProtocolFlags(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimPrefix(name, `\`)) {
		case "read", "seen":
			out = append(out, `\Seen`)
		case "flagged":
			out = append(out, `\Flagged`)
		case "answered":
			out = append(out, `\Answered`)
		case "deleted":
			out = append(out, `\Deleted`)
		case "draft":
			out = append(out, `\Draft`)
		default:
			return nil, fmt.Errorf("unknown flag: %s", name)
		}
	}
	return out, nil
}

func headerMap(env *enmime.Envelope) map[string]string {
	headers := make(map[string]string, len(env.Root.Header))
	for key, values := range env.Root.Header {
		decoded := make([]string, len(values))
		for i, v := range values {
			decoded[i] = decodeHeader(v)
		}
		headers[key] = strings.Join(decoded, "\n")
	}
	return headers
}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// attachments collects regular attachments plus inline parts that carry a
// filename or content id
func attachments(env *enmime.Envelope) []types.AttachmentData {
	var out []types.AttachmentData
	add := func(p *enmime.Part) {
		out = append(out, types.AttachmentData{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			ContentID:   strings.Trim(p.ContentID, "<> "),
			Size:        int64(len(p.Content)),
			Content:     p.Content,
		})
	}
	for _, p := range env.Attachments {
		add(p)
	}
	for _, p := range env.Inlines {
		if p.FileName != "" || p.ContentID != "" {
			add(p)
		}
	}
	return out
}

package mapper

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-sync/internal/reliability"
	"github.com/brandon/mail-sync/pkg/types"
)

func rawMessage(uid uint32, body string) *types.RawMessage {
	return &types.RawMessage{
		UID:          uid,
		Folder:       "INBOX",
		InternalDate: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
		Body:         []byte(strings.ReplaceAll(body, "\n", "\r\n")),
	}
}

const replyMessage = `From: "Alice Example" <alice@example.com>
To: bob@example.org, "Carol" <carol@example.net>
Cc: Dave Smith dave@example.com
Subject: =?UTF-8?B?UmU6IHLDqXN1bcOp?=
Date: Fri, 01 Mar 2024 09:30:00 +0000
Message-ID: <reply-2@example.com>
In-Reply-To: <root-1@example.com>
References: <root-0@example.com> <root-1@example.com>
Content-Type: text/plain; charset=utf-8

Sounds good.
`

func TestMap_ReceivedMessage(t *testing.T) {
	// Arrange
	raw := rawMessage(42, replyMessage)
	raw.Flags = []string{`\Seen`, `\Answered`}

	// Act
	msg, err := Map(raw, "bob@example.org")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "reply-2@example.com", msg.MessageID)
	assert.Equal(t, "Re: résumé", msg.Subject)
	require.NotNil(t, msg.From)
	assert.Equal(t, types.Address{Name: "Alice Example", Email: "alice@example.com"}, *msg.From)
	assert.Equal(t, []types.Address{
		{Name: "bob", Email: "bob@example.org"},
		{Name: "Carol", Email: "carol@example.net"},
	}, msg.To)
	assert.Equal(t, []types.Address{{Name: "Dave Smith", Email: "dave@example.com"}}, msg.Cc)
	assert.Equal(t, "root-1@example.com", msg.ThreadID)
	assert.True(t, msg.Flags.Read)
	assert.True(t, msg.Flags.Answered)
	assert.False(t, msg.Flags.Flagged)
	assert.Nil(t, msg.SentAt)
	require.NotNil(t, msg.ReceivedAt)
	assert.Equal(t, raw.InternalDate, *msg.ReceivedAt)
	assert.Contains(t, msg.BodyText, "Sounds good.")
	assert.Equal(t, "reply-2@example.com", strings.Trim(msg.Headers["Message-Id"], "<>"))
	assert.Equal(t, int64(len(raw.Body)), msg.Size)
}

func TestMap_SentByOwner(t *testing.T) {
	msg, err := Map(rawMessage(7, replyMessage), "ALICE@example.com")

	require.NoError(t, err)
	assert.Nil(t, msg.ReceivedAt)
	require.NotNil(t, msg.SentAt)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), *msg.SentAt)
}

func TestMap_MissingMessageID(t *testing.T) {
	body := `From: alice@example.com
To: bob@example.org
Subject: no id

hello
`
	msg, err := Map(rawMessage(3, body), "bob@example.org")

	assert.Nil(t, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingMessageID)
	assert.Equal(t, reliability.KindMapping, reliability.KindOf(err))
}

func TestMap_ThreadIDFallbacks(t *testing.T) {
	t.Run("in-reply-to", func(t *testing.T) {
		body := "From: a@example.com\nMessage-ID: <m2@example.com>\nIn-Reply-To: <m1@example.com>\n\nx\n"
		msg, err := Map(rawMessage(1, body), "")
		require.NoError(t, err)
		assert.Equal(t, "m1@example.com", msg.ThreadID)
	})

	t.Run("provider thread id wins", func(t *testing.T) {
		raw := rawMessage(1, replyMessage)
		raw.ProviderThreadID = "1788912345678"
		msg, err := Map(raw, "")
		require.NoError(t, err)
		assert.Equal(t, "1788912345678", msg.ThreadID)
	})

	t.Run("root message uses own id", func(t *testing.T) {
		body := "From: a@example.com\nMessage-ID: <root@example.com>\n\nx\n"
		msg, err := Map(rawMessage(1, body), "")
		require.NoError(t, err)
		assert.Equal(t, "root@example.com", msg.ThreadID)
	})
}

func TestMap_HTMLAndAttachments(t *testing.T) {
	body := `From: Newsletter <news@example.com>
To: bob@example.org
Subject: Monthly
Message-ID: <news-9@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: text/html; charset=utf-8

<html><body><h1>Hello</h1><p>See <a href="https://example.com">site</a></p><img src="cid:logo@example.com"></body></html>
--outer
Content-Type: image/png
Content-Disposition: inline; filename="logo.png"
Content-ID: <logo@example.com>
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer--
`
	msg, err := Map(rawMessage(11, body), "bob@example.org")

	require.NoError(t, err)
	assert.Contains(t, msg.BodyHTML, "<h1>Hello</h1>")
	assert.Contains(t, msg.BodyMarkdown, "Hello")
	assert.Contains(t, msg.BodyMarkdown, "https://example.com")

	byName := map[string]types.AttachmentData{}
	for _, a := range msg.Attachments {
		byName[a.Filename] = a
	}
	require.Contains(t, byName, "report.pdf")
	assert.Equal(t, "application/pdf", byName["report.pdf"].ContentType)
	assert.Equal(t, []byte("%PDF-1.4\n"), byName["report.pdf"].Content)
	assert.Equal(t, int64(9), byName["report.pdf"].Size)
	require.Contains(t, byName, "logo.png")
	assert.Equal(t, "logo@example.com", byName["logo.png"].ContentID)
}

func TestMap_EmptyBody(t *testing.T) {
	_, err := Map(&types.RawMessage{UID: 1}, "")
	assert.Equal(t, reliability.KindMapping, reliability.KindOf(err))
}

func TestMapFlags(t *testing.T) {
	f := MapFlags([]string{`\Flagged`, `\DELETED`, `\Draft`, "$Label1"})
	assert.Equal(t, types.MessageFlags{Flagged: true, Deleted: true, Draft: true}, f)
}

func TestProtocolFlags(t *testing.T) {
	flags, err := ProtocolFlags([]string{"read", `\Flagged`})
	require.NoError(t, err)
	assert.Equal(t, []string{`\Seen`, `\Flagged`}, flags)

	_, err = ProtocolFlags([]string{"important"})
	assert.Error(t, err)
}

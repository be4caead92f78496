package msgparse

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBlob collects saved blobs in memory.
type memBlob struct {
	files map[string][]byte
	err   error
}

func newMemBlob() *memBlob {
	return &memBlob{files: make(map[string][]byte)}
}

func (m *memBlob) Save(name string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.files[name] = data
	return "http://blobs/" + name, nil
}

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), []byte("fakepixels")...)

func TestParseMultipartAlternative(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: =?utf-8?q?Hello_World?=\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=frontier\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html version</p>\r\n" +
		"--frontier--\r\n"

	p := New(newMemBlob(), zerolog.Nop())
	res, err := p.Parse([]byte(raw), "msg1")
	require.NoError(t, err)

	assert.Equal(t, "Hello World", res.Subject)
	assert.Equal(t, "alice@example.com", res.SenderEmail)
	assert.Equal(t, "Alice <alice@example.com>", res.Sender)
	assert.Equal(t, "bob@example.com", res.Recipients)
	assert.Contains(t, res.Body, "plain version")
	assert.Contains(t, res.BodyHTML, "html version")
	assert.Empty(t, res.Attachments)
}

func TestParseResolvesInlineImage(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"Subject: picture\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/related; boundary=frontier\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		`<p>pic: <img src="cid:img1"></p>` + "\r\n" +
		"--frontier\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Id: <img1>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString(pngData) + "\r\n" +
		"--frontier--\r\n"

	blobs := newMemBlob()
	p := New(blobs, zerolog.Nop())
	res, err := p.Parse([]byte(raw), "msg1")
	require.NoError(t, err)

	assert.NotContains(t, res.BodyHTML, "cid:img1")
	assert.Contains(t, res.BodyHTML, `src="http://blobs/msg1_img1.png"`)
	assert.Equal(t, pngData, blobs.files["msg1_img1.png"])
	assert.Empty(t, res.Attachments, "inline images are not attachments")
}

func TestParseInlineImageSaveFailureKeepsReference(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/related; boundary=frontier\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		`<img src="cid:img1">` + "\r\n" +
		"--frontier\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Id: <img1>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString(pngData) + "\r\n" +
		"--frontier--\r\n"

	blobs := newMemBlob()
	blobs.err = errors.New("disk full")
	p := New(blobs, zerolog.Nop())
	res, err := p.Parse([]byte(raw), "msg1")
	require.NoError(t, err)

	assert.Contains(t, res.BodyHTML, "cid:img1")
}

func TestParseCollectsAttachment(t *testing.T) {
	payload := []byte("%PDF-1.4 pretend")
	raw := "From: alice@example.com\r\n" +
		"Subject: doc\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=frontier\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--frontier\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString(payload) + "\r\n" +
		"--frontier--\r\n"

	p := New(newMemBlob(), zerolog.Nop())
	res, err := p.Parse([]byte(raw), "msg1")
	require.NoError(t, err)

	require.Len(t, res.Attachments, 1)
	att := res.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, int64(len(payload)), att.Size)
	assert.Equal(t, payload, att.Data)
	assert.NotEmpty(t, att.ID)
}

func TestParsePlainMessageWithoutMIME(t *testing.T) {
	raw := "From: bob@example.com\r\n" +
		"Subject: plain\r\n" +
		"\r\n" +
		"just a body\r\n"

	p := New(newMemBlob(), zerolog.Nop())
	res, err := p.Parse([]byte(raw), "msg1")
	require.NoError(t, err)

	assert.Contains(t, res.Body, "just a body")
	assert.Empty(t, res.BodyHTML)
}

func TestDecodeHeaderEncodedWord(t *testing.T) {
	assert.Equal(t, "你好", decodeHeader("=?utf-8?b?5L2g5aW9?="))
	assert.Equal(t, "plain", decodeHeader("plain"))
	assert.Equal(t, "", decodeHeader(""))
}

func TestDecodeTextCharsetFallback(t *testing.T) {
	// GBK bytes for 中文 under a bogus declared charset fall back to the
	// GB18030 decoder.
	gbk := []byte{0xd6, 0xd0, 0xce, 0xc4}
	assert.Equal(t, "中文", decodeText(gbk, "x-nonsense"))

	// Valid UTF-8 passes through.
	assert.Equal(t, "héllo", decodeText([]byte("héllo"), "utf-8"))
}

func TestEnrichSender(t *testing.T) {
	t.Run("reply-to wins", func(t *testing.T) {
		got := enrichSender("noreply@list.com", "alice@example.com", "hi", "")
		assert.Equal(t, "alice@example.com (via noreply@list.com)", got)
	})

	t.Run("forwarded mail mines original sender", func(t *testing.T) {
		body := "---------- Forwarded message ----------\nFrom: Carol Smith <carol@example.com>\nDate: yesterday\n"
		got := enrichSender("bob@example.com", "", "Fwd: budget", body)
		assert.Equal(t, "Carol Smith (via bob@example.com)", got)
	})

	t.Run("plain message untouched", func(t *testing.T) {
		got := enrichSender("bob@example.com", "", "hi", "body")
		assert.Equal(t, "bob@example.com", got)
	})
}

func TestDetectImageExtension(t *testing.T) {
	assert.Equal(t, "png", detectImageExtension(pngData))
	assert.Equal(t, "jpg", detectImageExtension([]byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.Equal(t, "gif", detectImageExtension([]byte("GIF89a...")))
	assert.Equal(t, "webp", detectImageExtension(append([]byte("RIFF\x00\x00\x00\x00WEBP"), 0)))
	assert.Equal(t, "png", detectImageExtension([]byte("mystery")))
}

func TestFuzzyResidualSubstitution(t *testing.T) {
	// The HTML references the cid with different casing than the part
	// declares; the residual pass still resolves it.
	raw := "From: alice@example.com\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/related; boundary=frontier\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		`<img src="cid:IMG1">` + "\r\n" +
		"--frontier\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Id: <img1>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString(pngData) + "\r\n" +
		"--frontier--\r\n"

	blobs := newMemBlob()
	p := New(blobs, zerolog.Nop())
	res, err := p.Parse([]byte(raw), "msg1")
	require.NoError(t, err)

	assert.NotContains(t, res.BodyHTML, "cid:IMG1")
	assert.Contains(t, res.BodyHTML, "http://blobs/msg1_img1.png")
}

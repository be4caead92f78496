// Package msgparse turns a raw multipart mail message into a structured
// record: decoded headers, plain and HTML bodies, attachments, and HTML
// with inline cid: references resolved to addressable URLs.
package msgparse

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	msgcharset "github.com/emersion/go-message/charset"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/deskmate/internal/blob"
	"github.com/nhle/deskmate/internal/model"
)

// fallbackCharset is tried when a part's declared charset fails to
// decode. Chosen because the mailbox providers this assistant targets
// commonly mislabel GBK/GB18030 content.
const fallbackCharset = "gb18030"

// Result is the structured output for one parsed message.
type Result struct {
	Subject     string
	Sender      string
	SenderEmail string
	Recipients  string
	Date        string
	Body        string
	BodyHTML    string
	Attachments []model.Attachment
}

// Parser decodes raw messages and materializes their inline images
// through the given blob store.
type Parser struct {
	blobs blob.Store
	log   zerolog.Logger
}

// New creates a Parser writing inline images to blobs.
func New(blobs blob.Store, log zerolog.Logger) *Parser {
	return &Parser{blobs: blobs, log: log}
}

// Parse decodes the raw RFC 822 message. messageID names materialized
// inline-image files; it is the locally generated message id. A
// malformed part degrades that part only; Parse fails outright only
// when the top-level structure is unreadable.
func (p *Parser) Parse(raw []byte, messageID string) (*Result, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message structure: %w", err)
	}
	// An unknown charset leaves the body undecoded; remember that so the
	// text fallback chain runs for it.
	rawText := message.IsUnknownCharset(err)

	fromRaw := entity.Header.Get("From")
	res := &Result{
		Subject:    decodeHeader(entity.Header.Get("Subject")),
		Recipients: decodeHeader(entity.Header.Get("To")),
		Date:       entity.Header.Get("Date"),
	}
	res.SenderEmail = extractAddress(fromRaw)

	content := walkEntity(entity, rawText)

	res.Body = strings.Join(content.plain, "")
	res.BodyHTML = p.materializeInline(content, messageID, strings.Join(content.html, ""))
	res.Attachments = content.attachments
	res.Sender = enrichSender(
		decodeHeader(fromRaw),
		decodeHeader(entity.Header.Get("Reply-To")),
		res.Subject,
		res.Body,
	)

	return res, nil
}

// inlineImage is an image part destined for URL substitution rather
// than attachment storage.
type inlineImage struct {
	key         string
	filename    string
	contentType string
	data        []byte
}

// content is the accumulation produced by walking the part tree. Walks
// return fresh values which the caller merges, so classification of a
// single part stays testable in isolation.
type content struct {
	plain       []string
	html        []string
	attachments []model.Attachment
	inline      []inlineImage
}

// merge appends other onto c, preserving depth-first order.
func (c content) merge(other content) content {
	return content{
		plain:       append(c.plain, other.plain...),
		html:        append(c.html, other.html...),
		attachments: append(c.attachments, other.attachments...),
		inline:      append(c.inline, other.inline...),
	}
}

// walkEntity traverses the part tree depth-first and classifies every
// leaf. rawText marks entities whose charset go-message could not
// convert, so their payload is still in the declared encoding.
func walkEntity(e *message.Entity, rawText bool) content {
	mr := e.MultipartReader()
	if mr == nil {
		return classifyLeaf(e, rawText)
	}

	var acc content
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		unknownCharset := message.IsUnknownCharset(err)
		if err != nil && !unknownCharset {
			// A broken part loses that subtree only.
			break
		}
		acc = acc.merge(walkEntity(part, unknownCharset))
	}
	return acc
}

// imageExtensions marks filenames treated as images regardless of the
// declared content type.
var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}

// classifyLeaf applies the classification policy to a single leaf part,
// first match wins:
//
//  1. image with a content-id            -> inline, keyed by cid
//  2. image with inline disposition      -> inline, keyed by filename
//  3. image, no attachment disposition   -> inline, keyed by filename
//  4. filename or attachment disposition -> attachment
//  5. text/plain or text/html            -> body accumulator
//  6. anything else                      -> ignored
func classifyLeaf(e *message.Entity, rawText bool) content {
	contentType, params, err := e.Header.ContentType()
	if err != nil {
		contentType = "text/plain"
		params = nil
	}
	disposition, dispParams, _ := e.Header.ContentDisposition()

	filename := dispParams["filename"]
	if filename == "" {
		filename = params["name"]
	}
	if filename != "" {
		filename = decodeHeader(filename)
	}

	// A mid-body decode error keeps whatever came through; classification
	// still applies to the partial payload.
	payload, _ := io.ReadAll(e.Body)

	isImage := strings.HasPrefix(contentType, "image/") || hasImageExtension(filename)

	if isImage {
		if cid := strings.Trim(e.Header.Get("Content-Id"), "<>"); cid != "" {
			return content{inline: []inlineImage{{
				key:         cid,
				filename:    filename,
				contentType: contentType,
				data:        payload,
			}}}
		}
		if disposition == "inline" && filename != "" {
			return content{inline: []inlineImage{{
				key:         filename,
				filename:    filename,
				contentType: contentType,
				data:        payload,
			}}}
		}
		if filename != "" && disposition != "attachment" {
			return content{inline: []inlineImage{{
				key:         filename,
				filename:    filename,
				contentType: contentType,
				data:        payload,
			}}}
		}
	}

	if filename != "" || disposition == "attachment" {
		if filename == "" {
			filename = "unknown_file"
		}
		return content{attachments: []model.Attachment{{
			ID:          uuid.New().String(),
			Filename:    filename,
			ContentType: contentType,
			Size:        int64(len(payload)),
			Data:        payload,
		}}}
	}

	switch contentType {
	case "text/plain", "text/html":
		text := string(payload)
		if rawText {
			text = decodeText(payload, params["charset"])
		}
		if contentType == "text/plain" {
			return content{plain: []string{text}}
		}
		return content{html: []string{text}}
	}

	return content{}
}

// hasImageExtension reports whether the filename carries a known image
// extension.
func hasImageExtension(filename string) bool {
	if filename == "" {
		return false
	}
	lower := strings.ToLower(filename)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// unsafeKeyChars are stripped from content-ids before they become part
// of a file name.
var unsafeKeyChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// residualCIDPattern finds cid: references left after direct
// substitution.
var residualCIDPattern = regexp.MustCompile(`cid:([^"'\s>]+)`)

// materializeInline writes every collected inline image to the blob
// store and rewrites cid: references in the HTML body to the returned
// URLs. Unresolvable references are left in place.
func (p *Parser) materializeInline(c content, messageID, html string) string {
	if len(c.inline) == 0 {
		return html
	}

	saved := make(map[string]string, len(c.inline))

	save := func(img inlineImage) (string, bool) {
		if url, ok := saved[img.key]; ok {
			return url, true
		}
		ext := detectImageExtension(img.data)
		name := messageID + "_" + unsafeKeyChars.ReplaceAllString(img.key, "_") + "." + ext
		url, err := p.blobs.Save(name, img.data)
		if err != nil {
			p.log.Warn().Err(err).Str("cid", img.key).Msg("failed to materialize inline image")
			return "", false
		}
		saved[img.key] = url
		return url, true
	}

	for _, img := range c.inline {
		if len(img.data) == 0 {
			continue
		}
		url, ok := save(img)
		if !ok {
			continue
		}
		html = strings.ReplaceAll(html, `src="cid:`+img.key+`"`, `src="`+url+`"`)
		html = strings.ReplaceAll(html, `src='cid:`+img.key+`'`, `src='`+url+`'`)
		html = strings.ReplaceAll(html, "cid:"+img.key, url)
	}

	// Fuzzy pass: mailers occasionally reference a cid that only loosely
	// matches the part's content-id.
	for _, match := range residualCIDPattern.FindAllStringSubmatch(html, -1) {
		residual := match[1]
		for _, img := range c.inline {
			if len(img.data) == 0 || !fuzzyKeyMatch(residual, img.key) {
				continue
			}
			url, ok := save(img)
			if !ok {
				continue
			}
			html = strings.ReplaceAll(html, "cid:"+residual, url)
			break
		}
	}

	return html
}

// fuzzyKeyMatch reports a case-insensitive substring match in either
// direction.
func fuzzyKeyMatch(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(la, lb) || strings.Contains(lb, la)
}

// detectImageExtension sniffs the true image format from magic bytes,
// defaulting to png when unrecognized.
func detectImageExtension(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return "jpg"
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return "gif"
	case len(data) > 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	default:
		return "png"
	}
}

// decodeText converts payload from its declared charset to UTF-8,
// falling back to the secondary charset and finally to a permissive
// raw conversion. It never fails.
func decodeText(payload []byte, declared string) string {
	if declared == "" {
		declared = "utf-8"
	}
	if s, ok := tryDecode(payload, declared); ok {
		return s
	}
	if s, ok := tryDecode(payload, fallbackCharset); ok {
		return s
	}
	return string(payload)
}

// tryDecode attempts a single charset conversion.
func tryDecode(payload []byte, name string) (string, bool) {
	r, err := msgcharset.Reader(name, bytes.NewReader(payload))
	if err != nil {
		return "", false
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// headerDecoder decodes RFC 2047 encoded words with the same charset
// fallback chain as body text.
var headerDecoder = mime.WordDecoder{
	CharsetReader: func(cs string, input io.Reader) (io.Reader, error) {
		r, err := msgcharset.Reader(cs, input)
		if err != nil {
			return msgcharset.Reader(fallbackCharset, input)
		}
		return r, nil
	},
}

// decodeHeader decodes an encoded-word header value, returning the raw
// value when decoding fails.
func decodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(decoded)
}

// addressPattern extracts a bare address out of a raw From header.
var addressPattern = regexp.MustCompile(`([a-zA-Z0-9._%+-]+@[a-zA-Z0-9._%+-]+)`)

// extractAddress returns the first mail address found in raw, or "".
func extractAddress(raw string) string {
	return addressPattern.FindString(raw)
}

// forwardedFromPatterns mine a forwarded body for the original sender
// line.
var forwardedFromPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)-----Original Message-----.*?From:\s*([^\n\r]+)`),
	regexp.MustCompile(`(?i)From:\s*([^\n\r]+)`),
	regexp.MustCompile(`(?i)发件人[:：]\s*([^\n\r]+)`),
}

// angleAddrPattern strips angle-bracketed addresses from a mined
// sender line.
var angleAddrPattern = regexp.MustCompile(`<.*?>`)

// enrichSender derives the display sender. A differing Reply-To wins,
// annotated with the transport sender; forwarded messages fall back to
// mining the body for the original sender line.
func enrichSender(from, replyTo, subject, body string) string {
	if replyTo != "" && replyTo != from {
		return replyTo + " (via " + from + ")"
	}

	lowered := strings.ToLower(subject)
	if strings.Contains(lowered, "fwd:") || strings.Contains(subject, "转发") {
		if orig := extractOriginalSender(body); orig != "" {
			return orig + " (via " + from + ")"
		}
	}

	return from
}

// extractOriginalSender pulls the first forwarded-sender line out of a
// plain body.
func extractOriginalSender(body string) string {
	if body == "" {
		return ""
	}
	for _, pattern := range forwardedFromPatterns {
		if m := pattern.FindStringSubmatch(body); m != nil {
			line := strings.TrimSpace(angleAddrPattern.ReplaceAllString(m[1], ""))
			if line != "" {
				return line
			}
		}
	}
	return ""
}

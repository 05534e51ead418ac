package web

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"github.com/mailloft/mailloft/internal/mailbuild"
	"github.com/mailloft/mailloft/internal/store"
)

// mailSummary is the list view of a message.
type mailSummary struct {
	UID    uint32            `json:"uid"`
	Flags  []string          `json:"flags"`
	Header map[string]string `json:"header"`
	Date   string            `json:"date"`
}

// mailDetail is the full view: the summary plus decoded bodies,
// attachment links and the raw content.
type mailDetail struct {
	mailSummary
	BodyPlain   string          `json:"body_plain,omitempty"`
	BodyHTML    string          `json:"body_html,omitempty"`
	Attachments []attachmentRef `json:"attachments"`
	Content     string          `json:"content"`
}

type attachmentRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// messageHash identifies message content in the attachment cache.
func messageHash(content []byte) string {
	sum := sha512.Sum512(content)
	return hex.EncodeToString(sum[:])
}

// convertSummary builds the list view of a stored message. The header
// map uses lowercase keys with RFC 2047 encoded-words decoded; flags
// use their external names; the date is the internal arrival date.
func convertSummary(msg *store.Message, raw []byte) mailSummary {
	hdr := mailbuild.ReadHeader(raw)
	header := make(map[string]string, len(hdr))
	for key, values := range hdr {
		if len(values) == 0 {
			continue
		}
		header[strings.ToLower(key)] = mailbuild.DecodeHeader(values[0])
	}

	return mailSummary{
		UID:    msg.UID,
		Flags:  msg.Flags().APINames(),
		Header: header,
		Date:   msg.InternalDate.Format(time.RFC3339),
	}
}

// convertFull builds the full view. The raw content may differ from
// the stored message, as it does for generated reply drafts; uid,
// flags and date always come from the stored message. The content is
// registered in the attachment cache under its hash so attachment
// links stay resolvable.
func (s *Server) convertFull(msg *store.Message, account, mailbox string, raw []byte) mailDetail {
	if raw == nil {
		raw = msg.Raw
	}

	hash := messageHash(raw)
	s.rememberMail(hash, account, mailbox, msg.UID)

	detail := mailDetail{
		mailSummary: convertSummary(msg, raw),
		Attachments: []attachmentRef{},
		Content:     string(raw),
	}

	mr, err := gomail.CreateReader(bytes.NewReader(mailbuild.NormalizeCRLF(raw)))
	if err != nil {
		detail.BodyPlain = mailbuild.TextBody(raw)
		return detail
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *gomail.AttachmentHeader:
			name, err := h.Filename()
			if err != nil || name == "" {
				continue
			}
			detail.Attachments = append(detail.Attachments, attachmentRef{
				Name: name,
				URL:  "/attachment/" + hash + "/" + name,
			})
		case *gomail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case contentType == "text/html" && detail.BodyHTML == "":
				detail.BodyHTML = string(body)
			case (contentType == "" || contentType == "text/plain") && detail.BodyPlain == "":
				detail.BodyPlain = string(body)
			}
		}
	}
	return detail
}

type attachmentPart struct {
	contentType string
	body        []byte
}

// findAttachment walks the MIME structure for an attachment part with
// the given filename and returns its decoded content.
func findAttachment(raw []byte, name string) (attachmentPart, bool) {
	mr, err := gomail.CreateReader(bytes.NewReader(mailbuild.NormalizeCRLF(raw)))
	if err != nil {
		return attachmentPart{}, false
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*gomail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, err := h.Filename()
		if err != nil || filename != name {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return attachmentPart{}, false
		}
		contentType, _, err := h.ContentType()
		if err != nil || contentType == "" {
			contentType = "application/octet-stream"
		}
		return attachmentPart{contentType: contentType, body: body}, true
	}
	return attachmentPart{}, false
}

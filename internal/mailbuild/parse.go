package mailbuild

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"net/mail"
	"strings"

	gomail "github.com/emersion/go-message/mail"
)

// ReadHeader parses the header block of a raw message. Parse failures
// yield an empty header, never an error; a broken upload must not take
// down a batch operation.
func ReadHeader(raw []byte) mail.Header {
	msg, err := mail.ReadMessage(bytes.NewReader(NormalizeCRLF(raw)))
	if err != nil {
		return mail.Header{}
	}
	return msg.Header
}

// NormalizeCRLF converts bare LF line endings to CRLF so that
// net/mail and go-message accept messages pasted or uploaded from
// unix-flavored sources.
func NormalizeCRLF(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("\n")) {
		return raw
	}
	if bytes.Contains(raw, []byte("\r\n")) {
		return raw
	}
	return bytes.ReplaceAll(raw, []byte("\n"), []byte("\r\n"))
}

// Recipients collects every address from the To, Cc and Bcc headers.
// Each header value is comma-split and trimmed; entries that do not
// parse to a usable mailbox address are skipped silently.
func Recipients(raw []byte) []string {
	header := ReadHeader(raw)

	var out []string
	for _, key := range []string{"To", "Cc", "Bcc"} {
		value := header.Get(key)
		if value == "" {
			continue
		}
		for _, chunk := range strings.Split(value, ",") {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			addr, err := mail.ParseAddress(chunk)
			if err != nil {
				continue
			}
			out = append(out, strings.ToLower(addr.Address))
		}
	}
	return out
}

// StripBcc returns a copy of the message without its Bcc header field.
// The input is never modified; delivered copies must not reveal blind
// recipients. Operates on the header block textually so the body bytes
// pass through untouched.
func StripBcc(raw []byte) []byte {
	headerEnd, sep := findHeaderEnd(raw)
	if headerEnd < 0 {
		return append([]byte(nil), raw...)
	}

	var out bytes.Buffer
	out.Grow(len(raw))

	scanner := bufio.NewScanner(bytes.NewReader(raw[:headerEnd]))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	skipping := false
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			// Folded continuation belongs to the previous field.
			if skipping {
				continue
			}
		} else {
			skipping = strings.HasPrefix(strings.ToLower(line), "bcc:")
			if skipping {
				continue
			}
		}
		out.WriteString(strings.TrimRight(line, "\r"))
		out.WriteString(sep)
	}

	out.Write(raw[headerEnd:])
	return out.Bytes()
}

// findHeaderEnd locates the start of the blank line that terminates the
// header block and reports the line separator in use.
func findHeaderEnd(raw []byte) (int, string) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return idx + 2, "\r\n"
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return idx + 1, "\n"
	}
	return -1, ""
}

// EnsureMessageID prepends a generated Message-Id header when the
// message has none. It returns the (possibly new) content and the
// message id now in effect.
func EnsureMessageID(raw []byte) ([]byte, string) {
	header := ReadHeader(raw)
	if id := header.Get("Message-Id"); id != "" {
		return raw, id
	}

	id := MessageID()
	out := make([]byte, 0, len(raw)+len(id)+16)
	out = append(out, []byte("Message-Id: "+id+"\r\n")...)
	out = append(out, raw...)
	return out, id
}

// TextBody extracts the first text/plain body part of a message,
// walking the MIME structure when multipart. Returns the empty string
// when no such part exists or it cannot be decoded.
func TextBody(raw []byte) string {
	mr, err := gomail.CreateReader(bytes.NewReader(NormalizeCRLF(raw)))
	if err != nil {
		return ""
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

		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return ""
		}
		return string(body)
	}
	return ""
}

// DecodeHeader decodes RFC 2047 encoded-words (e.g. =?UTF-8?B?...?=).
func DecodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}

	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

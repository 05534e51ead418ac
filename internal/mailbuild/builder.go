// Package mailbuild generates synthetic mail: unique message ids,
// throwaway addresses and quoted replies. It also carries the shared
// message parsing helpers used by delivery, routing and the web UI.
package mailbuild

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// SyntheticDomain is the domain suffix of every generated message id
// and throwaway address. Its presence in a References header marks a
// message as part of an auto-generated reply chain.
const SyntheticDomain = "mailloft"

// MessageID returns a globally unique message id of the form
// <uuid@mailloft>.
func MessageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), SyntheticDomain)
}

// Address returns a random throwaway mail address under the synthetic
// domain.
func Address() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return hex.EncodeToString(buf) + "@" + SyntheticDomain
}

// Reply builds a reply to the given message: the first plain-text body
// quoted line by line under a literal "Reply" lead-in, threading
// headers chained from the original's message id, Subject prefixed
// with "Re: " and a fresh throwaway sender. The To header is taken
// from Reply-To when useReplyTo is set and the header is present,
// otherwise from From. The original is not modified.
func Reply(raw []byte, useReplyTo bool) ([]byte, error) {
	orig := ReadHeader(raw)

	body := "Reply"
	if text := TextBody(raw); text != "" {
		body += "\n\n> " + strings.ReplaceAll(text, "\n", "\n> ")
	}

	var h gomail.Header
	h.Set("Message-Id", MessageID())

	if msgID := orig.Get("Message-Id"); msgID != "" {
		h.Set("In-Reply-To", msgID)
		refs := msgID
		if prior := strings.TrimSpace(orig.Get("References")); prior != "" {
			refs += " " + prior
		}
		h.Set("References", refs)
	}

	h.Set("Subject", "Re: "+orig.Get("Subject"))

	to := orig.Get("From")
	if replyTo := orig.Get("Reply-To"); useReplyTo && replyTo != "" {
		to = replyTo
	}
	h.Set("To", to)
	h.Set("From", Address())

	if cc := orig.Get("Cc"); cc != "" {
		h.Set("Cc", cc)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply writer: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RandomMail describes a randomized test mail for the web UI compose
// form.
type RandomMail struct {
	Header map[string]string `json:"header"`
	Body   string            `json:"body_plain"`
}

// Random produces a randomized mail addressed to the given account.
func Random(to string) RandomMail {
	token := make([]byte, 8)
	rand.Read(token)

	return RandomMail{
		Header: map[string]string{
			"subject":    fmt.Sprintf("Random Subject [%s]", hex.EncodeToString(token)),
			"message-id": MessageID(),
			"to":         to,
			"from":       Address(),
		},
		Body: "Body " + uuid.NewString(),
	}
}

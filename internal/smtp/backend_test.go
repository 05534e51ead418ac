package smtp

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	gomail "github.com/emersion/go-message/mail"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/mailloft/mailloft/internal/auth"
	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/directory"
	"github.com/mailloft/mailloft/internal/logging"
	"github.com/mailloft/mailloft/internal/mailbuild"
	"github.com/mailloft/mailloft/internal/respond"
	"github.com/mailloft/mailloft/internal/store"
)

const inboundMail = "From: alice@example.org\r\n" +
	"To: test@example.org\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"hi there\r\n"

const multipartInbound = "From: alice@example.org\r\n" +
	"To: test@example.org\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"see attachment\r\n" +
	"--b1\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"YXR0YWNoZWQgdGV4dA==\r\n" +
	"--b1--\r\n"

func testLogger() *logging.Logger {
	return &logging.Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

type fixture struct {
	dir       *directory.Directory
	responder *respond.Responder
	handler   *Handler
	backend   *Backend
}

func newFixture(t *testing.T, multiUser, flaggedSeen, ensureMessageID bool) *fixture {
	t.Helper()
	log := testLogger()
	dir := directory.New("test@example.org", multiUser, log.Logger)
	responder := respond.New(dir, flaggedSeen, log.Logger)
	handler := NewHandler(dir, responder, flaggedSeen, ensureMessageID, log)
	authenticator := auth.New("test@example.org", "insecure", multiUser)
	cfg := config.DefaultConfig()
	cfg.Server.Password = "insecure"
	return &fixture{
		dir:       dir,
		responder: responder,
		handler:   handler,
		backend:   NewBackend(authenticator, handler, cfg, log),
	}
}

func (f *fixture) inbox(t *testing.T) []*store.Message {
	t.Helper()
	return f.dir.Resolve("test@example.org").Mailbox("INBOX").Messages()
}

func TestSessionRequiresAuth(t *testing.T) {
	f := newFixture(t, false, false, true)
	s := &Session{backend: f.backend}

	if err := s.Mail("alice@example.org", nil); err != gosmtp.ErrAuthRequired {
		t.Errorf("Mail without auth = %v, want ErrAuthRequired", err)
	}
	if err := s.Rcpt("test@example.org", nil); err != gosmtp.ErrAuthRequired {
		t.Errorf("Rcpt without auth = %v, want ErrAuthRequired", err)
	}
	if err := s.Data(strings.NewReader(inboundMail)); err != gosmtp.ErrAuthRequired {
		t.Errorf("Data without auth = %v, want ErrAuthRequired", err)
	}
}

func TestSessionAuthOptional(t *testing.T) {
	f := newFixture(t, false, false, true)
	f.backend.authRequired = false
	s := &Session{backend: f.backend}

	if err := s.Mail("alice@example.org", nil); err != nil {
		t.Fatalf("Mail without auth: %v", err)
	}
	if err := s.Rcpt("test@example.org", nil); err != nil {
		t.Fatalf("Rcpt without auth: %v", err)
	}
	if err := s.Data(strings.NewReader(inboundMail)); err != nil {
		t.Fatalf("Data without auth: %v", err)
	}
	if got := len(f.inbox(t)); got != 1 {
		t.Errorf("stored %d messages, want 1", got)
	}
}

func TestSessionAuthMechanisms(t *testing.T) {
	f := newFixture(t, false, false, true)
	s := &Session{backend: f.backend}

	mechs := s.AuthMechanisms()
	if len(mechs) != 2 {
		t.Fatalf("got %d mechanisms, want 2", len(mechs))
	}

	for _, mech := range mechs {
		if _, err := s.Auth(mech); err != nil {
			t.Errorf("Auth(%q): %v", mech, err)
		}
	}
	if _, err := s.Auth("CRAM-MD5"); err != gosmtp.ErrAuthUnsupported {
		t.Errorf("Auth(CRAM-MD5) = %v, want ErrAuthUnsupported", err)
	}
}

func TestSessionVerify(t *testing.T) {
	f := newFixture(t, false, false, true)

	s := &Session{backend: f.backend}
	if err := s.verify("whoever@example.org", "insecure"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !s.authenticated {
		t.Error("session not marked authenticated")
	}

	s = &Session{backend: f.backend}
	if err := s.verify("test@example.org", "wrong"); err != gosmtp.ErrAuthFailed {
		t.Fatalf("verify = %v, want ErrAuthFailed", err)
	}
	if s.authenticated {
		t.Error("failed auth must not mark session authenticated")
	}
}

func TestSessionDeliversMessage(t *testing.T) {
	f := newFixture(t, false, false, true)
	s := &Session{backend: f.backend, authenticated: true}

	if err := s.Mail("alice@example.org", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("test@example.org", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	if err := s.Data(strings.NewReader(inboundMail)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	msgs := f.inbox(t)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].HasFlag(store.FlagSeen) {
		t.Error("message should arrive unseen by default")
	}
}

// walkParts splits a stored message into its inline body and the
// filenames of its attachment parts.
func walkParts(t *testing.T, raw []byte) (body string, attachments []string) {
	t.Helper()
	mr, err := gomail.CreateReader(bytes.NewReader(mailbuild.NormalizeCRLF(raw)))
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				t.Fatalf("read part: %v", err)
			}
			body = strings.TrimSpace(string(data))
		case *gomail.AttachmentHeader:
			name, _ := h.Filename()
			attachments = append(attachments, name)
		}
	}
	return body, attachments
}

func TestSessionDeliversMultipartMessage(t *testing.T) {
	f := newFixture(t, false, false, true)
	s := &Session{backend: f.backend, authenticated: true}

	if err := s.Mail("alice@example.org", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("test@example.org", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	if err := s.Data(strings.NewReader(multipartInbound)); err != nil {
		t.Fatalf("Data: %v", err)
	}

	msgs := f.inbox(t)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if flags := msgs[0].Flags().List(); len(flags) != 0 {
		t.Errorf("flags = %v, want none", flags)
	}

	body, attachments := walkParts(t, msgs[0].Raw)
	if body != "see attachment" {
		t.Errorf("body = %q", body)
	}
	if len(attachments) != 1 || attachments[0] != "notes.txt" {
		t.Errorf("attachments = %v, want [notes.txt]", attachments)
	}
}

func TestSessionRejectsOversizedMessage(t *testing.T) {
	f := newFixture(t, false, false, true)
	f.backend.maxBytes = 64
	s := &Session{backend: f.backend, authenticated: true}

	if err := s.Mail("alice@example.org", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := s.Rcpt("test@example.org", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}

	big := inboundMail + strings.Repeat("x", 200)
	err := s.Data(strings.NewReader(big))
	smtpErr, ok := err.(*gosmtp.SMTPError)
	if !ok {
		t.Fatalf("Data = %v, want *smtp.SMTPError", err)
	}
	if smtpErr.Code != 552 {
		t.Errorf("code = %d, want 552", smtpErr.Code)
	}
	if got := len(f.inbox(t)); got != 0 {
		t.Errorf("stored %d messages, want 0", got)
	}
}

func TestSessionDataWithoutRecipients(t *testing.T) {
	f := newFixture(t, false, false, true)
	s := &Session{backend: f.backend, authenticated: true}

	err := s.Data(strings.NewReader(inboundMail))
	smtpErr, ok := err.(*gosmtp.SMTPError)
	if !ok {
		t.Fatalf("Data = %v, want *smtp.SMTPError", err)
	}
	if smtpErr.Code != 503 {
		t.Errorf("code = %d, want 503", smtpErr.Code)
	}
}

func TestSessionReset(t *testing.T) {
	f := newFixture(t, false, false, true)
	s := &Session{backend: f.backend, authenticated: true}

	s.Mail("alice@example.org", nil)
	s.Rcpt("test@example.org", nil)
	s.Reset()

	if s.from != "" || len(s.rcpts) != 0 {
		t.Error("Reset did not clear the envelope")
	}
	if !s.authenticated {
		t.Error("Reset must not drop authentication")
	}
}

func TestHandlerEnsuresMessageID(t *testing.T) {
	f := newFixture(t, false, false, true)

	if n := f.handler.Deliver([]byte(inboundMail)); n != 1 {
		t.Fatalf("Deliver = %d, want 1", n)
	}

	msgs := f.inbox(t)
	id := mailbuild.ReadHeader(msgs[0].Raw).Get("Message-Id")
	if id == "" {
		t.Fatal("stored message lacks a Message-Id")
	}
	if !strings.Contains(id, "@"+mailbuild.SyntheticDomain) {
		t.Errorf("Message-Id = %q, want synthetic domain", id)
	}
}

func TestHandlerKeepsExistingMessageID(t *testing.T) {
	f := newFixture(t, false, false, true)

	withID := "Message-Id: <keep-me@example.org>\r\n" + inboundMail
	f.handler.Deliver([]byte(withID))

	msgs := f.inbox(t)
	if id := mailbuild.ReadHeader(msgs[0].Raw).Get("Message-Id"); id != "<keep-me@example.org>" {
		t.Errorf("Message-Id = %q, want <keep-me@example.org>", id)
	}
}

func TestHandlerMessageIDDisabled(t *testing.T) {
	f := newFixture(t, false, false, false)

	f.handler.Deliver([]byte(inboundMail))

	msgs := f.inbox(t)
	if id := mailbuild.ReadHeader(msgs[0].Raw).Get("Message-Id"); id != "" {
		t.Errorf("Message-Id = %q, want none", id)
	}
}

func TestHandlerFlaggedSeen(t *testing.T) {
	f := newFixture(t, false, true, true)

	f.handler.Deliver([]byte(inboundMail))

	msgs := f.inbox(t)
	if !msgs[0].HasFlag(store.FlagSeen) {
		t.Error("message should be stored seen when configured")
	}
}

func TestHandlerTriggersResponder(t *testing.T) {
	f := newFixture(t, false, false, true)
	f.responder.Load("reply_always")

	f.handler.Deliver([]byte(inboundMail))

	msgs := f.inbox(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want original plus reply", len(msgs))
	}
	reply := mailbuild.ReadHeader(msgs[1].Raw)
	if got := reply.Get("Subject"); got != "Re: hello" {
		t.Errorf("reply subject = %q", got)
	}
}

func TestHandlerMultiUserFanout(t *testing.T) {
	f := newFixture(t, true, false, true)

	multi := "From: alice@example.org\r\n" +
		"To: bob@example.org, carol@example.org\r\n" +
		"Subject: team\r\n" +
		"\r\n" +
		"meeting at noon\r\n"
	if n := f.handler.Deliver([]byte(multi)); n != 2 {
		t.Fatalf("Deliver = %d, want 2", n)
	}

	for _, account := range []string{"bob@example.org", "carol@example.org"} {
		msgs := f.dir.Resolve(account).Mailbox("INBOX").Messages()
		if len(msgs) != 1 {
			t.Errorf("%s got %d messages, want 1", account, len(msgs))
		}
	}
}

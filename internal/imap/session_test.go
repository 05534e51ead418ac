package imap

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/mailloft/mailloft/internal/auth"
	"github.com/mailloft/mailloft/internal/directory"
	"github.com/mailloft/mailloft/internal/logging"
	"github.com/mailloft/mailloft/internal/store"
)

const storedMail = "From: alice@example.org\r\n" +
	"To: test@example.org\r\n" +
	"Subject: =?utf-8?q?caf=C3=A9?=\r\n" +
	"Message-Id: <m1@example.org>\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"\r\n" +
	"body text\r\n"

func testLogger() *logging.Logger {
	return &logging.Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func newTestServer(t *testing.T) (*Server, *directory.Directory) {
	t.Helper()
	log := testLogger()
	dir := directory.New("test@example.org", false, log.Logger)
	authenticator := auth.New("test@example.org", "insecure", false)

	s := &Server{
		authenticator: authenticator,
		dir:           dir,
		log:           log,
		trackers:      make(map[trackerKey]*imapserver.MailboxTracker),
	}
	dir.OnChange(s.NotifyMailboxUpdate)
	return s, dir
}

func loggedInSession(t *testing.T) (*Session, *directory.Directory) {
	t.Helper()
	server, dir := newTestServer(t)
	s := NewSession(server, nil)
	if err := s.Login("test@example.org", "insecure"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s, dir
}

func TestLogin(t *testing.T) {
	server, _ := newTestServer(t)

	s := NewSession(server, nil)
	if err := s.Login("test@example.org", "wrong"); err != imapserver.ErrAuthFailed {
		t.Errorf("Login with bad password = %v, want ErrAuthFailed", err)
	}
	if err := s.Login("anything@example.org", "insecure"); err != nil {
		t.Errorf("Login: %v", err)
	}
	if s.currentAccount() == nil {
		t.Fatal("session has no account after login")
	}
	if got := s.currentAccount().Name; got != "test@example.org" {
		t.Errorf("bound account = %q, want test@example.org", got)
	}
}

func TestSelectInbox(t *testing.T) {
	s, dir := loggedInSession(t)
	dir.Append([]byte(storedMail), store.NewFlagSet(), "INBOX")

	data, err := s.Select("INBOX", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if data.NumMessages != 1 {
		t.Errorf("NumMessages = %d, want 1", data.NumMessages)
	}
	if data.UIDNext != 2 {
		t.Errorf("UIDNext = %d, want 2", data.UIDNext)
	}
}

func TestSelectCreatesMailbox(t *testing.T) {
	s, _ := loggedInSession(t)

	data, err := s.Select("NoSuchFolder", nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if data.NumMessages != 0 {
		t.Errorf("NumMessages = %d, want 0", data.NumMessages)
	}
	if !s.currentAccount().HasMailbox("NoSuchFolder") {
		t.Error("selected mailbox was not created")
	}
}

func TestCreateAndDelete(t *testing.T) {
	s, _ := loggedInSession(t)

	if err := s.Create("Archive/2024", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !s.currentAccount().HasMailbox("Archive/2024") {
		t.Fatal("mailbox not created")
	}

	if err := s.Delete("Archive/2024"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.currentAccount().HasMailbox("Archive/2024") {
		t.Fatal("mailbox not deleted")
	}
}

func TestDeleteInboxRefused(t *testing.T) {
	s, _ := loggedInSession(t)

	err := s.Delete("INBOX")
	if _, ok := err.(*imap.Error); !ok {
		t.Fatalf("Delete(INBOX) = %v, want *imap.Error", err)
	}
	if !s.currentAccount().HasMailbox("INBOX") {
		t.Fatal("INBOX was removed")
	}
}

func TestStatus(t *testing.T) {
	s, dir := loggedInSession(t)
	dir.Append([]byte(storedMail), store.NewFlagSet(), "INBOX")
	dir.Append([]byte(storedMail), store.NewFlagSet(store.FlagSeen), "INBOX")

	data, err := s.Status("INBOX", nil)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if *data.NumMessages != 2 {
		t.Errorf("NumMessages = %d, want 2", *data.NumMessages)
	}
	if *data.NumUnseen != 1 {
		t.Errorf("NumUnseen = %d, want 1", *data.NumUnseen)
	}
}

func TestCopy(t *testing.T) {
	s, dir := loggedInSession(t)
	dir.Append([]byte(storedMail), store.NewFlagSet(store.FlagSeen), "INBOX")
	s.currentAccount().Mailbox("Archive")

	if _, err := s.Select("INBOX", nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	data, err := s.Copy(imap.UIDSetNum(1), "Archive")
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if data.UIDValidity == 0 {
		t.Error("copy data lacks destination UIDVALIDITY")
	}

	archived := s.currentAccount().Mailbox("Archive").Messages()
	if len(archived) != 1 {
		t.Fatalf("Archive has %d messages, want 1", len(archived))
	}
	if !archived[0].HasFlag(store.FlagSeen) {
		t.Error("copied message lost its flags")
	}
}

func TestCopyCreatesMissingMailbox(t *testing.T) {
	s, dir := loggedInSession(t)
	dir.Append([]byte(storedMail), store.NewFlagSet(), "INBOX")
	s.Select("INBOX", nil)

	if _, err := s.Copy(imap.UIDSetNum(1), "Nowhere"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	copied := s.currentAccount().Mailbox("Nowhere").Messages()
	if len(copied) != 1 {
		t.Fatalf("Nowhere has %d messages, want 1", len(copied))
	}
}

func TestSearchByFlag(t *testing.T) {
	s, dir := loggedInSession(t)
	dir.Append([]byte(storedMail), store.NewFlagSet(), "INBOX")
	dir.Append([]byte(storedMail), store.NewFlagSet(store.FlagSeen), "INBOX")
	s.Select("INBOX", nil)

	data, err := s.Search(imapserver.NumKindUID, &imap.SearchCriteria{
		Flag: []imap.Flag{imap.FlagSeen},
	}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	uids, ok := data.All.(imap.UIDSet)
	if !ok {
		t.Fatalf("search result is %T, want UIDSet", data.All)
	}
	if !uids.Contains(2) || uids.Contains(1) {
		t.Errorf("search returned %v, want only UID 2", uids)
	}
}

func TestSearchByDate(t *testing.T) {
	s, dir := loggedInSession(t)
	dir.Append([]byte(storedMail), store.NewFlagSet(), "INBOX")
	s.Select("INBOX", nil)

	data, err := s.Search(imapserver.NumKindUID, &imap.SearchCriteria{
		Since: time.Now().Add(time.Hour),
	}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	uids := data.All.(imap.UIDSet)
	if uids.Contains(1) {
		t.Error("message stored now must not match SINCE one hour ahead")
	}
}

func TestMatchMailboxPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"INBOX", "*", true},
		{"INBOX", "INBOX", true},
		{"Archive/2024", "%", false},
		{"Archive", "%", true},
		{"Archive/2024", "Archive*", true},
		{"Sent", "Archive*", false},
	}
	for _, tt := range tests {
		if got := matchMailboxPattern(tt.name, tt.pattern); got != tt.want {
			t.Errorf("matchMailboxPattern(%q, %q) = %v, want %v", tt.name, tt.pattern, got, tt.want)
		}
	}
}

func TestEnvelopeFromRaw(t *testing.T) {
	env := envelopeFromRaw([]byte(storedMail))

	if env.Subject != "café" {
		t.Errorf("Subject = %q, want café", env.Subject)
	}
	if env.MessageID != "<m1@example.org>" {
		t.Errorf("MessageID = %q", env.MessageID)
	}
	if len(env.From) != 1 || env.From[0].Mailbox != "alice" || env.From[0].Host != "example.org" {
		t.Errorf("From = %+v", env.From)
	}
	if len(env.To) != 1 || env.To[0].Host != "example.org" {
		t.Errorf("To = %+v", env.To)
	}
	if env.Date.IsZero() {
		t.Error("Date not parsed")
	}
	// Reply-To falls back to From when absent.
	if len(env.ReplyTo) != 1 || env.ReplyTo[0].Mailbox != "alice" {
		t.Errorf("ReplyTo = %+v", env.ReplyTo)
	}
}

func TestEnvelopeAddressesWithDisplayName(t *testing.T) {
	addrs := envelopeAddresses(`"Alice A" <alice@example.org>, bob@example.org`)
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	if addrs[0].Name != "Alice A" || addrs[0].Mailbox != "alice" {
		t.Errorf("addrs[0] = %+v", addrs[0])
	}
	if addrs[1].Mailbox != "bob" || addrs[1].Host != "example.org" {
		t.Errorf("addrs[1] = %+v", addrs[1])
	}
}

func TestExtractBodySection(t *testing.T) {
	raw := []byte("Subject: x\r\n\r\nthe body\r\n")

	header := extractBodySection(raw, &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader})
	if string(header) != "Subject: x\r\n\r\n" {
		t.Errorf("header section = %q", header)
	}

	text := extractBodySection(raw, &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText})
	if string(text) != "the body\r\n" {
		t.Errorf("text section = %q", text)
	}

	full := extractBodySection(raw, &imap.FetchItemBodySection{})
	if string(full) != string(raw) {
		t.Errorf("full section = %q", full)
	}
}

func TestTrackerSeededWithCurrentCount(t *testing.T) {
	server, dir := newTestServer(t)
	dir.Append([]byte(storedMail), store.NewFlagSet(), "INBOX")

	tracker := server.tracker("test@example.org", "INBOX")
	if tracker == nil {
		t.Fatal("tracker is nil")
	}
	// A second request returns the same tracker.
	if server.tracker("test@example.org", "INBOX") != tracker {
		t.Error("tracker not cached per mailbox")
	}
}

func TestNotifyUnwatchedMailboxIsNoop(t *testing.T) {
	server, _ := newTestServer(t)
	// Must not create a tracker or panic.
	server.NotifyMailboxUpdate("test@example.org", "INBOX")

	server.trackersMu.RLock()
	defer server.trackersMu.RUnlock()
	if len(server.trackers) != 0 {
		t.Error("notification created a tracker")
	}
}

func TestUnselectedPollAndIdle(t *testing.T) {
	s, _ := loggedInSession(t)

	if err := s.Poll(nil, false); err != nil {
		t.Errorf("Poll without selection: %v", err)
	}

	stop := make(chan struct{})
	close(stop)
	if err := s.Idle(nil, stop); err != nil {
		t.Errorf("Idle without selection: %v", err)
	}
}

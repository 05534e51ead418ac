package imap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/mailloft/mailloft/internal/mailbuild"
	"github.com/mailloft/mailloft/internal/store"
)

// Session implements imapserver.Session for go-imap v2
type Session struct {
	server   *Server
	conn     *imapserver.Conn
	account  *store.Account
	selected *store.Mailbox
	tracker  *imapserver.SessionTracker
	mu       sync.RWMutex
}

// NewSession creates a new IMAP session
func NewSession(server *Server, conn *imapserver.Conn) *Session {
	return &Session{
		server: server,
		conn:   conn,
	}
}

// Close cleans up the session
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.Close()
		s.tracker = nil
	}
	return nil
}

// Login authenticates the session and binds it to an account
func (s *Session) Login(username, password string) error {
	account, err := s.server.authenticator.Verify("imap", username, password)
	if err != nil {
		s.server.log.Warn("login failed", "username", username)
		return imapserver.ErrAuthFailed
	}

	s.mu.Lock()
	s.account = s.server.dir.Resolve(account)
	s.mu.Unlock()

	s.server.log.Info("login", "account", account)
	return nil
}

func (s *Session) currentAccount() *store.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *Session) currentMailbox() *store.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Select opens a mailbox, creating it on first access.
func (s *Session) Select(name string, options *imap.SelectOptions) (*imap.SelectData, error) {
	account := s.currentAccount()
	if account == nil {
		return nil, fmt.Errorf("not authenticated")
	}

	mb := account.Mailbox(name)
	stats := mb.Stats()

	s.mu.Lock()
	s.selected = mb
	if s.tracker != nil {
		s.tracker.Close()
	}
	s.tracker = s.server.tracker(account.Name, mb.Name).NewSession()
	s.mu.Unlock()

	return &imap.SelectData{
		Flags:          []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft},
		PermanentFlags: []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft, imap.FlagWildcard},
		NumMessages:    uint32(stats.Messages),
		UIDValidity:    stats.UIDValidity,
		UIDNext:        imap.UID(stats.UIDNext),
	}, nil
}

// Unselect closes the current mailbox
func (s *Session) Unselect() error {
	s.mu.Lock()
	s.selected = nil
	if s.tracker != nil {
		s.tracker.Close()
		s.tracker = nil
	}
	s.mu.Unlock()
	return nil
}

// Create creates a new mailbox
func (s *Session) Create(name string, options *imap.CreateOptions) error {
	account := s.currentAccount()
	if account == nil {
		return fmt.Errorf("not authenticated")
	}

	account.Mailbox(name)
	return nil
}

// Delete removes a mailbox and its children
func (s *Session) Delete(name string) error {
	account := s.currentAccount()
	if account == nil {
		return fmt.Errorf("not authenticated")
	}

	if strings.EqualFold(name, "INBOX") {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Cannot delete INBOX",
		}
	}
	if !account.HasMailbox(name) {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeNonExistent,
			Text: "Mailbox not found",
		}
	}

	account.DeleteMailbox(name)
	return nil
}

// Rename is not supported; the inspection workflow never needs it.
func (s *Session) Rename(oldName, newName string, options *imap.RenameOptions) error {
	return &imap.Error{
		Type: imap.StatusResponseTypeNo,
		Text: "RENAME is not supported",
	}
}

// Subscribe is accepted and ignored; every mailbox is always visible.
func (s *Session) Subscribe(name string) error {
	return nil
}

// Unsubscribe is accepted and ignored.
func (s *Session) Unsubscribe(name string) error {
	return nil
}

// List lists mailboxes
func (s *Session) List(w *imapserver.ListWriter, ref string, patterns []string, options *imap.ListOptions) error {
	account := s.currentAccount()
	if account == nil {
		return fmt.Errorf("not authenticated")
	}

	for _, mb := range account.ListMailboxes() {
		match := len(patterns) == 0
		for _, pattern := range patterns {
			if matchMailboxPattern(mb.Name, pattern) {
				match = true
				break
			}
		}
		if !match {
			continue
		}

		w.WriteList(&imap.ListData{
			Mailbox: mb.Name,
			Delim:   '/',
		})
	}

	return nil
}

// Status returns mailbox status, creating the mailbox on first access.
func (s *Session) Status(name string, options *imap.StatusOptions) (*imap.StatusData, error) {
	account := s.currentAccount()
	if account == nil {
		return nil, fmt.Errorf("not authenticated")
	}

	stats := account.Mailbox(name).Stats()
	numMessages := uint32(stats.Messages)
	numUnseen := uint32(stats.Unseen)

	return &imap.StatusData{
		Mailbox:     name,
		NumMessages: &numMessages,
		NumUnseen:   &numUnseen,
		UIDNext:     imap.UID(stats.UIDNext),
		UIDValidity: stats.UIDValidity,
	}, nil
}

// Append adds a message to a mailbox
func (s *Session) Append(mailbox string, r imap.LiteralReader, options *imap.AppendOptions) (*imap.AppendData, error) {
	account := s.currentAccount()
	if account == nil {
		return nil, fmt.Errorf("not authenticated")
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	flags := store.NewFlagSet()
	if options != nil {
		for _, f := range options.Flags {
			flags.Add(store.CanonicalFlag(string(f)))
		}
	}

	mb := account.Mailbox(mailbox)
	uid := mb.Append(raw, flags)

	s.server.dir.NotifyChange(account.Name, mb.Name)

	return &imap.AppendData{
		UID:         imap.UID(uid),
		UIDValidity: mb.UIDValidity,
	}, nil
}

// Poll checks for updates (called between commands)
func (s *Session) Poll(w *imapserver.UpdateWriter, allowExpunge bool) error {
	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()

	if tracker != nil {
		return tracker.Poll(w, allowExpunge)
	}
	return nil
}

// Idle blocks until stop, streaming mailbox updates to the client
func (s *Session) Idle(w *imapserver.UpdateWriter, stop <-chan struct{}) error {
	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()

	if tracker == nil {
		<-stop
		return nil
	}

	return tracker.Idle(w, stop)
}

// Fetch retrieves messages
func (s *Session) Fetch(w *imapserver.FetchWriter, numSet imap.NumSet, options *imap.FetchOptions) error {
	selected := s.currentMailbox()
	if selected == nil {
		return fmt.Errorf("no mailbox selected")
	}

	messages := selected.Messages()
	for i, msg := range messages {
		seqNum := uint32(i + 1)
		if !numSetContains(numSet, seqNum, msg.UID) {
			continue
		}

		respWriter := w.CreateMessage(seqNum)
		respWriter.WriteUID(imap.UID(msg.UID))

		if options.Flags {
			respWriter.WriteFlags(imapFlags(msg.Flags()))
		}
		if options.InternalDate {
			respWriter.WriteInternalDate(msg.InternalDate)
		}
		if options.RFC822Size {
			respWriter.WriteRFC822Size(int64(len(msg.Raw)))
		}
		if options.Envelope {
			respWriter.WriteEnvelope(envelopeFromRaw(msg.Raw))
		}

		for _, bs := range options.BodySection {
			sectionData := extractBodySection(msg.Raw, bs)
			bsw := respWriter.WriteBodySection(bs, int64(len(sectionData)))
			bsw.Write(sectionData)
			bsw.Close()
		}

		respWriter.Close()
	}

	return nil
}

// Store updates message flags
func (s *Session) Store(w *imapserver.FetchWriter, numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) error {
	selected := s.currentMailbox()
	if selected == nil {
		return fmt.Errorf("no mailbox selected")
	}

	storeFlags := make([]store.Flag, 0, len(flags.Flags))
	for _, f := range flags.Flags {
		storeFlags = append(storeFlags, store.CanonicalFlag(string(f)))
	}

	messages := selected.Messages()
	for i, msg := range messages {
		seqNum := uint32(i + 1)
		if !numSetContains(numSet, seqNum, msg.UID) {
			continue
		}

		switch flags.Op {
		case imap.StoreFlagsAdd:
			selected.AddFlags(msg.UID, storeFlags)
		case imap.StoreFlagsDel:
			selected.RemoveFlags(msg.UID, storeFlags)
		case imap.StoreFlagsSet:
			selected.SetFlags(msg.UID, storeFlags)
		}

		if !flags.Silent {
			respWriter := w.CreateMessage(seqNum)
			respWriter.WriteFlags(imapFlags(msg.Flags()))
			respWriter.Close()
		}
	}

	return nil
}

// Expunge is a no-op: captured traffic is never destroyed, so UIDs
// stay stable for the lifetime of the process.
func (s *Session) Expunge(w *imapserver.ExpungeWriter, uids *imap.UIDSet) error {
	selected := s.currentMailbox()
	if selected == nil {
		return fmt.Errorf("no mailbox selected")
	}
	return nil
}

// Copy copies messages to another mailbox
func (s *Session) Copy(numSet imap.NumSet, dest string) (*imap.CopyData, error) {
	account := s.currentAccount()
	selected := s.currentMailbox()
	if selected == nil {
		return nil, fmt.Errorf("no mailbox selected")
	}

	destMb := account.Mailbox(dest)

	var srcUIDs, destUIDs []imap.UID
	for i, msg := range selected.Messages() {
		seqNum := uint32(i + 1)
		if !numSetContains(numSet, seqNum, msg.UID) {
			continue
		}

		newUID := destMb.Append(msg.Raw, msg.Flags())
		srcUIDs = append(srcUIDs, imap.UID(msg.UID))
		destUIDs = append(destUIDs, imap.UID(newUID))
	}

	s.server.dir.NotifyChange(account.Name, destMb.Name)

	return &imap.CopyData{
		UIDValidity: destMb.UIDValidity,
		SourceUIDs:  imap.UIDSetNum(srcUIDs...),
		DestUIDs:    imap.UIDSetNum(destUIDs...),
	}, nil
}

// Search searches for messages
func (s *Session) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (*imap.SearchData, error) {
	selected := s.currentMailbox()
	if selected == nil {
		return nil, fmt.Errorf("no mailbox selected")
	}

	var uids []imap.UID
	var seqNums []uint32
	for i, msg := range selected.Messages() {
		if !matchesCriteria(msg, criteria) {
			continue
		}
		uids = append(uids, imap.UID(msg.UID))
		seqNums = append(seqNums, uint32(i+1))
	}

	if kind == imapserver.NumKindUID {
		return &imap.SearchData{All: imap.UIDSetNum(uids...)}, nil
	}
	return &imap.SearchData{All: imap.SeqSetNum(seqNums...)}, nil
}

// Helper functions

func numSetContains(numSet imap.NumSet, seqNum uint32, uid uint32) bool {
	switch set := numSet.(type) {
	case imap.UIDSet:
		return set.Contains(imap.UID(uid))
	case imap.SeqSet:
		return set.Contains(seqNum)
	}
	return false
}

func imapFlags(flags store.FlagSet) []imap.Flag {
	list := flags.List()
	out := make([]imap.Flag, len(list))
	for i, f := range list {
		out[i] = imap.Flag(f)
	}
	return out
}

func matchesCriteria(msg *store.Message, criteria *imap.SearchCriteria) bool {
	if criteria == nil {
		return true
	}
	if !criteria.Since.IsZero() && msg.InternalDate.Before(criteria.Since) {
		return false
	}
	if !criteria.Before.IsZero() && !msg.InternalDate.Before(criteria.Before) {
		return false
	}
	for _, f := range criteria.Flag {
		if !msg.HasFlag(store.CanonicalFlag(string(f))) {
			return false
		}
	}
	for _, f := range criteria.NotFlag {
		if msg.HasFlag(store.CanonicalFlag(string(f))) {
			return false
		}
	}
	return true
}

func matchMailboxPattern(name, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if pattern == "%" {
		return !strings.Contains(name, "/")
	}
	return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
}

// envelopeFromRaw builds a FETCH envelope from the message headers.
func envelopeFromRaw(raw []byte) *imap.Envelope {
	header := mailbuild.ReadHeader(raw)

	env := &imap.Envelope{
		Subject:   mailbuild.DecodeHeader(header.Get("Subject")),
		MessageID: header.Get("Message-Id"),
	}
	if date, err := header.Date(); err == nil {
		env.Date = date
	}
	env.From = envelopeAddresses(header.Get("From"))
	env.To = envelopeAddresses(header.Get("To"))
	env.Cc = envelopeAddresses(header.Get("Cc"))
	env.ReplyTo = envelopeAddresses(header.Get("Reply-To"))
	if len(env.ReplyTo) == 0 {
		env.ReplyTo = env.From
	}
	env.Sender = env.From

	return env
}

func envelopeAddresses(value string) []imap.Address {
	if value == "" {
		return nil
	}

	var addrs []imap.Address
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		addr := imap.Address{}
		email := part
		if idx := strings.Index(part, "<"); idx >= 0 {
			addr.Name = strings.Trim(strings.TrimSpace(part[:idx]), `"`)
			if end := strings.Index(part, ">"); end > idx {
				email = part[idx+1 : end]
			}
		}
		if at := strings.LastIndex(email, "@"); at >= 0 {
			addr.Mailbox = email[:at]
			addr.Host = email[at+1:]
		} else {
			addr.Mailbox = email
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

func extractBodySection(data []byte, section *imap.FetchItemBodySection) []byte {
	if len(section.Part) == 0 {
		switch section.Specifier {
		case imap.PartSpecifierHeader:
			if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
				return data[:idx+4]
			}
			if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
				return data[:idx+2]
			}
		case imap.PartSpecifierText:
			if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
				return data[idx+4:]
			}
			if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
				return data[idx+2:]
			}
		}
		return data
	}
	return data
}

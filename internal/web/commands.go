package web

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/mail"
	"sort"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/gorilla/websocket"

	"github.com/mailloft/mailloft/internal/logging"
	"github.com/mailloft/mailloft/internal/mailbuild"
	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/store"
)

// wsRequest is the union of all fields a command can carry. The
// command name selects which ones are meaningful.
type wsRequest struct {
	Command     string         `json:"command"`
	Account     string         `json:"account"`
	Mailbox     string         `json:"mailbox"`
	Name        string         `json:"name"`
	Parent      string         `json:"parent"`
	UID         uint32         `json:"uid"`
	MailboxFrom string         `json:"mailbox_from"`
	MailboxTo   string         `json:"mailbox_to"`
	MailUID     uint32         `json:"mail_uid"`
	Method      string         `json:"method"`
	Flag        string         `json:"flag"`
	Mails       []uploadedMail `json:"mails"`
	Mail        *composedMail  `json:"mail"`
}

type uploadedMail struct {
	Data string `json:"data"`
}

type composedMail struct {
	Header      map[string]string    `json:"header"`
	Body        string               `json:"body"`
	Attachments []composedAttachment `json:"attachments"`
}

type composedAttachment struct {
	Name     string `json:"name"`
	Mimetype string `json:"mimetype"`
	Content  string `json:"content"`
}

type wsResponse struct {
	Command string `json:"command"`
	Data    any    `json:"data"`
}

// client handles one websocket connection. Commands run sequentially
// in the read loop, so responses never interleave.
type client struct {
	srv  *Server
	conn *websocket.Conn
	log  *logging.Logger
}

func (c *client) serve() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Command == "" {
			continue
		}
		if req.Command == "close" {
			c.conn.Close()
			return
		}
		c.dispatch(req)
	}
}

func (c *client) dispatch(req wsRequest) {
	switch req.Command {
	case "config":
		c.onConfig()
	case "list_accounts":
		c.onListAccounts()
	case "list_mailboxes":
		c.onListMailboxes(req.Account)
	case "add_mailbox":
		c.onAddMailbox(req.Account, req.Name, req.Parent)
	case "delete_mailbox":
		c.onDeleteMailbox(req.Account, req.Name)
	case "move_mail":
		c.onMoveMail(req.Account, req.MailboxFrom, req.MailboxTo, req.MailUID)
	case "list_mails":
		c.onListMails(req.Account, req.Mailbox)
	case "get_mail":
		c.onGetMail(req.Account, req.Mailbox, req.UID)
	case "random_mail":
		c.onRandomMail(req.Account, req.Mailbox)
	case "reply_mail":
		c.onReplyMail(req.Account, req.Mailbox, req.UID)
	case "flag_mail":
		c.onFlagMail(req.Account, req.Mailbox, req.UID, req.Method, req.Flag)
	case "upload_mails":
		c.onUploadMails(req.Account, req.Mailbox, req.Mails)
	case "send_mail":
		c.onSendMail(req.Account, req.Mailbox, req.Mail)
	default:
		c.log.Debug("unknown websocket command", "command", req.Command)
	}
}

func (c *client) send(command string, data any) {
	if err := c.conn.WriteJSON(wsResponse{Command: command, Data: data}); err != nil {
		c.log.Debug("websocket write failed", "error", err)
	}
}

func (c *client) onConfig() {
	c.send("config", map[string]any{
		"multi_user":   c.srv.multiUser,
		"flagged_seen": c.srv.flaggedSeen,
		"version":      c.srv.version,
	})
}

func (c *client) onListAccounts() {
	c.send("list_accounts", map[string]any{
		"accounts": c.srv.dir.Accounts(),
	})
}

func (c *client) onListMailboxes(account string) {
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}

	mailboxes := acc.ListMailboxes()
	names := make([]string, len(mailboxes))
	for i, mb := range mailboxes {
		names[i] = mb.Name
	}

	c.send("list_mailboxes", map[string]any{
		"account":   account,
		"mailboxes": names,
	})
}

func (c *client) onAddMailbox(account, name, parent string) {
	if name == "" {
		return
	}
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}

	full := name
	if parent != "" {
		full = parent + "/" + name
	}
	acc.Mailbox(full)

	c.onListMailboxes(account)
}

func (c *client) onDeleteMailbox(account, name string) {
	if name == "" || name == "INBOX" {
		return
	}
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}

	acc.DeleteMailbox(name)
	c.onListMailboxes(account)
}

func (c *client) onMoveMail(account, from, to string, uid uint32) {
	if from == "" || to == "" || from == to {
		return
	}
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}

	if _, ok := acc.Mailbox(from).Move(uid, acc.Mailbox(to)); ok {
		c.srv.dir.NotifyChange(acc.Name, from)
		c.srv.dir.NotifyChange(acc.Name, to)
	}
	c.onListMails(account, from)
}

func (c *client) onListMails(account, mailbox string) {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}

	messages := acc.Mailbox(mailbox).Messages()
	mails := make([]mailSummary, len(messages))
	for i, msg := range messages {
		mails[i] = convertSummary(msg, msg.Raw)
	}
	sort.Slice(mails, func(i, j int) bool { return mails[i].Date > mails[j].Date })

	c.send("list_mails", map[string]any{
		"account": account,
		"mailbox": mailbox,
		"mails":   mails,
	})
}

func (c *client) onGetMail(account, mailbox string, uid uint32) {
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}
	msg, ok := acc.Mailbox(mailbox).Message(uid)
	if !ok {
		return
	}

	c.send("get_mail", map[string]any{
		"account": account,
		"mailbox": mailbox,
		"uid":     uid,
		"mail":    c.srv.convertFull(msg, account, mailbox, nil),
	})
}

func (c *client) onRandomMail(account, mailbox string) {
	c.send("random_mail", map[string]any{
		"account": account,
		"mailbox": mailbox,
		"mail":    mailbuild.Random(account),
	})
}

func (c *client) onReplyMail(account, mailbox string, uid uint32) {
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}
	msg, ok := acc.Mailbox(mailbox).Message(uid)
	if !ok {
		return
	}

	reply, err := mailbuild.Reply(msg.Raw, false)
	if err != nil {
		c.log.Warn("failed to build reply draft",
			"account", account, "mailbox", mailbox, "uid", uid, "error", err)
		return
	}

	c.send("reply_mail", map[string]any{
		"account": account,
		"mailbox": mailbox,
		"uid":     uid,
		"mail":    c.srv.convertFull(msg, account, mailbox, reply),
	})
}

func (c *client) onFlagMail(account, mailbox string, uid uint32, method, flagName string) {
	flag := store.CanonicalFlag(flagName)
	if flag == "" {
		return
	}
	acc, ok := c.srv.account(account)
	if !ok {
		return
	}

	mb := acc.Mailbox(mailbox)
	var changed bool
	switch strings.ToLower(method) {
	case "set":
		changed = mb.AddFlags(uid, []store.Flag{flag})
	case "unset":
		changed = mb.RemoveFlags(uid, []store.Flag{flag})
	default:
		return
	}

	if changed {
		c.log.Info("changed mail flag",
			"account", account, "mailbox", mailbox, "uid", uid,
			"method", method, "flag", flag.APIName())
		c.onListMails(account, mailbox)
	}
}

func (c *client) onUploadMails(account, mailbox string, mails []uploadedMail) {
	folder := mailbox
	if folder == "" {
		folder = "INBOX"
	}

	counter := 0
	for _, upload := range mails {
		raw := mailbuild.NormalizeCRLF([]byte(upload.Data))
		if _, err := mail.ReadMessage(bytes.NewReader(raw)); err != nil {
			metrics.RecordSkip("malformed")
			continue
		}
		if c.srv.ensureMessageID {
			raw, _ = mailbuild.EnsureMessageID(raw)
		}

		c.srv.dir.Append(raw, c.srv.defaultFlags(), folder)
		metrics.MessagesUploaded.Inc()
		counter++
	}

	if counter > 0 {
		c.log.Info("uploaded mails", "count", counter, "mailbox", folder)
		c.onListMails(account, mailbox)
	}
}

func (c *client) onSendMail(account, mailbox string, composed *composedMail) {
	if composed == nil || composed.Header == nil {
		return
	}
	folder := mailbox
	if folder == "" {
		folder = "INBOX"
	}

	raw, err := buildMessage(composed, c.srv.ensureMessageID)
	if err != nil {
		c.log.Warn("failed to build composed mail", "error", err)
		return
	}

	c.srv.dir.Append(raw, c.srv.defaultFlags(), folder)
	metrics.MessagesUploaded.Inc()
	c.log.Info("sent composed mail", "mailbox", folder)
	c.onListMails(account, mailbox)
}

// buildMessage assembles a multipart message from the compose form:
// one inline text part plus one attachment part per upload. Attachment
// content arrives base64 encoded from the browser.
func buildMessage(composed *composedMail, ensureMessageID bool) ([]byte, error) {
	var h gomail.Header
	for key, value := range composed.Header {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			continue
		}
		h.Set(key, value)
	}
	if ensureMessageID && h.Get("Message-Id") == "" {
		h.Set("Message-Id", mailbuild.MessageID())
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	var th gomail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(th)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write([]byte(composed.Body)); err != nil {
		return nil, err
	}
	pw.Close()
	iw.Close()

	for _, att := range composed.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			metrics.RecordSkip("bad_attachment")
			continue
		}

		var ah gomail.AttachmentHeader
		ah.SetFilename(att.Name)
		mimetype := att.Mimetype
		if mimetype == "" {
			mimetype = "application/octet-stream"
		}
		ah.SetContentType(mimetype, nil)

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(content); err != nil {
			return nil, err
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

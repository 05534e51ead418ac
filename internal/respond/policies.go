package respond

import (
	"bytes"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mailloft/mailloft/internal/mailbuild"
	"github.com/mailloft/mailloft/internal/store"
)

// replyAlways answers every message with a quoted reply.
type replyAlways struct{}

func (replyAlways) Reply(raw []byte, defaults store.FlagSet, log *slog.Logger) []Reply {
	reply, err := mailbuild.Reply(raw, false)
	if err != nil {
		log.Warn("could not build reply", "error", err)
		return nil
	}
	return []Reply{{Raw: reply, Flags: defaults.Without(store.FlagSeen)}}
}

// replyOnce answers only messages that are not themselves part of a
// generated thread. A message whose References header already carries
// a synthetic address was produced by this service, so replying again
// would loop forever.
type replyOnce struct{}

func (replyOnce) Reply(raw []byte, defaults store.FlagSet, log *slog.Logger) []Reply {
	header := mailbuild.ReadHeader(raw)
	if strings.Contains(header.Get("References"), "@"+mailbuild.SyntheticDomain) {
		return nil
	}
	reply, err := mailbuild.Reply(raw, false)
	if err != nil {
		log.Warn("could not build reply", "error", err)
		return nil
	}
	return []Reply{{Raw: reply, Flags: defaults.Without(store.FlagSeen)}}
}

// scriptTimeout bounds a single script invocation so a wedged script
// cannot stall delivery indefinitely.
const scriptTimeout = 30 * time.Second

// scriptPolicy shells out to an executable. The delivered message is
// written to stdin; whatever the script prints to stdout is stored as
// the reply. Empty output means no reply.
type scriptPolicy struct {
	path string
}

func (p *scriptPolicy) Reply(raw []byte, defaults store.FlagSet, log *slog.Logger) []Reply {
	cmd := exec.Command(p.path)
	cmd.Stdin = bytes.NewReader(raw)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		log.Warn("responder script failed to start", "path", p.path, "error", err)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("responder script failed", "path", p.path,
				"error", err, "stderr", strings.TrimSpace(stderr.String()))
			return nil
		}
	case <-time.After(scriptTimeout):
		cmd.Process.Kill()
		<-done
		log.Warn("responder script timed out", "path", p.path)
		return nil
	}

	out := stdout.Bytes()
	if len(bytes.TrimSpace(out)) == 0 {
		return nil
	}
	return []Reply{{Raw: out, Flags: defaults.Without(store.FlagSeen)}}
}

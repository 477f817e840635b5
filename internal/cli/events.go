package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerops/internal/orchestrator"
)

// eventBuffer bounds the --events stream; a slow terminal drops events
// instead of holding up the operation.
const eventBuffer = 256

// eventPrinter streams orchestrator events to a writer while a command
// runs. A nil printer is disabled.
type eventPrinter struct {
	obs  *orchestrator.ChannelObserver
	done chan struct{}
}

func startEventPrinter(w io.Writer) *eventPrinter {
	p := &eventPrinter{
		obs:  orchestrator.NewChannelObserver(eventBuffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for ev := range p.obs.Events() {
			fmt.Fprintln(w, formatEvent(ev))
		}
	}()
	return p
}

// lockedWriter serializes writes to w under a mutex shared with the
// command's other output writer.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}

// serializeOutput routes the command's stdout and stderr through one
// mutex. The event printer writes from its own goroutine while the
// formatter and the logger write from the command's, and the two writers
// may be the same.
func serializeOutput(cmd *cobra.Command) {
	mu := &sync.Mutex{}
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	cmd.SetOut(&lockedWriter{mu: mu, w: out})
	cmd.SetErr(&lockedWriter{mu: mu, w: errOut})
}

func (p *eventPrinter) observers() []orchestrator.Observer {
	if p == nil {
		return nil
	}
	return []orchestrator.Observer{p.obs.Observe}
}

// stop drains the stream and returns the number of dropped events.
func (p *eventPrinter) stop() int64 {
	if p == nil {
		return 0
	}
	p.obs.Close()
	<-p.done
	return p.obs.Dropped()
}

// formatEvent renders ev on one line: the operation, the event type and
// the fields set for it.
func formatEvent(ev orchestrator.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", ev.OperationID, ev.Type)
	add := func(key, value string) {
		if value == "" {
			return
		}
		if strings.ContainsAny(value, " \t\"=") {
			value = strconv.Quote(value)
		}
		fmt.Fprintf(&b, " %s=%s", key, value)
	}

	add("kind", string(ev.Kind))
	add("status", string(ev.Status))
	if ev.Attempt > 0 {
		add("attempt", strconv.Itoa(ev.Attempt))
	}
	add("method", string(ev.Method))
	add("error", string(ev.ErrorKind))
	if ev.Fee > 0 {
		add("fee", strconv.FormatUint(ev.Fee, 10))
	}
	if ev.Delay > 0 {
		add("delay", ev.Delay.String())
	}
	if ev.GroupLabel != "" {
		add("group", fmt.Sprintf("%d:%s", ev.GroupIndex, ev.GroupLabel))
	}
	add("tx", truncateID(ev.TxID))
	add("resolution", string(ev.Resolution))
	add("detail", ev.Detail)
	return b.String()
}

// truncateID shortens transaction ids for text output.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}

package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

// CLIAdapter is the local stdin/stdout transport. Every line of input is
// one turn against the fixed local session.
type CLIAdapter struct {
	in       io.Reader
	out      io.Writer
	messages chan *models.Inbound
	logger   *observability.Logger

	mu      sync.Mutex
	outMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewCLIAdapter builds the adapter on os.Stdin/os.Stdout.
func NewCLIAdapter(logger *observability.Logger) *CLIAdapter {
	return NewCLIAdapterIO(os.Stdin, os.Stdout, logger)
}

// NewCLIAdapterIO allows explicit streams for testing.
func NewCLIAdapterIO(in io.Reader, out io.Writer, logger *observability.Logger) *CLIAdapter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CLIAdapter{
		in:       in,
		out:      out,
		messages: make(chan *models.Inbound, 16),
		logger:   logger.With("channel", "cli"),
	}
}

func (a *CLIAdapter) Name() models.ChannelType         { return models.ChannelCLI }
func (a *CLIAdapter) Messages() <-chan *models.Inbound { return a.messages }

// Start launches the read loop. Blank lines are skipped.
func (a *CLIAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		a.logger.Warn("cli adapter already started")
		return nil
	}
	a.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		defer close(a.messages)
		scanner := bufio.NewScanner(a.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			inbound := &models.Inbound{
				Channel:    models.ChannelCLI,
				SenderID:   "local",
				Text:       line,
				ReceivedAt: time.Now().UTC(),
			}
			select {
			case a.messages <- inbound:
			case <-runCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			a.logger.Error("stdin read failed", "error", err)
		}
	}()
	return nil
}

// Stop cancels the read loop. The loop itself exits on stdin EOF; cancel
// only unblocks a pending delivery.
func (a *CLIAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	a.cancel()
	return nil
}

// Send writes the response to the output stream.
func (a *CLIAdapter) Send(ctx context.Context, sessionKey, text string) error {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if _, err := fmt.Fprintln(a.out, text); err != nil {
		return fmt.Errorf("cli: write response: %w", err)
	}
	return nil
}

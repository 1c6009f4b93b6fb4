package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sultanranait/Claraly/internal/config"
	"github.com/sultanranait/Claraly/internal/domain/docquery"
	"github.com/sultanranait/Claraly/internal/platform/capture"
	"github.com/sultanranait/Claraly/internal/platform/medapi"
	"github.com/sultanranait/Claraly/internal/platform/retry"
	"github.com/sultanranait/Claraly/internal/platform/websocket"
)

// completionGrace bounds the wait for the completion event after a query
// reports completed.
const completionGrace = 30 * time.Second

func docqueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docquery",
		Short: "Start a document query and follow its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			facilityID, _ := cmd.Flags().GetString("facility")
			return runDocQuery(cmd.Context(), cmd.OutOrStdout(), patientID, facilityID)
		},
	}
	cmd.Flags().String("patient", "", "Patient ID")
	cmd.Flags().String("facility", "", "Facility ID")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("facility")
	return cmd
}

func runDocQuery(ctx context.Context, out io.Writer, patientID, facilityID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateMedAPI(); err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	reporter := capture.NewLogReporter(logger)
	client := medapi.New(cfg.MetriportAPIKey,
		medapi.WithBaseURL(cfg.MedAPIBaseURL()),
		medapi.WithLogger(logger),
	)

	renderer := newProgressRenderer(out)
	opts := []docquery.Option{
		docquery.WithRetrier(retry.New(
			retry.WithPolicy(cfg.RetryPolicy()),
			retry.WithReporter(reporter),
			retry.WithLogger(logger),
		)),
		docquery.WithPublisher(renderer),
		docquery.WithReporter(reporter),
		docquery.WithLogger(logger),
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, docquery.WithPollInterval(cfg.PollInterval))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return followDocQuery(ctx, docquery.NewService(client, docquery.NewMemoryStore(), opts...), renderer, patientID, facilityID)
}

// followDocQuery starts the query and blocks until it finishes or ctx ends.
func followDocQuery(ctx context.Context, svc *docquery.Service, r *progressRenderer, patientID, facilityID string) error {
	defer func() { _ = svc.Shutdown(context.Background()) }()

	p, err := svc.Start(ctx, patientID, facilityID)
	if err != nil {
		return fmt.Errorf("start document query: %w", err)
	}
	if !p.Querying() {
		r.finish(p)
		return nil
	}

	select {
	case <-r.Done():
		return nil
	case <-r.Terminal():
		// The completion event follows once the document listing returns.
		select {
		case <-r.Done():
		case <-time.After(completionGrace):
		case <-ctx.Done():
		}
		return nil
	case <-ctx.Done():
		r.notice("interrupted")
		_, _ = svc.Cancel(context.Background(), patientID)
		return nil
	}
}

// progressRenderer prints document query events as
// "<status> completed+errored / total" lines.
type progressRenderer struct {
	out io.Writer

	mu           sync.Mutex
	last         string
	terminal     chan struct{}
	terminalOnce sync.Once
	done         chan struct{}
	doneOnce     sync.Once
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{out: out, terminal: make(chan struct{}), done: make(chan struct{})}
}

var _ websocket.EventPublisher = (*progressRenderer)(nil)

func (r *progressRenderer) Publish(_ context.Context, ev websocket.Event) error {
	switch ev.Type {
	case docquery.EventProgress:
		var p docquery.Progress
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decode progress: %w", err)
		}
		r.render(p)
		if p.Status.Terminal() {
			r.terminalOnce.Do(func() { close(r.terminal) })
		}
	case docquery.EventCompleted:
		var c docquery.CompletedPayload
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return fmt.Errorf("decode completion: %w", err)
		}
		r.render(c.Progress)
		r.notice(fmt.Sprintf("%d document(s) available", c.DocumentCount))
		r.finish(c.Progress)
	case docquery.EventFailed:
		var p docquery.Progress
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decode failure: %w", err)
		}
		r.finish(p)
	}
	return nil
}

// Terminal is closed once a finished status has been rendered.
func (r *progressRenderer) Terminal() <-chan struct{} {
	return r.terminal
}

// Done is closed after the completion or failure event.
func (r *progressRenderer) Done() <-chan struct{} {
	return r.done
}

func (r *progressRenderer) render(p docquery.Progress) {
	line := progressLine(p)
	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.last {
		return
	}
	r.last = line
	fmt.Fprintln(r.out, line)
}

func (r *progressRenderer) notice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, msg)
}

func (r *progressRenderer) finish(p docquery.Progress) {
	r.render(p)
	r.terminalOnce.Do(func() { close(r.terminal) })
	r.doneOnce.Do(func() { close(r.done) })
}

func progressLine(p docquery.Progress) string {
	return fmt.Sprintf("%-10s %d+%d / %d (%d%%)", p.Status, p.Completed, p.Errored, p.Total, p.Percent())
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/dispatcher"
	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/worker"
)

func newWorkCmd() *cobra.Command {
	var (
		concurrency int
		keepPolling bool
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Drain the queue, printing each claimed URL as a JSON line",
		Long: `Runs worker.concurrency workers. Each claims an entry, writes it to stdout
as a JSON line for a downstream crawler, and marks it done. When every worker
has stopped the queue is shut down. Workers stop when the queue is idle unless
--keep-polling is set, in which case they run until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.GetConfig()
			if !cmd.Flags().Changed("concurrency") {
				concurrency = cfg.Worker.Concurrency
			}
			if concurrency <= 0 {
				return fmt.Errorf("concurrency must be > 0")
			}
			exitWhenIdle := cfg.Worker.ExitWhenIdle
			if cmd.Flags().Changed("keep-polling") {
				exitWhenIdle = !keepPolling
			}
			wcfg := worker.Config{ExitWhenIdle: exitWhenIdle, IdleWait: cfg.PollInterval()}
			runWorkers(cmd.Context(), a.GetQueue(), concurrency, wcfg, cmd.OutOrStdout(), a.GetLogger())
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (default worker.concurrency)")
	cmd.Flags().BoolVar(&keepPolling, "keep-polling", false, "keep polling when the queue is idle")
	return cmd
}

func runWorkers(ctx context.Context, mgr *queue.Manager, n int, wcfg worker.Config, out io.Writer, logger *zap.Logger) {
	handler := &lineHandler{out: out}
	workers := make([]*worker.Worker, n)
	for i := range workers {
		workers[i] = worker.New(mgr, handler, wcfg, logger)
	}
	dispatcher.New(mgr, workers, mgr.Shutdown, logger).Run(ctx)
}

// lineHandler hands entries to a downstream process as JSON lines.
type lineHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func (h *lineHandler) Handle(_ context.Context, entry queue.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return writeEntry(h.out, entry)
}

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the queue tables if they do not exist",
		Long: `Creates the rate_limit, crawl_time and queue tables. Every other command
creates them on demand, so this is only needed to provision ahead of time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.GetQueue().EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <url>...",
		Short: "Enqueue one or more URLs",
		Long: `Adds each URL to the queue. URLs already present are left untouched and
reported with "created": false.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, raw := range args {
				entry, err := a.GetQueue().Add(cmd.Context(), raw)
				if err != nil {
					return err
				}
				if err := enc.Encode(addOutput(entry)); err != nil {
					return fmt.Errorf("write entry: %w", err)
				}
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Claim the next eligible URL",
		Long: `Claims one entry whose domain is outside its rate limit window, polling
until queue.max_poll_attempts is exhausted. Prints nothing and exits 0 when no
work is available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entry, err := a.GetQueue().Get(cmd.Context())
			if errors.Is(err, queue.ErrNoWorkAvailable) {
				fmt.Fprintln(cmd.ErrOrStderr(), "no work available")
				return nil
			}
			if err != nil {
				return err
			}
			return writeEntry(cmd.OutOrStdout(), entry)
		},
	}
}

func newEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <id|url>",
		Short: "Mark a claimed entry done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ref := queue.Entry{ID: args[0]}
			if strings.Contains(args[0], "://") {
				ref = queue.Entry{URL: args[0]}
			}
			entry, err := a.GetQueue().End(cmd.Context(), ref)
			if err != nil {
				return err
			}
			return writeEntry(cmd.OutOrStdout(), entry)
		},
	}
}

func newRateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rate <domain> <seconds>",
		Short: "Set the minimum interval between dispatches for a domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			seconds, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("parse seconds %q: %w", args[1], err)
			}
			if err := a.GetQueue().SetRateLimit(cmd.Context(), args[0], seconds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %ds\n", args[0], seconds)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print entry counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.GetQueue().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(stats); err != nil {
				return fmt.Errorf("write stats: %w", err)
			}
			return nil
		},
	}
}

// entryOutput is the JSON line written for an entry; status is rendered by name.
type entryOutput struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Domain  string `json:"domain"`
	Status  string `json:"status"`
	Created *bool  `json:"created,omitempty"`
}

func toOutput(e queue.Entry) entryOutput {
	return entryOutput{ID: e.ID, URL: e.URL, Domain: e.Domain, Status: e.Status.String()}
}

func addOutput(e queue.Entry) entryOutput {
	out := toOutput(e)
	created := e.Created
	out.Created = &created
	return out
}

func writeEntry(w io.Writer, e queue.Entry) error {
	if err := json.NewEncoder(w).Encode(toOutput(e)); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

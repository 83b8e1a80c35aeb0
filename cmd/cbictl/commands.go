package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mhmd-249/cbi/internal/authmw"
	"github.com/mhmd-249/cbi/internal/conversation"
	"github.com/mhmd-249/cbi/internal/linking"
	"github.com/mhmd-249/cbi/internal/queue"
)

var (
	// Styles
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	tokenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))
)

// pendingWarn colours the pending count once the backlog is this large.
const pendingWarn = 100

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func newQueueCmd(opts *options) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the ingestion queue",
	}
	var asJSON bool
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue length, pending entries and per-consumer backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd, opts.timeout)
			defer cancel()

			var st queue.Stats
			if err := newClient(opts).getJSON(ctx, "/api/v1/queue/stats", &st); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			return renderQueueStats(cmd.OutOrStdout(), st)
		},
	}
	statsCmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	queueCmd.AddCommand(statsCmd)
	return queueCmd
}

func renderQueueStats(w io.Writer, st queue.Stats) error {
	pending := countStyle.Render(strconv.FormatInt(st.Pending, 10))
	if st.Pending >= pendingWarn {
		pending = warnStyle.Render(strconv.FormatInt(st.Pending, 10))
	}
	fmt.Fprintln(w, headerStyle.Render("Ingestion queue"))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("length:   "), countStyle.Render(strconv.FormatInt(st.Length, 10)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("pending:  "), pending)
	if st.LastID != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("last id:  "), st.LastID)
	}
	if len(st.Consumers) == 0 {
		return nil
	}

	names := make([]string, 0, len(st.Consumers))
	for name := range st.Consumers {
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONSUMER\tPENDING")
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%d\n", name, st.Consumers[name])
	}
	return tw.Flush()
}

func newConversationsCmd(opts *options) *cobra.Command {
	convCmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect intake conversations",
	}
	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "Count conversations that have not expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd, opts.timeout)
			defer cancel()

			var resp struct {
				Active int `json:"active"`
			}
			if err := newClient(opts).getJSON(ctx, "/api/v1/conversations/active", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render("active conversations:"), countStyle.Render(strconv.Itoa(resp.Active)))
			return nil
		},
	}
	convCmd.AddCommand(activeCmd)
	return convCmd
}

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Work with signed officer tokens",
	}

	var (
		secret  string
		officer string
		ttl     time.Duration
	)
	mintCmd := &cobra.Command{
		Use:   "mint",
		Short: "Issue a token for a health officer's dashboard session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if officer == "" {
				return errors.New("--officer is required")
			}
			signer, err := authmw.NewSigner(secret)
			if err != nil {
				return err
			}
			tok, err := signer.Issue(officer, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tokenStyle.Render(tok))
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", labelStyle.Render("expires:"), time.Now().Add(ttl).UTC().Format(time.RFC3339))
			return nil
		},
	}
	mintCmd.Flags().StringVar(&secret, "secret", envOr("CBI_OFFICER_TOKEN_SECRET", ""), "officer token secret (same as the server's)")
	mintCmd.Flags().StringVar(&officer, "officer", "", "officer id carried in the token")
	mintCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")

	verifyCmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := authmw.NewSigner(secret)
			if err != nil {
				return err
			}
			claims, err := signer.Verify(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), claims)
		},
	}
	verifyCmd.Flags().StringVar(&secret, "secret", envOr("CBI_OFFICER_TOKEN_SECRET", ""), "officer token secret (same as the server's)")

	tokenCmd.AddCommand(mintCmd, verifyCmd)
	return tokenCmd
}

func newThresholdsCmd() *cobra.Command {
	thCmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Inspect alert threshold tables",
	}
	checkCmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a threshold YAML file and print the effective table",
		Long: `Validate a threshold YAML file and print the table the server would use.
Without a file the built-in defaults are printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := linking.DefaultTable()
			if len(args) == 1 {
				var err error
				if t, err = linking.LoadTable(args[0]); err != nil {
					return err
				}
			}
			return renderTable(cmd.OutOrStdout(), t)
		},
	}
	thCmd.AddCommand(checkCmd)
	return thCmd
}

func renderTable(w io.Writer, t *linking.Table) error {
	fmt.Fprintln(w, headerStyle.Render("Alert thresholds"))
	fmt.Fprintf(w, "%s %d days\n", labelStyle.Render("default window:"), t.DefaultWindowDays)
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("high cases:    "), t.HighCases)
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("large outbreak:"), t.LargeOutbreakCases)
	fmt.Fprintln(w)

	diseases := make([]conversation.Disease, 0, len(t.Diseases))
	for d := range t.Diseases {
		diseases = append(diseases, d)
	}
	slices.Sort(diseases)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISEASE\tCLUSTER\tOUTBREAK\tWINDOW\tCRITICAL\tDEATH=CRITICAL")
	for _, d := range diseases {
		th := t.Diseases[d]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%dd\t%v\t%v\n",
			d, th.Cluster, th.Outbreak, th.WindowDays, t.IsCritical(d), th.CriticalOnDeath)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"msgbak-go/internal/services"

	"github.com/spf13/cobra"
)

func newImportCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import PATH...",
		Short: "Import XML backups or zip archives of them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			out := cmd.OutOrStdout()
			for _, path := range args {
				results, err := a.imports.ImportPath(cmd.Context(), path, progressPrinter)
				for _, res := range results {
					fmt.Fprintf(out, "%s: %d SMS, %d MMS, %d skipped, %d media failures, %d conversations created (%s)\n",
						res.Path, res.SMS, res.MMS, res.Skipped, res.MediaFailures,
						res.Backfill.ConversationsCreated, res.Duration.Round(time.Millisecond))
					for _, w := range res.Warnings {
						fmt.Fprintf(out, "  warning: %s\n", w)
					}
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newExportCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export PATH",
		Short: "Export every stored message as one XML backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := current().exports.ExportFile(cmd.Context(), args[0], progressPrinter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d SMS, %d MMS, %d bytes, %d missing media (%s)\n",
				res.Path, res.SMS, res.MMS, res.Bytes, res.MissingMedia, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newConversationsCmd(current func() *app) *cobra.Command {
	var filter string
	var refresh bool

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recently active first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			var rows []services.ConversationSummary
			var err error
			if refresh {
				rows, err = a.conversations.RefreshConversations(cmd.Context(), filter)
			} else {
				rows, err = a.conversations.ListConversations(cmd.Context(), filter)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tMESSAGES\tLAST ACTIVITY")
			for _, c := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", c.ID, c.Label(), c.MessageCount, formatDate(c.LastDateMs))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "only conversations whose name or key contains this text")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "backfill conversations before listing")
	return cmd
}

func newMessagesCmd(current func() *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "messages CONVERSATION_ID",
		Short: "Show the newest messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rows, err := current().conversations.ListMessages(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			printMessages(cmd, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", services.DefaultMessageLimit, "maximum number of messages")
	return cmd
}

func newSearchCmd(current func() *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search message text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := current().conversations.SearchMessages(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			printMessages(cmd, rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", services.DefaultMessageLimit, "maximum number of messages")
	return cmd
}

func newBackfillCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Assign conversations to messages that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := current().conversations.RunBackfill(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d conversations created, %d messages assigned, %d recipients created, %d conversations deleted\n",
				res.ConversationsCreated, res.MessagesAssigned, res.RecipientsCreated, res.ConversationsDeleted)
			return nil
		},
	}
}

func newMergeCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge TARGET_ID SOURCE_ID...",
		Short: "Merge conversations into a target conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			res, err := current().merges.MergeConversations(cmd.Context(), ids[0], ids[1:])
			if err != nil {
				return err
			}
			printMerge(cmd, res)
			return nil
		},
	}
}

func newSuggestCmd(current func() *app) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Find conversations that are one contact written in local and country-code form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			suggestions, err := a.merges.FindMergeSuggestions(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(suggestions) == 0 {
				fmt.Fprintln(out, "No merge suggestions")
				return nil
			}
			for _, sg := range suggestions {
				fmt.Fprintf(out, "%s -> conversation %d\n", sg.Canonical, sg.TargetID)
				for _, c := range sg.Candidates {
					fmt.Fprintf(out, "  %d\t%s\t%s\t%d messages\n", c.ConversationID, c.Address, c.Style, c.MessageCount)
				}
				if apply {
					res, err := a.merges.MergeConversations(cmd.Context(), sg.TargetID, sg.SourceIDs)
					if err != nil {
						return err
					}
					printMerge(cmd, res)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "merge every suggestion")
	return cmd
}

func newRepairCmd(current func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Rewrite stored phone numbers and rebuild conversations",
	}

	repairs := []struct {
		use   string
		short string
		run   func(a *app, cmd *cobra.Command) (*services.RepairResult, error)
	}{
		{
			use:   "legacy",
			short: "Fix numbers stored as +10... by an earlier normalizer",
			run: func(a *app, cmd *cobra.Command) (*services.RepairResult, error) {
				return a.maintenance.RepairLegacyNumbers(cmd.Context())
			},
		},
		{
			use:   "spaces",
			short: "Remove spaces from stored numbers",
			run: func(a *app, cmd *cobra.Command) (*services.RepairResult, error) {
				return a.maintenance.RemoveSpacesFromNumbers(cmd.Context())
			},
		},
		{
			use:   "add-country-code",
			short: "Rewrite +0... numbers into country-code form",
			run: func(a *app, cmd *cobra.Command) (*services.RepairResult, error) {
				return a.maintenance.AddCountryCodeRemoveLeadingZero(cmd.Context())
			},
		},
	}

	for _, r := range repairs {
		r := r
		cmd.AddCommand(&cobra.Command{
			Use:   r.use,
			Short: r.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := r.run(current(), cmd)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"sms %d, mms %d, mms addresses %d, recipients updated %d, recipients merged %d, conversations rebuilt %d\n",
					res.SmsUpdated, res.MmsUpdated, res.MmsAddrsUpdated,
					res.RecipientsUpdated, res.RecipientsMerged, res.ConversationsRebuilt)
				return nil
			},
		})
	}
	return cmd
}

func printMessages(cmd *cobra.Command, rows []services.MessageRow) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, m := range rows {
		addr := ""
		if m.AddressRaw != nil {
			addr = *m.AddressRaw
		}
		text := strings.ReplaceAll(m.Text(), "\n", " ")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			formatDate(&m.DateMs), strings.ToUpper(m.Transport), services.BoxLabel(m.Box), addr, text)
	}
	tw.Flush()
}

func printMerge(cmd *cobra.Command, res *services.MergeResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "merged %v into %d: %d messages moved, %d conversations deleted\n",
		res.SourceIDs, res.TargetID, res.MessagesMoved, res.ConversationsDeleted)
}

func formatDate(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Local().Format("2006-01-02 15:04")
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid conversation id %q", services.ErrInvalidInput, s)
	}
	return uint(id), nil
}

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

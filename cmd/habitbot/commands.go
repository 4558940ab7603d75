package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"habitbot/internal/app"
	"habitbot/internal/habit"
	"habitbot/internal/schedule"
)

type opener func() (*app.App, error)

// withApp builds the app, runs fn and closes it. Background services are not started.
func withApp(open opener, fn func(ctx context.Context, a *app.App) error) error {
	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, s := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid habit id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func reconcileCmd(open opener) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile [habit-id...]",
		Short: "Write the schedule entry for habits (or all active habits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass habit ids or --all")
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(open, func(ctx context.Context, a *app.App) error {
				rec := a.Reconciler()
				out := cmd.OutOrStdout()
				if all {
					rep, err := rec.ResyncAll(ctx)
					fmt.Fprintf(out, "reconciled=%d removed=%d failed=%d\n", rep.Reconciled, rep.Removed, len(rep.Failed))
					return err
				}
				for _, id := range ids {
					if err := rec.ReconcileID(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(out, "habit %d reconciled\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every active habit and drop orphaned entries")
	return cmd
}

func removeCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <habit-id...>",
		Short: "Delete every schedule entry of the given habits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(open, func(ctx context.Context, a *app.App) error {
				for _, id := range ids {
					n, err := a.Reconciler().Remove(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "habit %d: %d entries removed\n", id, n)
				}
				return nil
			})
		},
	}
}

func dispatchCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <habit-id>",
		Short: "Send one reminder now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(open, func(ctx context.Context, a *app.App) error {
				if err := a.Dispatcher().Dispatch(ctx, ids[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reminder for habit %d sent\n", ids[0])
				return nil
			})
		},
	}
}

func entriesCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List periodic-task entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(ctx context.Context, a *app.App) error {
				entries, err := a.Store().Entries(ctx)
				if err != nil {
					return err
				}
				writeEntries(cmd.OutOrStdout(), entries, time.Now())
				return nil
			})
		},
	}
}

func writeEntries(w io.Writer, entries []schedule.Entry, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tARGS\tACTIVE\tEXPIRES\tLAST RUN\tRUNS")
	for _, e := range entries {
		spec := "-"
		if s, ok := e.Spec(); ok {
			spec = s.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%t\t%s\t%s\t%d\n",
			e.ID, e.Name, spec, e.Args, e.Active(now), fmtTime(e.Expires), fmtTime(e.LastRunAt), e.TotalRunCount)
	}
	_ = tw.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func habitCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "habit",
		Short: "Manage habits in the configured store",
	}

	var (
		id          int64
		ownerID     int64
		chatID      string
		email       string
		action      string
		place       string
		periodicity string
		inactive    bool
		public      bool
		reconcile   bool
	)
	add := &cobra.Command{
		Use:   "put",
		Short: "Create or update a habit",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := habit.ParsePeriodicity(periodicity)
			if err != nil {
				return err
			}
			if strings.TrimSpace(action) == "" {
				return fmt.Errorf("--action is required")
			}
			h := habit.Habit{
				ID:          id,
				Action:      action,
				Place:       place,
				Periodicity: p,
				IsActive:    !inactive,
				IsPublic:    public,
			}
			if ownerID > 0 {
				h.Owner = &habit.Owner{ID: ownerID, Email: email, TelegramChatID: chatID}
			}
			return withApp(open, func(ctx context.Context, a *app.App) error {
				newID, err := a.Store().PutHabit(ctx, h)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "habit %d saved\n", newID)
				if reconcile {
					return a.Reconciler().ReconcileID(ctx, newID)
				}
				return nil
			})
		},
	}
	add.Flags().Int64Var(&id, "id", 0, "habit id (0 allocates a new one)")
	add.Flags().Int64Var(&ownerID, "owner-id", 0, "owner user id")
	add.Flags().StringVar(&chatID, "chat-id", "", "owner telegram chat id")
	add.Flags().StringVar(&email, "email", "", "owner email")
	add.Flags().StringVar(&action, "action", "", "what to do")
	add.Flags().StringVar(&place, "place", "", "where to do it")
	add.Flags().StringVar(&periodicity, "periodicity", string(habit.DefaultPeriodicity), "periodicity label")
	add.Flags().BoolVar(&inactive, "inactive", false, "store the habit as inactive")
	add.Flags().BoolVar(&public, "public", false, "mark the habit public")
	add.Flags().BoolVar(&reconcile, "reconcile", true, "write the schedule entry after saving")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active habits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(open, func(ctx context.Context, a *app.App) error {
				hs, err := a.Store().ActiveHabits(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPERIODICITY\tRECIPIENT\tREMINDER")
				for _, h := range hs {
					rcpt, ok := h.Recipient()
					if !ok {
						rcpt = "-"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", h.ID, h.Periodicity, rcpt, h.Reminder())
				}
				return tw.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <habit-id...>",
		Short: "Delete habits and their schedule entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(open, func(ctx context.Context, a *app.App) error {
				for _, id := range ids {
					if _, err := a.Reconciler().Remove(ctx, id); err != nil {
						return err
					}
					if err := a.Store().DeleteHabit(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "habit %d deleted\n", id)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, del)
	return cmd
}

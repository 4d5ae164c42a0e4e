package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/sessions/internal/audit"
	"github.com/whisper/sessions/internal/protocol"
	"github.com/whisper/sessions/internal/session"
)

var errNotFound = errors.New("session not found")

// sessionView is the printed form of a session.
type sessionView struct {
	ID             string         `json:"id"`
	Principal      string         `json:"principal,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	MaxInactive    string         `json:"max_inactive"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Attributes     map[string]any `json:"attributes"`
}

func viewOf(s *session.Session) sessionView {
	v := sessionView{
		ID:             s.ID(),
		Principal:      s.Principal(),
		CreatedAt:      s.CreationTime(),
		LastAccessedAt: s.LastAccessedTime(),
		MaxInactive:    s.MaxInactiveInterval().String(),
		Attributes:     make(map[string]any),
	}
	if at, ok := s.ExpiresAt(); ok {
		v.ExpiresAt = &at
	}
	for _, name := range s.AttributeNames() {
		v.Attributes[name], _ = s.Attribute(name)
	}
	return v
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Print a session and its attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := e.repo.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if s == nil {
				return fmt.Errorf("%w: %s", errNotFound, args[0])
			}
			return printJSON(cmd, viewOf(s))
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Remove one or more sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			var errs []error
			for _, id := range args {
				if err := e.repo.DeleteSession(cmd.Context(), id); err != nil {
					errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed session '%s'\n", id)
			}
			return errors.Join(errs...)
		},
	}
}

func newPrincipalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "principal <name>",
		Short: "List the live sessions of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			found, err := e.repo.FindByPrincipal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}
			views := make([]sessionView, 0, len(found))
			for _, s := range found {
				views = append(views, viewOf(s))
			}
			sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
			return printJSON(cmd, views)
		},
	}
}

func newDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "Show expiration buckets whose time has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ix := e.repo.Index()
			buckets, err := ix.DueBuckets(cmd.Context(), e.repo.Now())
			if err != nil {
				return err
			}
			if len(buckets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No due buckets.")
				return nil
			}
			for _, b := range buckets {
				ids, err := ix.Members(cmd.Context(), b)
				if err != nil {
					return err
				}
				sort.Strings(ids)
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d)\n", time.UnixMilli(b).UTC().Format(time.RFC3339), len(ids))
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiration sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			var opts []session.SweeperOption
			if e.cfg.Sweep.LeaseTTL > 0 {
				opts = append(opts, session.WithSweepLease(e.store.NewLease(e.cfg.Session.Namespace+"sweeper:lease", e.cfg.Sweep.LeaseTTL)))
			}
			res, err := session.NewSweeper(e.repo, opts...).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "Another instance is sweeping; nothing done.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d expired=%d retracked=%d failed=%d\n",
				res.Candidates, res.Expired, res.Retracked, res.Failed)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var q audit.Query
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded lifecycle events of a session or principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			as, err := e.auditStore()
			if err != nil {
				return err
			}
			entries, err := as.History(cmd.Context(), q)
			if err != nil {
				return err
			}
			for _, en := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s %s  principal=%q server=%s\n",
					en.OccurredAt.UTC().Format(time.RFC3339), en.Type, en.SessionID, en.Principal, en.Server)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.SessionID, "session", "", "Session id")
	cmd.Flags().StringVar(&q.Principal, "principal", "", "Principal name")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "Maximum number of events")
	cmd.MarkFlagsMutuallyExclusive("session", "principal")
	cmd.MarkFlagsOneRequired("session", "principal")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count lifecycle events recorded within a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			as, err := e.auditStore()
			if err != nil {
				return err
			}
			for _, t := range protocol.EventTypes {
				n, err := as.CountRecent(cmd.Context(), t, window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d\n", t, n)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", time.Hour, "How far back to count")
	return cmd
}

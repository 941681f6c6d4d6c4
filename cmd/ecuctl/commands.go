package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/calibworks/ecud/internal/opsclient"
)

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Aliases: []string{"queue-health"},
		Short:   "Daemon health and safety queue backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opsclient.New(opts.SocketPath)
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), health)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "status:        %s\n", health.Status)
			fmt.Fprintf(w, "operator mode: %s\n", health.OperatorMode)
			fmt.Fprintf(w, "undelivered:   %d\n", health.Queue.Undelivered)
			fmt.Fprintf(w, "exhausted:     %d\n", health.Queue.Exhausted)
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connection, telemetry, safety and flash state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opsclient.New(opts.SocketPath)
			state, err := client.State(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), state)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "connection: %s", state.Connection.Status)
			if state.Connection.InterfaceID != "" {
				fmt.Fprintf(w, " (%s)", state.Connection.InterfaceID)
			}
			if state.Connection.LastError != "" {
				fmt.Fprintf(w, " error=%s", state.Connection.LastError)
			}
			fmt.Fprintln(w)
			if t := state.Telemetry; t != nil {
				fmt.Fprintf(w, "telemetry:  rpm=%.0f boost=%.2f afr=%.2f knock=%.2f coolant=%.1f iat=%.1f\n",
					t.RPM, t.Boost, t.AFR, t.Knock, t.Coolant, t.IAT)
			}
			fmt.Fprintf(w, "safety:     armed=%t level=%s", state.Safety.Armed, state.Safety.Level)
			if state.Safety.LastEvent != "" {
				fmt.Fprintf(w, " last_event=%s", state.Safety.LastEvent)
			}
			fmt.Fprintln(w)
			if job := state.ActiveFlash; job != nil {
				fmt.Fprintf(w, "flash:      job=%s state=%s progress=%d%%\n", job.JobID, job.State, job.Progress)
			}
			if len(state.Diagnostics.Codes) > 0 {
				fmt.Fprintln(w, "diagnostics:")
				for _, code := range state.Diagnostics.Codes {
					fmt.Fprintf(w, "  %s [%s] %s\n", code.Code, code.Severity, code.Message)
				}
			}
			return nil
		},
	}
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	var undelivered bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Recent safety events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opsclient.New(opts.SocketPath)
			events, err := client.Events(cmd.Context(), opsclient.EventsOptions{
				Limit:           limit,
				UndeliveredOnly: undelivered,
			})
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tTYPE\tDELIVERED\tATTEMPTS\tEVENT_ID")
			for _, ev := range events.Events {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n",
					ev.CreatedAt.Local().Format(time.RFC3339), ev.Type, ev.Delivered, ev.DeliveryAttempts, ev.EventID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	cmd.Flags().BoolVar(&undelivered, "undelivered", false, "only list undelivered events")
	return cmd
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Tuning apply sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opsclient.New(opts.SocketPath)
			sessions, err := client.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION_ID\tMODE\tSTATUS\tARMED\tEXPIRES\tREASON")
			for _, s := range sessions.Sessions {
				expires := "-"
				if s.ExpiresAt != nil {
					expires = s.ExpiresAt.Local().Format(time.RFC3339)
				}
				reason := s.RevertReason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", s.SessionID, s.Mode, s.Status, s.Armed, expires, reason)
			}
			return tw.Flush()
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
	"github.com/rpggio/qcflow/internal/repository"
	"github.com/rpggio/qcflow/internal/sqlite"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active sessions and live QC steps from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := sqlite.Open(cmd.Context(), cfg.DB.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			tolerance := cfg.Engine.OverdueTolerance()
			return printStatus(cmd, sqlite.NewStore(db), tolerance, time.Now())
		},
	}
}

func printStatus(cmd *cobra.Command, reader repository.StatusReader, tolerance time.Duration, now time.Time) error {
	sessions, err := reader.ListActiveSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	steps, err := reader.ListActiveSteps(cmd.Context())
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	out := cmd.OutOrStdout()
	color := shouldColorize(out)
	writeSessions(out, sessions, now, color)
	fmt.Fprintln(out)
	writeSteps(out, steps, tolerance, now, color)
	return nil
}

func writeSessions(out io.Writer, sessions []session.Session, now time.Time, color bool) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No active sessions")
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.UserID,
			s.SessionType,
			s.ID,
			humanize.RelTime(s.StartTime, now, "ago", "from now"),
		})
	}
	fmt.Fprintf(out, "Active sessions (%d)\n", len(sessions))
	fmt.Fprintln(out, renderTable(
		[]string{"User", "Type", "Session", "Started"},
		rows, nil, color,
	))
}

func writeSteps(out io.Writer, steps []qcstep.Step, tolerance time.Duration, now time.Time, color bool) {
	if len(steps) == 0 {
		fmt.Fprintln(out, "No live QC steps")
		return
	}
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		state := string(s.Status)
		if s.Status == qcstep.StatusActive && now.After(s.OverdueAt(tolerance)) {
			state = "late"
		}
		rows = append(rows, []string{
			s.Key,
			s.UserID,
			string(s.Priority),
			state,
			strconv.Itoa(int(s.Elapsed(now) / time.Minute)),
			strconv.Itoa(s.EstimatedMinutes),
		})
	}
	fmt.Fprintf(out, "Live QC steps (%d)\n", len(steps))
	fmt.Fprintln(out, renderTable(
		[]string{"Key", "User", "Priority", "State", "Elapsed (min)", "Estimate (min)"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
		color,
	))
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/spf13/cobra"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream workflow events relayed through Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled() {
				return errors.New("watch requires redis.addr to be configured")
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()

			out := cmd.OutOrStdout()
			return events.Subscribe(signalCtx, client, cfg.Redis.EventsChannel, func(evt events.Event) {
				if jsonOutput {
					data, err := json.Marshal(evt)
					if err == nil {
						fmt.Fprintln(out, string(data))
					}
					return
				}
				fmt.Fprintln(out, formatEvent(evt))
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print each event as a JSON line")
	return cmd
}

func formatEvent(evt events.Event) string {
	line := fmt.Sprintf("%s  %-24s", evt.At.Local().Format("15:04:05"), evt.Type)
	if evt.UserID != "" {
		line += " user=" + evt.UserID
	}
	if evt.SessionID != "" {
		line += " session=" + evt.SessionID
	}
	if evt.Key != "" {
		line += " key=" + evt.Key
	}
	if evt.DurationMinutes > 0 {
		line += fmt.Sprintf(" duration=%dm", evt.DurationMinutes)
	}
	if evt.Reason != "" {
		line += fmt.Sprintf(" reason=%q", evt.Reason)
	}
	return line
}

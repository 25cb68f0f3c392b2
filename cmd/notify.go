/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/schoolgate/apiserver/config"
	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/internal/mq"
	"github.com/schoolgate/apiserver/internal/services"
	"github.com/spf13/cobra"
)

// notifyCmd consumes application events and logs them for reviewers.
var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Consume application events from the message queue",
	Long: `Subscribes to the application event channel and logs every
submitted, approved and rejected application. Usage:

	MQ_BACKEND=rabbitmq schoolgate notify
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		queue, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if queue == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer queue.Close()

		log.Info(ctx, "consuming application events", "backend", queue.Name(), "channel", cfg.MQ.Channel)
		err = queue.Subscribe(ctx, cfg.MQ.Channel, logApplicationEvent(log))
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}

// logApplicationEvent logs each event. Malformed payloads are logged and
// acknowledged.
func logApplicationEvent(log logging.Logger) mq.Handler {
	return func(ctx context.Context, msg mq.Message) error {
		var event services.ApplicationEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Warn(ctx, "malformed application event", "message_id", msg.ID, "error", err)
			return nil
		}
		args := []any{
			"message_id", msg.ID,
			"type", event.Type,
			"user_id", event.UserID,
			"school_id", event.SchoolID,
			"role", event.Role,
			"state", event.State,
			"at", event.At,
		}
		if event.ReviewerID != nil {
			args = append(args, "reviewer_id", *event.ReviewerID)
		}
		log.Info(ctx, "application event", args...)
		return nil
	}
}

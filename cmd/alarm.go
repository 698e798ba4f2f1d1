// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/command"
)

var alarmCmd = &cobra.Command{
	Use:   "alarm",
	Short: "Inspect and acknowledge alarms",
}

var alarmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alarm records",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.AlarmList(context.Background())
		if err != nil {
			return fmt.Errorf("alarm.list: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("alarm.list failed: %s", resp.Error.Message)
		}
		out, err := json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var ackedBy, ackNote string

var alarmAckCmd = &cobra.Command{
	Use:   "ack [alarm-id]",
	Short: "Acknowledge an open alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.AlarmAck(context.Background(), args[0], ackedBy, ackNote)
		if err != nil {
			return fmt.Errorf("alarm.ack: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("alarm.ack failed: %s", resp.Error.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Alarm %s acknowledged\n", args[0])
		return nil
	},
}

var alarmCloseCmd = &cobra.Command{
	Use:   "close [alarm-id]",
	Short: "Close an alarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.Call(context.Background(), "alarm.close", map[string]string{"alarm_id": args[0]})
		if err != nil {
			return fmt.Errorf("alarm.close: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("alarm.close failed: %s", resp.Error.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Alarm %s closed\n", args[0])
		return nil
	},
}

func init() {
	alarmAckCmd.Flags().StringVar(&ackedBy, "by", "", "operator acknowledging the alarm")
	alarmAckCmd.Flags().StringVar(&ackNote, "note", "", "optional acknowledgement note")
	alarmAckCmd.MarkFlagRequired("by")

	alarmCmd.AddCommand(alarmListCmd)
	alarmCmd.AddCommand(alarmAckCmd)
	alarmCmd.AddCommand(alarmCloseCmd)
}

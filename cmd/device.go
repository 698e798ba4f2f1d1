// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/command"
	"firestige.xyz/otus/internal/model"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
	Long:  "Create, inspect, and remove device rows the collector supervisor reads on each config-revision poll.",
}

var deviceFile string

var deviceUpsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Create or update a device from a JSON file",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(deviceFile)
		if err != nil {
			return fmt.Errorf("read device file: %w", err)
		}
		var d model.Device
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("parse device file: %w", err)
		}

		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.DeviceUpsert(context.Background(), d)
		if err != nil {
			return fmt.Errorf("device.upsert: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("device.upsert failed: %s", resp.Error.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Device %s upserted\n", d.DeviceId)
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.DeviceList(context.Background())
		if err != nil {
			return fmt.Errorf("device.list: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("device.list failed: %s", resp.Error.Message)
		}
		out, err := json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var deviceDeleteCmd = &cobra.Command{
	Use:   "delete [device-id]",
	Short: "Delete a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := command.NewUDSClient(socketPath, 10*time.Second)
		resp, err := client.Call(context.Background(), "device.delete", map[string]string{"device_id": args[0]})
		if err != nil {
			return fmt.Errorf("device.delete: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("device.delete failed: %s", resp.Error.Message)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Device %s deleted\n", args[0])
		return nil
	},
}

func init() {
	deviceUpsertCmd.Flags().StringVarP(&deviceFile, "file", "f", "", "path to device JSON file")
	deviceUpsertCmd.MarkFlagRequired("file")

	deviceCmd.AddCommand(deviceUpsertCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceDeleteCmd)
}

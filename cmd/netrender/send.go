package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/netrender/backend/internal/client"
	"github.com/netrender/backend/internal/config"
	"github.com/netrender/backend/internal/dispatch"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one command to a running server",
	Example: `  netrender send --widget clock --command set_render --script "respond(os.date('%H:%M'))"
  netrender send --widget clock --command get_response
  netrender send --widget clock --command set_render --file clock.lua`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		req := dispatch.Request{}
		req.ID, _ = cmd.Flags().GetString("id")
		req.Widget, _ = cmd.Flags().GetString("widget")
		req.Command, _ = cmd.Flags().GetString("command")
		req.Script, _ = cmd.Flags().GetString("script")
		req.ComputingScript, _ = cmd.Flags().GetString("computing-script")
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			src, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			req.Script = string(src)
		}

		raw, _ := cmd.Flags().GetBool("json")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		c, err := connect(ctx, cmd, cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.Send(ctx, req)
		if err != nil {
			return err
		}
		newPrinter(cmd.OutOrStdout(), raw).print(resp)
		if resp.Error != nil {
			return fmt.Errorf("request failed with code %d", resp.Error.Code)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	addClientFlags(sendCmd)
	sendCmd.Flags().String("id", "", "Correlation id (defaults to a sequence number)")
	sendCmd.Flags().String("command", "", "Command name; empty binds --script as the render entry")
	sendCmd.Flags().String("script", "", "Lua source for set_render, set_compute or get_response")
	sendCmd.Flags().String("file", "", "Read the script from a file")
	sendCmd.Flags().String("computing-script", "", "Lua run ad hoc before get_response")
	sendCmd.Flags().Bool("json", false, "Print the raw JSON response")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "Overall request timeout")
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("widget", "w", "", "Widget id")
	cmd.Flags().String("url", "", "Server WebSocket URL (default from config)")
	cmd.Flags().String("token", "", "Auth token (default from config)")
	cmd.MarkFlagRequired("widget")
}

func connect(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*client.WSClient, error) {
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		url = "ws://" + cfg.Addr() + "/ws"
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Server.AuthToken
	}

	c := client.NewWSClient(url, token)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

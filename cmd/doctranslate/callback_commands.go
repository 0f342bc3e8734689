package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"doctranslate/internal/events"
)

func newCallbackCommand(ctx *commandContext) *cobra.Command {
	callbackCmd := &cobra.Command{
		Use:   "callback",
		Short: "Resume suspended executions",
	}
	callbackCmd.AddCommand(newCallbackDeliverCommand(ctx))
	return callbackCmd
}

func newCallbackDeliverCommand(ctx *commandContext) *cobra.Command {
	var (
		token   string
		purpose string
		key     string
		status  string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver an external completion by token or by purpose and key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if payload != "" {
				raw = json.RawMessage(payload)
				if !json.Valid(raw) {
					return fmt.Errorf("payload is not valid JSON")
				}
			}
			client := ctx.client()
			out := cmd.OutOrStdout()
			if token != "" {
				body := raw
				if body == nil {
					body = json.RawMessage(`{}`)
				}
				if err := client.postJSON(cmd.Context(), "/api/callbacks/"+url.PathEscape(token), body, nil); err != nil {
					return err
				}
				fmt.Fprintf(out, "Callback %s resumed\n", token)
				return nil
			}
			if purpose == "" || key == "" {
				return fmt.Errorf("either --token or both --purpose and --key are required")
			}
			completion := events.Completion{Purpose: purpose, Key: key, Status: status, Payload: raw}
			if err := client.postJSON(cmd.Context(), "/api/events/external", completion, nil); err != nil {
				return err
			}
			fmt.Fprintf(out, "Completion %s/%s delivered\n", purpose, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Callback token")
	cmd.Flags().StringVar(&purpose, "purpose", "", "Completion purpose")
	cmd.Flags().StringVar(&key, "key", "", "Completion correlation key")
	cmd.Flags().StringVar(&status, "status", "", "Completion status reported by the external service")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	return cmd
}

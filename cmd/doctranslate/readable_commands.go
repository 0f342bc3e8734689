package main

import (
	"fmt"
	"mime"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"doctranslate/internal/jobstore"
)

func newReadableCommand(ctx *commandContext) *cobra.Command {
	readableCmd := &cobra.Command{
		Use:   "readable",
		Short: "Manage readable jobs and their items",
	}
	readableCmd.AddCommand(newReadableCreateCommand(ctx))
	readableCmd.AddCommand(newReadableAddCommand(ctx))
	readableCmd.AddCommand(newReadableGenerateCommand(ctx))
	readableCmd.AddCommand(newReadableItemsCommand(ctx))
	return readableCmd
}

func newReadableCreateCommand(ctx *commandContext) *cobra.Command {
	var req jobRequest
	cmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Create a readable job and upload the document to parse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Name == "" {
				req.Name = filepath.Base(args[0])
			}
			if req.ContentType == "" {
				req.ContentType = mime.TypeByExtension(filepath.Ext(args[0]))
			}
			job, info, err := submitJob(cmd.Context(), ctx.client(), "/api/readable/jobs", req, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Readable job %s created; uploaded %s\n", job.ID, info.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Job id (generated when empty)")
	cmd.Flags().StringVar(&req.Identity, "identity", "", "Owner identity")
	cmd.Flags().StringVar(&req.Name, "name", "", "Document name (defaults to the file name)")
	cmd.Flags().StringVar(&req.ContentType, "content-type", "", "Document content type")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func newReadableAddCommand(ctx *commandContext) *cobra.Command {
	var req struct {
		ID      string `json:"id,omitempty"`
		Type    string `json:"type,omitempty"`
		Order   int    `json:"order"`
		Input   string `json:"input"`
		ModelID string `json:"modelId,omitempty"`
	}
	cmd := &cobra.Command{
		Use:   "add <job-id> <text>",
		Short: "Add an item to a readable job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Input = args[1]
			var item jobstore.Item
			path := "/api/readable/jobs/" + url.PathEscape(args[0]) + "/items"
			if err := ctx.client().postJSON(cmd.Context(), path, req, &item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %s added to job %s (order %d)\n", item.ItemID, item.JobID, item.Order)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Item id (generated when empty)")
	cmd.Flags().StringVar(&req.Type, "type", "", "Item type (text or image)")
	cmd.Flags().IntVar(&req.Order, "order", 0, "Item position within the job")
	cmd.Flags().StringVar(&req.ModelID, "model", "", "Readable model id")
	return cmd
}

func newReadableGenerateCommand(ctx *commandContext) *cobra.Command {
	var modelID string
	cmd := &cobra.Command{
		Use:   "generate <job-id> <item-id>",
		Short: "Mark an item for generation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if modelID != "" {
				body = map[string]string{"modelId": modelID}
			}
			var item jobstore.Item
			path := "/api/readable/jobs/" + url.PathEscape(args[0]) + "/items/" + url.PathEscape(args[1]) + "/generate"
			if err := ctx.client().postJSON(cmd.Context(), path, body, &item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %s queued for generation\n", item.ItemID)
			return nil
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "Readable model id (keeps the item's model when empty)")
	return cmd
}

func newReadableItemsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "items <job-id>",
		Short: "List the items of a readable job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Items []jobstore.Item `json:"items"`
			}
			if err := ctx.client().getJSON(cmd.Context(), "/api/readable/jobs/"+url.PathEscape(args[0])+"/items", nil, &resp); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp.Items)
			}
			if len(resp.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No items")
				return nil
			}
			rows := make([][]string, 0, len(resp.Items))
			for _, item := range resp.Items {
				rows = append(rows, []string{
					strconv.Itoa(item.Order),
					item.ItemID,
					string(item.Type),
					string(item.Status),
					item.ModelID,
					truncate(item.Input, 48),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Order", "ID", "Type", "Status", "Model", "Input"},
				rows,
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

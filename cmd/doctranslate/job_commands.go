package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"doctranslate/internal/jobstore"
	"doctranslate/internal/objectstore"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect translation jobs",
	}
	jobCmd.AddCommand(newJobSubmitCommand(ctx))
	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobShowCommand(ctx))
	return jobCmd
}

type jobRequest struct {
	ID              string   `json:"id,omitempty"`
	Identity        string   `json:"identity"`
	Name            string   `json:"name"`
	ContentType     string   `json:"contentType,omitempty"`
	LanguageSource  string   `json:"languageSource,omitempty"`
	LanguageTargets []string `json:"languageTargets,omitempty"`
}

func newJobSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		req      jobRequest
		filePath string
	)
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Create a translation job and upload its document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filePath = args[0]
			if req.Name == "" {
				req.Name = filepath.Base(filePath)
			}
			if req.ContentType == "" {
				req.ContentType = mime.TypeByExtension(filepath.Ext(filePath))
			}
			job, info, err := submitJob(cmd.Context(), ctx.client(), "/api/jobs", req, filePath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s created (%s -> %s)\n", job.ID, job.LanguageSource, strings.Join(job.LanguageTargets, ", "))
			fmt.Fprintf(out, "Uploaded %s (%s)\n", info.Key, humanize.IBytes(uint64(info.Size)))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Job id (generated when empty)")
	cmd.Flags().StringVar(&req.Identity, "identity", "", "Owner identity")
	cmd.Flags().StringVar(&req.Name, "name", "", "Document name (defaults to the file name)")
	cmd.Flags().StringVar(&req.ContentType, "content-type", "", "Document content type")
	cmd.Flags().StringVarP(&req.LanguageSource, "source", "s", "", "Source language")
	cmd.Flags().StringSliceVarP(&req.LanguageTargets, "target", "t", nil, "Target language (repeatable)")
	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

// submitJob creates a job at path and uploads filePath as its document.
func submitJob(ctx context.Context, client *apiClient, path string, req jobRequest, filePath string) (*jobstore.Job, objectstore.ObjectInfo, error) {
	var info objectstore.ObjectInfo
	file, err := os.Open(filePath)
	if err != nil {
		return nil, info, fmt.Errorf("open document: %w", err)
	}
	defer file.Close()

	var job jobstore.Job
	if err := client.postJSON(ctx, path, req, &job); err != nil {
		return nil, info, fmt.Errorf("create job: %w", err)
	}
	info, err = uploadContent(ctx, client, job.ID, req.Name, req.ContentType, file)
	if err != nil {
		return &job, info, fmt.Errorf("upload document for job %s: %w", job.ID, err)
	}
	return &job, info, nil
}

func uploadContent(ctx context.Context, client *apiClient, jobID, name, contentType string, body io.Reader) (objectstore.ObjectInfo, error) {
	var info objectstore.ObjectInfo
	path := "/api/jobs/" + url.PathEscape(jobID) + "/content?" + url.Values{"name": {name}}.Encode()
	err := client.do(ctx, http.MethodPut, path, body, contentType, &info)
	return info, err
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		kind     string
		identity string
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for _, status := range statuses {
				query.Add("status", status)
			}
			if kind != "" {
				query.Set("kind", kind)
			}
			if identity != "" {
				query.Set("identity", identity)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var resp struct {
				Jobs []jobstore.Job `json:"jobs"`
			}
			if err := ctx.client().getJSON(cmd.Context(), "/api/jobs", query, &resp); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp.Jobs)
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Kind", "Status", "Name", "Targets", "Updated"},
				buildJobRows(resp.Jobs),
				nil,
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (translation or readable)")
	cmd.Flags().StringVar(&identity, "identity", "", "Filter by owner identity")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildJobRows(jobs []jobstore.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			string(job.Kind),
			string(job.Status),
			job.Name,
			strings.Join(job.LanguageTargets, ","),
			humanize.Time(job.UpdatedAt),
		})
	}
	return rows
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job jobstore.Job
			if err := ctx.client().getJSON(cmd.Context(), "/api/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, job)
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderKeyValues([][2]string{
				{"ID", job.ID},
				{"Kind", string(job.Kind)},
				{"Status", string(job.Status)},
				{"Identity", job.Identity},
				{"Name", job.Name},
				{"Content", job.ContentKey},
				{"Source", job.LanguageSource},
				{"PII", string(job.PIIStatus)},
				{"Created", job.CreatedAt.Format("2006-01-02 15:04:05")},
				{"Updated", humanize.Time(job.UpdatedAt)},
			}))
			if len(job.LanguageTargets) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, renderTable(
				[]string{"Language", "Status", "Output"},
				buildLanguageRows(&job),
				nil,
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildLanguageRows(job *jobstore.Job) [][]string {
	langs := append([]string(nil), job.LanguageTargets...)
	sort.Strings(langs)
	rows := make([][]string, 0, len(langs))
	for _, lang := range langs {
		status := job.TranslateStatus[lang]
		if status == "" {
			status = "-"
		}
		rows = append(rows, []string{lang, status, job.TranslateKey[lang]})
	}
	return rows
}

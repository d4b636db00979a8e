package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/attendsync/internal/attendance"
	"github.com/agentworkforce/attendsync/internal/httpapi"
)

func (o *rootOptions) client() *httpapi.Client {
	return httpapi.NewClient(o.BaseURL, o.Token, &http.Client{Timeout: o.Timeout})
}

// apiCommand builds a subcommand that runs one API call and prints the JSON
// result.
func apiCommand(opts *rootOptions, use, short string, args cobra.PositionalArgs, call func(ctx context.Context, c *httpapi.Client, args []string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(cmd.Context(), opts.client(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newMarkCommand(opts *rootOptions) *cobra.Command {
	var in attendance.MarkInput
	cmd := apiCommand(opts, "mark <student-id>", "Record a student's attendance", cobra.ExactArgs(1),
		func(ctx context.Context, c *httpapi.Client, args []string) (any, error) {
			in.StudentID = args[0]
			return c.Mark(ctx, in)
		})
	cmd.Flags().StringVar(&in.Name, "name", "", "student name")
	cmd.Flags().StringVar(&in.Email, "email", "", "student email")
	cmd.Flags().StringVar(&in.Status, "status", "P", "attendance status (P or A)")
	return cmd
}

func newStatusUpdateCommand(opts *rootOptions) *cobra.Command {
	var status string
	cmd := apiCommand(opts, "status-update <student-id>...", "Set the status of several students", cobra.MinimumNArgs(1),
		func(ctx context.Context, c *httpapi.Client, args []string) (any, error) {
			return c.UpdateStatus(ctx, args, status)
		})
	cmd.Flags().StringVar(&status, "status", "", "attendance status (P or A)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	return apiCommand(opts, "remove <student-id>...", "Remove students and suppress them from later polls", cobra.MinimumNArgs(1),
		func(ctx context.Context, c *httpapi.Client, args []string) (any, error) {
			return c.Remove(ctx, args)
		})
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	return apiCommand(opts, "clear", "Remove every visible record", cobra.NoArgs,
		func(ctx context.Context, c *httpapi.Client, _ []string) (any, error) {
			return c.Clear(ctx)
		})
}

func newRecordsCommand(opts *rootOptions) *cobra.Command {
	return apiCommand(opts, "records", "List local records and tombstones", cobra.NoArgs,
		func(ctx context.Context, c *httpapi.Client, _ []string) (any, error) {
			return c.Records(ctx)
		})
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return apiCommand(opts, "status", "Show sync status", cobra.NoArgs,
		func(ctx context.Context, c *httpapi.Client, _ []string) (any, error) {
			return c.Status(ctx)
		})
}

func newEndpointCommand(opts *rootOptions) *cobra.Command {
	return apiCommand(opts, "endpoint <url>", `Set the remote endpoint ("" clears it)`, cobra.ExactArgs(1),
		func(ctx context.Context, c *httpapi.Client, args []string) (any, error) {
			return c.SetEndpoint(ctx, args[0])
		})
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	return apiCommand(opts, "flush", "Wake the delivery loop now", cobra.NoArgs,
		func(ctx context.Context, c *httpapi.Client, _ []string) (any, error) {
			return c.Flush(ctx)
		})
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/geodispatch/api"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/correlation"
	"pkt.systems/geodispatch/internal/pathutil"
)

func newJobCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit jobs and inspect their status",
	}
	cmd.AddCommand(newJobSubmitCommand(a))
	cmd.AddCommand(newJobStatusCommand(a))
	cmd.AddCommand(newJobWaitCommand(a))
	return cmd
}

func newJobSubmitCommand(a *app) *cobra.Command {
	var (
		req   api.SubmitRequest
		queue string
		chain string
		wait  time.Duration
		cid   string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a job; with --wait, block until it reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readChain(chain, cmd.InOrStdin())
			if err != nil {
				return err
			}
			req.Chain = raw
			desc, err := req.Descriptor()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if cid != "" {
				ctx = correlation.With(ctx, cid)
			}
			svc, err := a.openService(ctx, "cli.job")
			if err != nil {
				return err
			}
			defer svc.Close()
			if queue == "" {
				queue = svc.Config().Queues[0]
			}
			if wait <= 0 {
				id, err := svc.Dispatcher().SubmitAsync(ctx, queue, desc)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.SubmitResponse{JobID: id, State: core.StateAccepted, StatusURL: "/v1/jobs/" + id})
			}
			out, err := svc.Dispatcher().SubmitAndWait(ctx, queue, desc, wait)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return out.Err()
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Processor, "processor", "", "processor kind, e.g. mapset.list")
	f.StringVar(&req.Target, "target", "", "location or location/mapset the job touches")
	f.StringVar(&req.Principal, "principal", os.Getenv("USER"), "requesting user")
	f.StringVar(&req.Role, "role", "", "requesting user's role")
	f.StringVar(&chain, "chain", "", "processing chain JSON, @file, or - for stdin")
	f.Int64Var(&req.TimeoutMS, "timeout-ms", 0, "processing timeout in milliseconds (0 selects the default)")
	f.StringVar(&queue, "queue", "", "queue to submit to (defaults to the first configured queue)")
	f.DurationVar(&wait, "wait", 0, "block up to this long for the job to finish")
	f.StringVar(&cid, "correlation-id", "", "correlation id carried into worker logs")
	return cmd
}

func newJobStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the status record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx, "cli.job")
			if err != nil {
				return err
			}
			defer svc.Close()
			rec, err := svc.Tracker().Get(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newJobWaitCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Block until a job reaches a terminal state or the timeout elapses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx, "cli.job")
			if err != nil {
				return err
			}
			defer svc.Close()
			out, err := svc.Dispatcher().Wait(ctx, strings.TrimSpace(args[0]), timeout)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return out.Err()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait")
	return cmd
}

// readChain resolves --chain: inline JSON, @path or - for stdin.
func readChain(raw string, stdin io.Reader) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil, nil
	case raw == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read chain from stdin: %w", err)
		}
		return json.RawMessage(data), nil
	case strings.HasPrefix(raw, "@"):
		path, err := pathutil.Expand(raw[1:])
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read chain: %w", err)
		}
		return json.RawMessage(data), nil
	}
	return json.RawMessage(raw), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

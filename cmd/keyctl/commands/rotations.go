package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/rotation"
)

func newRotationsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rotations",
		Aliases: []string{"rotation", "rot"},
		Short:   "Re-encrypt images onto a key",
	}

	cmd.AddCommand(newRotationsStartCmd(opts))
	cmd.AddCommand(newRotationsListCmd(opts))
	cmd.AddCommand(newRotationsGetCmd(opts))
	cmd.AddCommand(newRotationsFailuresCmd(opts))
	cmd.AddCommand(newRotationsCancelCmd(opts))
	cmd.AddCommand(newRotationsWatchCmd(opts))

	return cmd
}

func parseRotationID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid rotation id %q", raw)
	}
	return id, nil
}

func rotationTable(ops ...*model.RotationOperation) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		_, _ = fmt.Fprintln(w, "ID\tFROM\tTO\tSTATUS\tPROCESSED\tFAILED\tTOTAL\tPROGRESS\tSTARTED")
		for _, op := range ops {
			from := "*"
			if op.FromKeyID != nil {
				from = fmt.Sprint(*op.FromKeyID)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
				op.ID, from, op.ToKeyID, op.Status,
				op.ProcessedImages, op.FailedImages, op.TotalImages, op.PercentComplete(),
				op.StartedAt.Format(time.RFC3339))
		}
	}
}

func newRotationsStartCmd(opts *Options) *cobra.Command {
	var (
		from      int64
		to        int64
		batchSize int
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a rotation onto a key",
		Long: `Start a rotation that re-encrypts images onto --to. With --from only images
under that key move; otherwise every encrypted image not already on --to does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to <= 0 {
				return fmt.Errorf("--to is required")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			req := map[string]interface{}{"to_key_id": to}
			if cmd.Flags().Changed("from") {
				req["from_key_id"] = from
			}
			if batchSize > 0 {
				req["batch_size"] = batchSize
			}
			var op model.RotationOperation
			if err := client.JSON(cmd.Context(), http.MethodPost, "/v1/rotations", req, &op); err != nil {
				return fmt.Errorf("failed to start rotation: %w", err)
			}
			if !wait {
				return opts.render(cmd.OutOrStdout(), &op, rotationTable(&op))
			}
			return watchRotation(cmd.Context(), client, op.ID, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64Var(&from, "from", 0, "only rotate images encrypted under this key")
	cmd.Flags().Int64Var(&to, "to", 0, "target key id")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "images per batch (server default when unset)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "stream progress until the rotation finishes")

	return cmd
}

func newRotationsListCmd(opts *Options) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List rotations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			path := "/v1/rotations"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var res struct {
				Rotations []*model.RotationOperation `json:"rotations"`
			}
			if err := client.JSON(cmd.Context(), http.MethodGet, path, nil, &res); err != nil {
				return fmt.Errorf("failed to list rotations: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), res.Rotations, rotationTable(res.Rotations...))
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, cancelled)")

	return cmd
}

func newRotationsGetCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <rotation-id>",
		Short: "Show a rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRotationID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var op model.RotationOperation
			if err := client.JSON(cmd.Context(), http.MethodGet, "/v1/rotations/"+id.String(), nil, &op); err != nil {
				return fmt.Errorf("failed to get rotation: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &op, rotationTable(&op))
		},
	}
}

func newRotationsFailuresCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "failures <rotation-id>",
		Short: "List images a rotation could not re-encrypt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRotationID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				Failures []model.RotationFailure `json:"failures"`
			}
			if err := client.JSON(cmd.Context(), http.MethodGet, "/v1/rotations/"+id.String()+"/failures", nil, &res); err != nil {
				return fmt.Errorf("failed to list failures: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), res.Failures, func(w *tabwriter.Writer) {
				_, _ = fmt.Fprintln(w, "IMAGE\tREASON\tAT")
				for _, f := range res.Failures {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.ImageID, f.Reason, f.OccurredAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func newRotationsCancelCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <rotation-id>",
		Short: "Request cancellation of a rotation",
		Long: `Request cancellation. A running rotation stops at the next batch boundary;
images already re-encrypted stay on the new key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRotationID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				CancelAccepted bool                     `json:"cancel_accepted"`
				Rotation       *model.RotationOperation `json:"rotation"`
			}
			if err := client.JSON(cmd.Context(), http.MethodPost, "/v1/rotations/"+id.String()+"/cancel", nil, &res); err != nil {
				return fmt.Errorf("failed to cancel rotation: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &res, func(w *tabwriter.Writer) {
				if res.CancelAccepted {
					_, _ = fmt.Fprintf(w, "Cancellation requested for %s\n", id)
				} else {
					_, _ = fmt.Fprintf(w, "Rotation %s was not cancelled (status %s)\n", id, res.Rotation.Status)
				}
			})
		},
	}
}

func newRotationsWatchCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <rotation-id>",
		Short: "Stream rotation progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRotationID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			return watchRotation(cmd.Context(), client, id, opts, cmd.OutOrStdout())
		},
	}
}

// watchRotation follows the progress stream and prints one line per
// snapshot. It returns an error when the rotation ends failed.
func watchRotation(ctx context.Context, client *Client, id uuid.UUID, opts *Options, out io.Writer) error {
	resp, err := client.streamClient().Do(ctx, http.MethodGet, "/v1/rotations/"+id.String()+"/stream", nil, "")
	if err != nil {
		return fmt.Errorf("failed to open progress stream: %w", err)
	}
	defer resp.Body.Close()

	var last *rotation.Progress
	err = readEvents(resp.Body, func(event string, data []byte) error {
		if event != "progress" {
			return nil
		}
		var p rotation.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid progress event: %w", err)
		}
		last = &p
		if opts.Output == outputJSON {
			_, err := fmt.Fprintf(out, "%s\n", data)
			return err
		}
		_, err := fmt.Fprintf(out, "%s %-9s %d/%d processed, %d failed (%.1f%%)\n",
			p.UpdatedAt.Format(time.RFC3339), p.Status, p.ProcessedImages, p.TotalImages, p.FailedImages, p.PercentComplete)
		return err
	})
	if err != nil {
		return err
	}
	if last == nil || !last.Status.Terminal() {
		return fmt.Errorf("progress stream ended before rotation %s finished", id)
	}
	if last.Status == model.RotationFailed {
		return fmt.Errorf("rotation %s failed: %s", id, last.ErrorMessage)
	}
	return nil
}

// readEvents parses a text/event-stream body, calling fn for every
// dispatched event. Comment lines are skipped.
func readEvents(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	event := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				if err := fn(event, []byte(strings.Join(data, "\n"))); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

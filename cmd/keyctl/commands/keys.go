package commands

import (
	"fmt"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kenneth/image-keyring/internal/model"
	"github.com/kenneth/image-keyring/internal/rotation"
)

func newKeysCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keys",
		Aliases: []string{"key"},
		Short:   "Key lifecycle operations",
	}

	cmd.AddCommand(newKeysCreateCmd(opts))
	cmd.AddCommand(newKeysListCmd(opts))
	cmd.AddCommand(newKeysActiveCmd(opts))
	cmd.AddCommand(newKeysGetCmd(opts))
	cmd.AddCommand(newKeysStatsCmd(opts))
	cmd.AddCommand(newKeysActivateCmd(opts))
	cmd.AddCommand(newKeyTransitionCmd(opts, "retire", "Retire a key so it only decrypts"))
	cmd.AddCommand(newKeyTransitionCmd(opts, "deprecate", "Deprecate a retired key"))
	cmd.AddCommand(newKeyTransitionCmd(opts, "purge", "Destroy the material of an unreferenced deprecated key"))
	cmd.AddCommand(newKeysDeleteCmd(opts))

	return cmd
}

func parseKeyID(raw string) (int64, error) {
	kid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || kid <= 0 {
		return 0, fmt.Errorf("invalid key id %q", raw)
	}
	return kid, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func keyTable(keys ...*model.EncryptionKey) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		_, _ = fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tALGORITHM\tCREATED\tACTIVATED\tDESCRIPTION")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
				k.ID, k.Version, k.Status, k.Algorithm,
				k.CreatedAt.Format(time.RFC3339), formatTime(k.ActivatedAt), k.Description)
		}
	}
}

func activationTable(res *rotation.ActivationResult) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		if res.Activation != nil && res.Activated != nil {
			_, _ = fmt.Fprintf(w, "Activated:\tkey %d (version %d)\n", res.Activated.ID, res.Activated.Version)
			if res.Retired != nil {
				_, _ = fmt.Fprintf(w, "Retired:\tkey %d (version %d)\n", res.Retired.ID, res.Retired.Version)
			}
		}
		if res.Rotation != nil {
			_, _ = fmt.Fprintf(w, "Rotation:\t%s (%s)\n", res.Rotation.ID, res.Rotation.Status)
		}
		if res.RotationError != "" {
			_, _ = fmt.Fprintf(w, "Rotation not started:\t%s\n", res.RotationError)
		}
	}
}

func newKeysCreateCmd(opts *Options) *cobra.Command {
	var (
		description string
		activate    bool
		autoRotate  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if autoRotate && !activate {
				return fmt.Errorf("--auto-rotate requires --activate")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			req := map[string]interface{}{
				"description": description,
				"activate":    activate,
				"auto_rotate": autoRotate,
			}
			ctx := cmd.Context()
			if activate {
				var res rotation.ActivationResult
				if err := client.JSON(ctx, http.MethodPost, "/v1/keys", req, &res); err != nil {
					return fmt.Errorf("failed to create key: %w", err)
				}
				return opts.render(cmd.OutOrStdout(), &res, activationTable(&res))
			}
			var key model.EncryptionKey
			if err := client.JSON(ctx, http.MethodPost, "/v1/keys", req, &key); err != nil {
				return fmt.Errorf("failed to create key: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &key, keyTable(&key))
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "free-form description")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the key immediately")
	cmd.Flags().BoolVar(&autoRotate, "auto-rotate", false, "start a rotation onto the key after activating it")

	return cmd
}

func newKeysListCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List keys",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				Keys []*model.EncryptionKey `json:"keys"`
			}
			if err := client.JSON(cmd.Context(), http.MethodGet, "/v1/keys", nil, &res); err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), res.Keys, keyTable(res.Keys...))
		},
	}
}

func newKeysActiveCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the active key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var key model.EncryptionKey
			if err := client.JSON(cmd.Context(), http.MethodGet, "/v1/keys/active", nil, &key); err != nil {
				return fmt.Errorf("failed to get active key: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &key, keyTable(&key))
		},
	}
}

func newKeysGetCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key-id>",
		Short: "Show a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var key model.EncryptionKey
			if err := client.JSON(cmd.Context(), http.MethodGet, fmt.Sprintf("/v1/keys/%d", kid), nil, &key); err != nil {
				return fmt.Errorf("failed to get key: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &key, keyTable(&key))
		},
	}
}

func newKeysStatsCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <key-id>",
		Short: "Show how many images a key protects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var stats model.KeyStats
			if err := client.JSON(cmd.Context(), http.MethodGet, fmt.Sprintf("/v1/keys/%d/stats", kid), nil, &stats); err != nil {
				return fmt.Errorf("failed to get key stats: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &stats, func(w *tabwriter.Writer) {
				_, _ = fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tIMAGES\tBYTES\tMATERIAL")
				_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%t\n",
					stats.KeyID, stats.Version, stats.Status, stats.ImageCount, stats.TotalSizeBytes, stats.HasMaterial)
			})
		},
	}
}

func newKeysActivateCmd(opts *Options) *cobra.Command {
	var autoRotate bool

	cmd := &cobra.Command{
		Use:   "activate <key-id>",
		Short: "Make a key the active key",
		Long: `Make a key the active key. The previously active key is retired.
With --auto-rotate, a rotation re-encrypting every image onto the key is started.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/v1/keys/%d/activate?auto_rotate=%t", kid, autoRotate)
			var res rotation.ActivationResult
			if err := client.JSON(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
				return fmt.Errorf("failed to activate key: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &res, activationTable(&res))
		},
	}

	cmd.Flags().BoolVar(&autoRotate, "auto-rotate", false, "start a rotation onto the key")

	return cmd
}

func newKeyTransitionCmd(opts *Options, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <key-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			var key model.EncryptionKey
			if err := client.JSON(cmd.Context(), http.MethodPost, fmt.Sprintf("/v1/keys/%d/%s", kid, action), nil, &key); err != nil {
				return fmt.Errorf("failed to %s key: %w", action, err)
			}
			return opts.render(cmd.OutOrStdout(), &key, keyTable(&key))
		},
	}
}

func newKeysDeleteCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an unreferenced, inactive key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kid, err := parseKeyID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.JSON(cmd.Context(), http.MethodDelete, fmt.Sprintf("/v1/keys/%d", kid), nil, nil); err != nil {
				return fmt.Errorf("failed to delete key: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Key %d deleted\n", kid)
			return nil
		},
	}
}

// Package commands implements the keyctl command tree.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// Options are the persistent flags shared by every subcommand.
type Options struct {
	Server string
	Actor  string
	Output string
}

// NewRootCmd builds the keyctl command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Manage image encryption keys and rotations",
		Long: `keyctl talks to the image keyring admin API.

Point it at a server with --server, KEYCTL_SERVER or ~/.keyctl/config.yaml:
  server: http://localhost:8080
  actor: alice`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Output != outputTable && opts.Output != outputJSON {
				return fmt.Errorf("invalid --output %q (must be table or json)", opts.Output)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "admin API base URL")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", "", "identity recorded in the audit trail")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", outputTable, "output format: table or json")

	cmd.AddCommand(newKeysCmd(opts))
	cmd.AddCommand(newRotationsCmd(opts))
	cmd.AddCommand(newImagesCmd(opts))

	return cmd
}

// client resolves the config and applies flag overrides.
func (o *Options) client() (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if o.Server != "" {
		cfg.Server = o.Server
	}
	if o.Actor != "" {
		cfg.Actor = o.Actor
	}
	return NewClient(cfg), nil
}

// render prints v as indented JSON, or through table when the table format
// is selected.
func (o *Options) render(out io.Writer, v interface{}, table func(w *tabwriter.Writer)) error {
	if o.Output == outputJSON || table == nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	table(w)
	return w.Flush()
}

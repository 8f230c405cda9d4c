package commands

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// imageMeta mirrors the server's image metadata response.
type imageMeta struct {
	ID              string `json:"id"`
	ContentType     string `json:"content_type,omitempty"`
	SizeBytes       int64  `json:"size_bytes"`
	IsEncrypted     bool   `json:"is_encrypted"`
	EncryptionKeyID int64  `json:"encryption_key_id,omitempty"`
	Revision        int64  `json:"revision"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func imageTable(img *imageMeta) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		key := "-"
		if img.IsEncrypted {
			key = fmt.Sprint(img.EncryptionKeyID)
		}
		_, _ = fmt.Fprintln(w, "ID\tTYPE\tSIZE\tENCRYPTED\tKEY\tREVISION\tUPDATED")
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%d\t%s\n",
			img.ID, img.ContentType, img.SizeBytes, img.IsEncrypted, key, img.Revision, img.UpdatedAt)
	}
}

func imagePath(id string, suffix string) string {
	return "/v1/images/" + url.PathEscape(id) + suffix
}

func newImagesCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "images",
		Aliases: []string{"image", "img"},
		Short:   "Store, fetch and re-encrypt images",
	}

	cmd.AddCommand(newImagesUploadCmd(opts, "put", "", "Encrypt and store an image under the active key"))
	cmd.AddCommand(newImagesUploadCmd(opts, "import", "/import", "Store a legacy plaintext image"))
	cmd.AddCommand(newImagesGetCmd(opts))
	cmd.AddCommand(newImagesMetaCmd(opts))
	cmd.AddCommand(newImagesEncryptCmd(opts))
	cmd.AddCommand(newImagesVerifyCmd(opts))

	return cmd
}

func newImagesUploadCmd(opts *Options, use, suffix, short string) *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   use + " <image-id> <file>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, file := args[0], args[1]

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			defer f.Close()

			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(file))
			}
			if ct == "" {
				ct = "application/octet-stream"
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := client.Do(cmd.Context(), http.MethodPut, imagePath(id, suffix), f, ct)
			if err != nil {
				return fmt.Errorf("failed to upload image: %w", err)
			}
			defer resp.Body.Close()

			var img imageMeta
			if err := decodeBody(resp.Body, &img); err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), &img, imageTable(&img))
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (guessed from the file extension when unset)")

	return cmd
}

func newImagesGetCmd(opts *Options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <image-id>",
		Short: "Download and decrypt an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := client.Do(cmd.Context(), http.MethodGet, imagePath(args[0], ""), nil, "")
			if err != nil {
				return fmt.Errorf("failed to get image: %w", err)
			}
			defer resp.Body.Close()

			var out io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			n, err := io.Copy(out, resp.Body)
			if err != nil {
				return fmt.Errorf("failed to write image: %w", err)
			}
			if output != "" && output != "-" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", n, output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "file", "f", "", "write to file instead of stdout")

	return cmd
}

func newImagesMetaCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "meta <image-id>",
		Short: "Show image metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var img imageMeta
			if err := client.JSON(cmd.Context(), http.MethodGet, imagePath(args[0], "/meta"), nil, &img); err != nil {
				return fmt.Errorf("failed to get image metadata: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &img, imageTable(&img))
		},
	}
}

func newImagesEncryptCmd(opts *Options) *cobra.Command {
	var keyID int64

	cmd := &cobra.Command{
		Use:   "encrypt <image-id>",
		Short: "Encrypt or re-encrypt one image",
		Long: `Encrypt a legacy plaintext image, or re-encrypt an encrypted one, under
--key-id. The active key is used when --key-id is not set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			path := imagePath(args[0], "/encrypt")
			if keyID > 0 {
				path += fmt.Sprintf("?key_id=%d", keyID)
			}
			var img imageMeta
			if err := client.JSON(cmd.Context(), http.MethodPost, path, nil, &img); err != nil {
				return fmt.Errorf("failed to encrypt image: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &img, imageTable(&img))
		},
	}

	cmd.Flags().Int64Var(&keyID, "key-id", 0, "target key id")

	return cmd
}

func newImagesVerifyCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <image-id>",
		Short: "Check that an image decrypts and matches its recorded size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				Verified bool      `json:"verified"`
				Image    imageMeta `json:"image"`
			}
			if err := client.JSON(cmd.Context(), http.MethodPost, imagePath(args[0], "/verify"), nil, &res); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			return opts.render(cmd.OutOrStdout(), &res, func(w *tabwriter.Writer) {
				_, _ = fmt.Fprintf(w, "Image %s verified (key %d, revision %d)\n",
					res.Image.ID, res.Image.EncryptionKeyID, res.Image.Revision)
			})
		},
	}
}

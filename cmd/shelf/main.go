// shelf is the command-line client for the shelf storage server.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shelfstore/shelf/internal/client"
	"github.com/shelfstore/shelf/pkg/bytesize"
)

var (
	serverURL string
	apiKey    string
)

func newClient() (*client.Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("SHELF_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key: pass --api-key or set SHELF_API_KEY")
	}
	return client.NewClient(serverURL, apiKey), nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "shelf",
		Short: "Client for the shelf storage server",
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8450", "server URL")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "tenant API key (or SHELF_API_KEY)")

	uploadCmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			info, err := c.Upload(cmd.Context(), filepath.Base(args[0]), "application/octet-stream", f)
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %s (%s, %d chunks)\nid: %s\n", info.OriginalFilename, bytesize.Format(info.FileSize), info.ChunkCount, info.ID)
			return nil
		},
	}
	rootCmd.AddCommand(uploadCmd)

	downloadCmd := &cobra.Command{
		Use:   "download <file-id> [output]",
		Short: "Download a file (to stdout if no output path given)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			stream, err := c.Download(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer func() { _ = stream.Close() }()

			var out io.Writer = os.Stdout
			if len(args) == 2 {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			_, err = io.Copy(out, stream)
			return err
		},
	}
	rootCmd.AddCommand(downloadCmd)

	rmCmd := &cobra.Command{
		Use:   "rm <file-id>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			freed, err := c.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("deleted, freed %s\n", bytesize.Format(freed))
			return nil
		},
	}
	rootCmd.AddCommand(rmCmd)

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List files",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			files, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSIZE\tCHUNKS\tCREATED")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", f.ID, f.OriginalFilename, bytesize.Format(f.FileSize), f.ChunkCount, f.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	rootCmd.AddCommand(lsCmd)

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			u, err := c.Usage(cmd.Context())
			if err != nil {
				return err
			}
			limit := "unlimited"
			if u.StorageLimitBytes > 0 {
				limit = bytesize.Format(u.StorageLimitBytes)
			}
			fmt.Printf("tenant:  %s\nused:    %s\nsubtree: %s\nlimit:   %s\n",
				u.TenantID, bytesize.Format(u.UsedBytes), bytesize.Format(u.SubtreeBytes), limit)
			return nil
		},
	}
	rootCmd.AddCommand(usageCmd)

	rootCmd.AddCommand(newTenantCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newTenantCmd() *cobra.Command {
	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage subtenants",
	}

	createCmd := &cobra.Command{
		Use:   "create <display-name>",
		Short: "Create a subtenant under the calling tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			sub, err := c.CreateSubTenant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:      %s\napi key: %s\nlimit:   %s\n", sub.ID, sub.APIKey, bytesize.Format(sub.StorageLimitBytes))
			return nil
		},
	}
	tenantCmd.AddCommand(createCmd)

	limitCmd := &cobra.Command{
		Use:   "limit <sub-id> <size>",
		Short: "Set a direct subtenant's storage limit (e.g. 500MB)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			limit, err := bytesize.Parse(args[1])
			if err != nil {
				return err
			}
			return c.UpdateStorageLimit(cmd.Context(), args[0], limit)
		},
	}
	tenantCmd.AddCommand(limitCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <sub-id>",
		Short: "Delete a subtenant and its stored data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.DeleteSubTenant(cmd.Context(), args[0])
		},
	}
	tenantCmd.AddCommand(deleteCmd)

	rebuildCmd := &cobra.Command{
		Use:   "rebuild-usage",
		Short: "Rebuild the server's usage cache from metadata (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.RebuildUsage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("tenants: %d\ntotal:   %s\n", result.Tenants, bytesize.Format(result.TotalBytes))
			return nil
		},
	}
	tenantCmd.AddCommand(rebuildCmd)

	return tenantCmd
}

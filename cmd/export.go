package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/pst-index/config"
	"github.com/dhcgn/pst-index/export"
	"github.com/dhcgn/pst-index/imap"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

var (
	exportIDs            []string
	exportQuery          string
	exportAttachmentsDir string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export messages as JSON, attachment files or IMAP uploads",
	Long: `Export one or more messages of the archive. Each message is printed as a JSON
document including its body. With --attachments-dir its attachments are written
to disk; with --imap-host (or --dry-run) it is appended to an IMAP folder.
Messages are selected by --id or by every hit of --query.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireArchive(); err != nil {
			return err
		}
		if len(exportIDs) == 0 && exportQuery == "" {
			return fmt.Errorf("--id or --query is required")
		}
		return runExport(cmd.Context(), cfg, os.Stdout)
	},
}

func init() {
	config.RegisterArchiveFlags(exportCmd)
	config.RegisterIMAPFlags(exportCmd)
	exportCmd.Flags().StringArrayVar(&exportIDs, "id", nil, "Message id, e.g. 8354_8322 (repeatable)")
	exportCmd.Flags().StringVar(&exportQuery, "query", "", "Export every message matching this search query")
	exportCmd.Flags().StringVar(&exportAttachmentsDir, "attachments-dir", "", "Write attachments into this directory")
	rootCmd.AddCommand(exportCmd)
}

func runExport(ctx context.Context, c config.Config, out io.Writer) error {
	ids, err := exportSelection(ctx, c)
	if err != nil {
		return err
	}

	var appender *imap.Appender
	if c.IMAP.Host != "" || c.IMAP.DryRun {
		if err := c.ValidateIMAP(); err != nil {
			return err
		}
		appender, err = imap.NewAppender(imap.Options{
			Host:               c.IMAP.Host,
			Port:               c.IMAP.Port,
			Username:           c.IMAP.User,
			Password:           c.IMAP.Pass,
			UseTLS:             c.IMAP.UseTLS,
			InsecureSkipVerify: c.IMAP.InsecureSkipVerify,
			TargetFolder:       c.IMAP.Folder,
			DryRun:             c.IMAP.DryRun,
		}, logger)
		if err != nil {
			return fmt.Errorf("imap.NewAppender: %w", err)
		}
		defer appender.Close()
	}

	store, err := openArchive(c.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := export.Load(store, id)
		if err != nil {
			return fmt.Errorf("export %s: %w", id, err)
		}
		if err := export.WriteJSON(out, m.Document); err != nil {
			return err
		}

		if exportAttachmentsDir != "" && len(m.Files) > 0 {
			dir := exportAttachmentsDir
			if len(ids) > 1 {
				dir = filepath.Join(dir, id.String())
			}
			paths, err := export.SaveAttachments(dir, m.Files)
			if err != nil {
				return fmt.Errorf("export %s: %w", id, err)
			}
			logger.Info("attachments saved", "id", id.String(), "dir", dir, "count", len(paths))
		}

		if appender != nil {
			raw, err := m.RFC822()
			if err != nil {
				return fmt.Errorf("build message %s: %w", id, err)
			}
			if err := appender.Append(ctx, id.String(), raw, m.Date()); err != nil {
				return err
			}
		}
	}

	if appender != nil {
		logger.Info("imap export finished", "appended", appender.Appended(), "folder", c.IMAP.Folder, "dryRun", c.IMAP.DryRun)
	}
	return nil
}

// exportSelection resolves --id and --query into a list of message ids,
// without duplicates and in the order given.
func exportSelection(ctx context.Context, c config.Config) ([]model.ID, error) {
	seen := make(map[string]bool)
	var ids []model.ID
	add := func(s string) error {
		id, err := model.ParseID(s)
		if err != nil {
			return err
		}
		if key := id.String(); !seen[key] {
			seen[key] = true
			ids = append(ids, id)
		}
		return nil
	}
	for _, s := range exportIDs {
		if err := add(s); err != nil {
			return nil, err
		}
	}
	if exportQuery == "" {
		return ids, nil
	}

	backend, err := newSearchBackend(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("open search backend: %w", err)
	}
	defer backend.Close()
	err = search.All(ctx, backend, c.Search.Index, search.Query{Text: exportQuery, Limit: 100}, func(res *search.Result) error {
		for _, hit := range res.Hits {
			if err := add(hit.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("export selection", "query", exportQuery, "messages", len(ids))
	return ids, nil
}

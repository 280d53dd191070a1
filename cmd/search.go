package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
)

var (
	searchOffset         int
	searchLimit          int
	searchHasAttachments bool
	searchAll            bool
	searchJSON           bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Query the search index",
	Long: `Query the search index. Without --all one page is printed; with --all every
hit is paged through. --json prints one document per line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := search.Query{
			Text:   strings.Join(args, " "),
			Offset: searchOffset,
			Limit:  searchLimit,
			Filter: search.Filter{HasAttachments: searchHasAttachments},
		}
		return runSearch(cmd.Context(), q, os.Stdout)
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "Number of hits to skip")
	searchCmd.Flags().IntVar(&searchLimit, "limit", search.DefaultLimit, "Hits per page")
	searchCmd.Flags().BoolVar(&searchHasAttachments, "has-attachments", false, "Only messages with attachments")
	searchCmd.Flags().BoolVar(&searchAll, "all", false, "Page through every hit")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Print hits as JSON lines")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(ctx context.Context, q search.Query, out io.Writer) error {
	backend, err := newSearchBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open search backend: %w", err)
	}
	defer backend.Close()

	emit := func(res *search.Result) error {
		if searchJSON {
			enc := json.NewEncoder(out)
			for _, hit := range res.Hits {
				if err := enc.Encode(hit); err != nil {
					return err
				}
			}
			return nil
		}
		return printHits(out, res)
	}

	if searchAll {
		return search.All(ctx, backend, cfg.Search.Index, q, emit)
	}
	res, err := backend.Search(ctx, cfg.Search.Index, q)
	if err != nil {
		return err
	}
	if err := emit(res); err != nil {
		return err
	}
	if !searchJSON {
		from := min(res.Offset+1, res.Total)
		fmt.Fprintf(out, "Showing %s-%s of %s hits\n", humanize.Comma(int64(from)),
			humanize.Comma(int64(res.Offset+len(res.Hits))), humanize.Comma(int64(res.Total)))
	}
	return nil
}

func printHits(out io.Writer, res *search.Result) error {
	if len(res.Hits) == 0 {
		return nil
	}
	rows := pterm.TableData{{"ID", "Date", "From", "Subject", "Att."}}
	for _, hit := range res.Hits {
		rows = append(rows, []string{hit.ID, hitDate(hit), hit.Sender.String(), truncate(hit.Subject, 60), attachmentMark(hit)})
	}
	text, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, text)
	return err
}

func hitDate(d model.Document) string {
	t := d.DeliveryTime
	if t.IsZero() {
		t = d.SendTime
	}
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func attachmentMark(d model.Document) string {
	if !d.HasAttachments {
		return ""
	}
	return fmt.Sprintf("%d", len(d.Attachments))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

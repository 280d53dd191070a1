package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/pst-index/config"
	"github.com/dhcgn/pst-index/filter"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/stats"
	"github.com/dhcgn/pst-index/walker"
)

var (
	reportDir string
	topN      int
)

const (
	categoryFrom   = "From"
	categoryTo     = "To"
	categoryFolder = "Folder"
)

var categories = []string{categoryFrom, categoryTo, categoryFolder}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Analyse the archive and show statistics",
	Long: `Walk the archive without reading bodies and count messages per sender,
recipient and folder. The top entries are printed and CSV reports are saved.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireArchive(); err != nil {
			return err
		}
		return runStats(cmd.Context(), cfg)
	},
}

func init() {
	config.RegisterArchiveFlags(statsCmd)
	statsCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	statsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	rootCmd.AddCommand(statsCmd)
}

// archiveCounter tallies messages per category while the walk runs.
type archiveCounter struct {
	mu       sync.Mutex
	counts   map[string]map[string]int
	folders  map[string]string
	messages int
	failed   int
}

func newArchiveCounter() *archiveCounter {
	c := &archiveCounter{counts: make(map[string]map[string]int), folders: make(map[string]string)}
	for _, cat := range categories {
		c.counts[cat] = make(map[string]int)
	}
	return c
}

func (c *archiveCounter) folder(ids []uint32, path string) {
	if path == "" {
		path = "(root)"
	}
	c.mu.Lock()
	c.folders[model.ID(ids).String()] = path
	c.mu.Unlock()
}

func (c *archiveCounter) add(env model.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env.Document == nil {
		c.failed++
		return
	}
	c.messages++
	doc := env.Document
	if from := doc.Sender.String(); from != "" {
		c.counts[categoryFrom][from]++
	}
	for _, r := range doc.Recipients {
		if to := r.String(); to != "" {
			c.counts[categoryTo][to]++
		}
	}
	folder := model.ID(env.ID.Folders()).String()
	if path, ok := c.folders[folder]; ok {
		folder = path
	}
	c.counts[categoryFolder][folder]++
}

// render formats the current counts.
func (c *archiveCounter) render(w io.Writer, f *filter.Filter, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(w, "Processed %s messages (%s failed)...\n\n", humanize.Comma(int64(c.messages)), humanize.Comma(int64(c.failed)))

	fs := f.Stats()
	if len(fs.IncludePatterns) > 0 {
		fmt.Fprintln(w, "Include Folder Filters:")
		printFilterHits(w, fs.IncludePatterns, fs.Hits)
		fmt.Fprintln(w)
	}
	if len(fs.ExcludePatterns) > 0 {
		fmt.Fprintln(w, "Exclude Folder Filters:")
		printFilterHits(w, fs.ExcludePatterns, fs.Hits)
		fmt.Fprintln(w)
	}

	for _, cat := range categories {
		fmt.Fprintf(w, "Top %d %s:\n", limit, cat)
		stats.PrettyPrintTop(w, c.counts[cat], limit)
		fmt.Fprintln(w)
	}
}

func runStats(ctx context.Context, c config.Config) error {
	folders, err := newFolderFilter(c)
	if err != nil {
		return err
	}
	store, err := openArchive(c.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	pterm.Info.Println("Analyzing archive:", c.Archive)
	counter := newArchiveCounter()
	w := walker.New(store, nil, walker.Options{Filter: folders, OnFolder: counter.folder}, logger)

	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return err
	}
	refresh := func() {
		var sb strings.Builder
		counter.render(&sb, folders, topN)
		area.Update(sb.String())
	}

	entries := make(chan model.Envelope, 256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(entries)
		return w.Walk(gctx, entries)
	})
	g.Go(func() error {
		n := 0
		for env := range entries {
			counter.add(env)
			if n++; n%250 == 0 {
				refresh()
			}
		}
		return nil
	})
	err = g.Wait()
	refresh()
	_ = area.Stop()
	if err != nil {
		return fmt.Errorf("walk archive: %w", err)
	}

	if err := saveCSVReports(counter.counts, categories, reportDir, 1000); err != nil {
		return fmt.Errorf("error saving CSV reports: %w", err)
	}
	pterm.Success.Printf("Reports saved to directory: %s\n", reportDir)
	return nil
}

func saveCSVReports(counter map[string]map[string]int, names []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, name := range names {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeReportName(name)))
		file, err := os.Create(filePath)
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}
		for _, p := range stats.Top(counter[name], limit) {
			if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		if err := writer.Error(); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

func normalizeReportName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, " ", "_")
}

func printFilterHits(w io.Writer, patterns []string, hits map[string]int) {
	sorted := append([]string(nil), patterns...)
	sort.Slice(sorted, func(i, j int) bool {
		if hits[sorted[i]] != hits[sorted[j]] {
			return hits[sorted[i]] > hits[sorted[j]]
		}
		return sorted[i] < sorted[j]
	})
	for _, p := range sorted {
		if n := hits[p]; n > 0 {
			fmt.Fprintf(w, "  ✓ %s: %d hits\n", p, n)
		} else {
			fmt.Fprintf(w, "  ✗ %s: 0 hits\n", p)
		}
	}
}

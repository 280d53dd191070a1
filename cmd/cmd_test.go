package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dhcgn/pst-index/archive/archivetest"
	"github.com/dhcgn/pst-index/config"
	"github.com/dhcgn/pst-index/model"
	"github.com/dhcgn/pst-index/search"
	"github.com/dhcgn/pst-index/state"
	"github.com/dhcgn/pst-index/walker"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	os.Exit(m.Run())
}

const sampleMbox = `From alice@example.com Thu Jan  2 10:00:00 2020
From: Alice <alice@example.com>
To: Bob <bob@example.com>
Subject: Budget review
Date: Thu, 02 Jan 2020 10:00:00 +0100
Content-Type: text/plain; charset=utf-8

The budget is attached.

From bob@example.com Fri Jan  3 11:00:00 2020
From: bob@example.com
To: alice@example.com
Subject: Lunch
Date: Fri, 03 Jan 2020 11:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="XYZ"

--XYZ
Content-Type: text/plain; charset=utf-8

Lunch at noon?
--XYZ
Content-Type: application/pdf
Content-Disposition: attachment; filename="menu.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--XYZ--

`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "mail.mbox")
	if err := os.WriteFile(archivePath, []byte(sampleMbox), 0o644); err != nil {
		t.Fatal(err)
	}
	c := config.Default()
	c.LogLevel = "warn"
	c.Archive = archivePath
	c.Search.Backend = config.BackendSQLite
	c.Search.SQLitePath = filepath.Join(dir, "index", "index.db")
	c.Progress.File = filepath.Join(dir, "progress.csv")
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func TestOpenArchiveByExtension(t *testing.T) {
	c := testConfig(t)
	store, err := openArchive(c.Archive)
	if err != nil {
		t.Fatalf("openArchive(mbox) error = %v", err)
	}
	store.Close()

	if _, err := openArchive(filepath.Join(t.TempDir(), "missing.PST")); err == nil {
		t.Error("opening a missing pst file should fail")
	}
}

func TestIndexThenSearch(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	if err := runIndex(ctx, c); err != nil {
		t.Fatalf("runIndex() error = %v", err)
	}

	entries, err := (&state.FileBackend{Path: c.Progress.File}).Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]state.Outcome{"1": state.Indexed, "2": state.Indexed}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}

	// A second run finds everything done and changes nothing.
	if err := runIndex(ctx, c); err != nil {
		t.Fatalf("second runIndex() error = %v", err)
	}

	prevJSON := searchJSON
	searchJSON = true
	t.Cleanup(func() { searchJSON = prevJSON })

	var out bytes.Buffer
	if err := runSearch(ctx, search.Query{Text: "lunch"}, &out); err != nil {
		t.Fatalf("runSearch() error = %v", err)
	}
	var doc model.Document
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("output %q: %v", out.String(), err)
	}
	if doc.ID != "2" || !doc.HasAttachments {
		t.Errorf("hit = %+v", doc)
	}
}

func TestRunExportDryRun(t *testing.T) {
	c := testConfig(t)
	c.IMAP.DryRun = true
	attachments := filepath.Join(t.TempDir(), "files")

	prevIDs, prevDir := exportIDs, exportAttachmentsDir
	exportIDs, exportAttachmentsDir = []string{"2", "02"}, attachments
	t.Cleanup(func() { exportIDs, exportAttachmentsDir = prevIDs, prevDir })

	var out bytes.Buffer
	if err := runExport(context.Background(), c, &out); err != nil {
		t.Fatalf("runExport() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("duplicate ids must export once, got %d lines", len(lines))
	}
	var doc model.Document
	if err := json.Unmarshal([]byte(lines[0]), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Subject != "Lunch" || doc.Body == nil {
		t.Errorf("exported document = %+v", doc)
	}
	data, err := os.ReadFile(filepath.Join(attachments, "menu.pdf"))
	if err != nil || !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Errorf("attachment = %q, %v", data, err)
	}
}

func TestRunExportUnknownID(t *testing.T) {
	c := testConfig(t)
	prev := exportIDs
	exportIDs = []string{"9"}
	t.Cleanup(func() { exportIDs = prev })
	if err := runExport(context.Background(), c, io.Discard); err == nil {
		t.Error("exporting a missing message should fail")
	}
}

func TestArchiveCounter(t *testing.T) {
	a := archivetest.NewMessage(1, "one")
	a.Recipients = []model.Agent{model.NewAgent("Bob", "bob@example.com")}
	b := archivetest.NewMessage(2, "two")
	b.SenderName, b.SenderEmail = "", "alice@example.com"
	inbox := archivetest.NewFolder(7, "Inbox").AddMessages(a, b)
	store := archivetest.NewStore(archivetest.NewFolder(0, "").Add(inbox))

	counter := newArchiveCounter()
	w := walker.New(store, nil, walker.Options{OnFolder: counter.folder}, logger)
	entries := make(chan model.Envelope, 8)
	if err := w.Walk(context.Background(), entries); err != nil {
		t.Fatal(err)
	}
	close(entries)
	for env := range entries {
		counter.add(env)
	}

	want := map[string]map[string]int{
		categoryFrom:   {"Sender <sender@example.com>": 1, "alice@example.com": 1},
		categoryTo:     {"Bob <bob@example.com>": 1},
		categoryFolder: {"Inbox": 2},
	}
	if diff := cmp.Diff(want, counter.counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}

	var sb strings.Builder
	counter.render(&sb, nil, 1)
	if !strings.Contains(sb.String(), "Processed 2 messages") || !strings.Contains(sb.String(), "1. Inbox (2)") {
		t.Errorf("render = %q", sb.String())
	}
}

func TestSaveCSVReports(t *testing.T) {
	dir := t.TempDir()
	counts := map[string]map[string]int{
		categoryFrom: {"a@example.com": 3, "b@example.com": 5},
	}
	if err := saveCSVReports(counts, []string{categoryFrom}, dir, 1); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(filepath.Join(dir, "report_from.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"Value", "Count"}, {"b@example.com", "5"}}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 6); got != "héllo…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

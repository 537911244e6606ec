package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/archive"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/orchestrator"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/progress"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/session"
)

// ErrJobUnsuccessful is returned when a one-shot job does not complete.
var ErrJobUnsuccessful = errors.New("job did not complete")

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one crawl job in the foreground",
		Long: `Run crawls one document category for a date range and writes the
resulting bundles to the output directory.

Interrupting the command cancels the job; files already downloaded are
still packaged into a bundle flagged partial.

Examples:
  # Download purchase invoices for the first quarter
  TAXCRAWL_TOKEN=... taxcrawl run --category invoice --from 01/01/2024 --to 31/03/2024 -o ./out

  # Pin the job to one proxy
  taxcrawl run -t notice --from 2024-01-01 --to 2024-06-30 --proxy socks5://127.0.0.1:1080`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	cmd.Flags().StringP("category", "t", "", "Document category (invoice, tax_return, notice, payment_receipt)")
	cmd.Flags().String("from", "", "Range start, dd/mm/yyyy or yyyy-mm-dd")
	cmd.Flags().String("to", "", "Range end, inclusive")
	cmd.Flags().String("proxy", "", "Pin every call to this proxy URL, or \"direct\"")
	cmd.Flags().String("token", "", "Bearer token (default $TAXCRAWL_TOKEN)")
	cmd.Flags().StringArray("cookie", nil, "Session cookie as name=value (repeatable)")
	cmd.Flags().StringP("output", "o", ".", "Directory the bundles are written to")
	cmd.Flags().Bool("no-progress", false, "Do not draw a progress bar")
	cmd.Flags().Bool("json", false, "Print the final job record as JSON")

	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func parseCookies(raw []string) ([]*http.Cookie, error) {
	cookies := make([]*http.Cookie, 0, len(raw))
	for _, r := range raw {
		name, value, ok := strings.Cut(r, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid cookie %q: expected name=value", r)
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	return cookies, nil
}

// buildRequest reads the job request from the flags of cmd.
func buildRequest(cmd *cobra.Command) (orchestrator.Request, error) {
	var req orchestrator.Request
	flags := cmd.Flags()

	req.Category, _ = flags.GetString("category")
	req.ProxyIdentity, _ = flags.GetString("proxy")

	from, _ := flags.GetString("from")
	to, _ := flags.GetString("to")
	var err error
	if req.RangeStart, err = partition.ParseDate(from); err != nil {
		return req, fmt.Errorf("--from: %w", err)
	}
	if req.RangeEnd, err = partition.ParseDate(to); err != nil {
		return req, fmt.Errorf("--to: %w", err)
	}

	token, _ := flags.GetString("token")
	if token == "" {
		token = os.Getenv("TAXCRAWL_TOKEN")
	}
	raw, _ := flags.GetStringArray("cookie")
	cookies, err := parseCookies(raw)
	if err != nil {
		return req, err
	}
	req.Credentials = session.Credentials{Token: token, Cookies: cookies}
	return req, nil
}

func runRunCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req, err := buildRequest(cmd)
	if err != nil {
		return err
	}
	output, _ := cmd.Flags().GetString("output")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing backends failed")
		}
	}()
	// This process is its own caller; an interrupt is the cancellation.
	reg.Settings.Monitor.HeartbeatTimeout = 0

	var sinks []progress.Sink
	if !noProgress {
		bar := newBarSink(cmd.ErrOrStderr())
		defer bar.Close()
		sinks = append(sinks, bar)
	}

	job, err := reg.NewJob(ctx, req, sinks...)
	if err != nil {
		return err
	}
	log.Info().
		Str("job_id", job.ID()).
		Str("category", req.Category).
		Int("partitions", len(job.Partitions())).
		Msg("Job submitted")

	state, err := job.Run(ctx)
	if err != nil {
		return err
	}

	var paths []string
	if state.ManifestID != "" {
		m, err := reg.Manifest(context.WithoutCancel(ctx), state.ManifestID)
		if err != nil {
			return err
		}
		if paths, err = exportBundles(context.WithoutCancel(ctx), reg.Archiver(), m, output); err != nil {
			return err
		}
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(state); err != nil {
			return err
		}
	} else {
		printSummary(cmd.OutOrStdout(), state, paths)
	}

	if state.Status != jobstore.StatusCompleted {
		return fmt.Errorf("%w: %s (%s)", ErrJobUnsuccessful, state.Status, state.Error)
	}
	return nil
}

// exportBundles copies every bundle of m into dir and returns the paths.
func exportBundles(ctx context.Context, b *archive.Builder, m *archive.Manifest, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	paths := make([]string, 0, len(m.Bundles))
	for _, bundle := range m.Bundles {
		path := filepath.Join(dir, bundle.Name)
		if err := copyBundle(ctx, b, bundle.Key, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func copyBundle(ctx context.Context, b *archive.Builder, key, path string) error {
	r, _, err := b.Open(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func printSummary(w io.Writer, s *jobstore.JobState, paths []string) {
	fmt.Fprintf(w, "Job %s %s\n", s.JobID, s.Status)
	fmt.Fprintf(w, "  requested:  %d\n", s.Requested)
	fmt.Fprintf(w, "  downloaded: %d\n", s.Downloaded)
	fmt.Fprintf(w, "  skipped:    %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed:     %d\n", s.Failed)
	if s.Partial {
		fmt.Fprintln(w, "  archive is partial")
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Error)
	}
	for _, p := range paths {
		fmt.Fprintf(w, "  bundle: %s\n", p)
	}
}

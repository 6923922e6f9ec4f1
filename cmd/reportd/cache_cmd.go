package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/agentuity/go-reportcache/report"
	"github.com/agentuity/go-reportcache/tui"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the report cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		stats, err := a.cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, tui.Title("Report cache"))
		breaker := stats.Breaker.String()
		if breaker != "CLOSED" {
			breaker = tui.Warning(breaker)
		}
		tui.KeyValues(out, [][2]string{
			{"Enabled", strconv.FormatBool(stats.Enabled)},
			{"Entries", fmt.Sprintf("%d (%d valid)", stats.TotalEntries, stats.ValidEntries)},
			{"Size", stats.FormattedSize()},
			{"Average hits", fmt.Sprintf("%.2f", stats.AverageHitCount)},
			{"Hit rate", fmt.Sprintf("%.1f%%", stats.HitRate()*100)},
			{"Fast tier", humanize.Comma(int64(stats.FastTierSize))},
			{"Durable tier", breaker},
		})
		kinds := make([]string, 0, len(stats.ByKind))
		for kind := range stats.ByKind {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		rows := make([][]string, 0, len(kinds))
		for _, kind := range kinds {
			rows = append(rows, []string{kind, humanize.Comma(stats.ByKind[report.Kind(kind)])})
		}
		if len(rows) > 0 {
			tui.Table(out, []string{"KIND", "VALID ENTRIES"}, rows)
		}
		return nil
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the cached reports of an owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerFlag, _ := cmd.Flags().GetString("owner")
		owner, err := parseOwner(ownerFlag)
		if err != nil {
			return err
		}
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		entries, err := a.cache.ListOwner(cmd.Context(), owner)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			expires := tui.Muted("never")
			if !e.ExpiresAt.IsZero() {
				expires = humanize.Time(e.ExpiresAt)
			}
			rows = append(rows, []string{
				shortID(e.Fingerprint),
				string(e.ReportKind),
				string(e.OutputFormat),
				string(e.Status),
				humanize.IBytes(uint64(e.SizeBytes)),
				strconv.FormatInt(e.HitCount, 10),
				humanize.Time(e.LastAccessTime),
				expires,
			})
		}
		tui.Table(cmd.OutOrStdout(), []string{"FINGERPRINT", "KIND", "FORMAT", "STATUS", "SIZE", "HITS", "LAST USED", "EXPIRES"}, rows)
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate cache entries by fingerprint, owner or kind",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fingerprint, _ := cmd.Flags().GetString("fingerprint")
		ownerFlag, _ := cmd.Flags().GetString("owner")
		kind, _ := cmd.Flags().GetString("kind")
		set := 0
		for _, v := range []string{fingerprint, ownerFlag, kind} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return errors.New("exactly one of --fingerprint, --owner or --kind is required")
		}
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()
		var n int
		switch {
		case fingerprint != "":
			n = a.cache.Invalidate(ctx, fingerprint)
		case ownerFlag != "":
			owner, err := parseOwner(ownerFlag)
			if err != nil {
				return err
			}
			n = a.cache.InvalidateOwner(ctx, owner)
		default:
			n = a.cache.InvalidateKind(ctx, report.Kind(kind))
		}
		tui.ShowSuccess(cmd.OutOrStdout(), "invalidated %d entries", n)
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one janitor sweep now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		r := a.janitor.Sweep(cmd.Context())
		tui.KeyValues(cmd.OutOrStdout(), [][2]string{
			{"Expired", strconv.Itoa(r.Expired)},
			{"Unused", strconv.Itoa(r.Unused)},
			{"Fast tier pruned", strconv.Itoa(r.FastPruned)},
			{"Rows pruned", strconv.Itoa(r.Pruned)},
			{"Over budget", strconv.Itoa(r.OverBudget)},
			{"Took", r.Duration.Round(time.Millisecond).String()},
		})
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a report through the cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerFlag, _ := cmd.Flags().GetString("owner")
		owner, err := parseOwner(ownerFlag)
		if err != nil {
			return err
		}
		req, err := requestFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		res, err := a.newGenerator().Generate(cmd.Context(), owner, req)
		if err != nil {
			return err
		}
		source := "rendered"
		if res.Cached {
			source = "cache hit"
		}
		tui.ShowSuccess(cmd.OutOrStdout(), "%s (%s, fingerprint %s)", res.Location, source, res.Fingerprint)
		return nil
	},
}

// requestFromFlags reads --kind, --format, --template, --genre and --publisher.
func requestFromFlags(cmd *cobra.Command) (report.Request, error) {
	kind, _ := cmd.Flags().GetString("kind")
	format, _ := cmd.Flags().GetString("format")
	template, _ := cmd.Flags().GetString("template")
	genre, _ := cmd.Flags().GetString("genre")
	publisher, _ := cmd.Flags().GetString("publisher")
	if kind == "" {
		return report.Request{}, errors.New("--kind is required")
	}
	req := report.Request{
		Kind:        report.Kind(kind).Normalize(),
		Format:      report.Format(format).Normalize(),
		TemplateRef: template,
	}
	if genre != "" || publisher != "" {
		req.Filters = &report.Filters{Genre: genre, Publisher: publisher}
	}
	return req, nil
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().String("kind", "", "report kind, e.g. BOOK_LIST")
	cmd.Flags().String("format", string(report.FormatPDF), "output format, PDF or EXCEL")
	cmd.Flags().String("template", "", "template reference")
	cmd.Flags().String("genre", "", "genre filter")
	cmd.Flags().String("publisher", "", "publisher filter")
}

func init() {
	cacheListCmd.Flags().String("owner", "", "owner: system, user:<id> or a user id")
	cacheInvalidateCmd.Flags().String("fingerprint", "", "fingerprint to invalidate")
	cacheInvalidateCmd.Flags().String("owner", "", "invalidate every entry of this owner")
	cacheInvalidateCmd.Flags().String("kind", "", "invalidate every entry of this report kind")
	generateCmd.Flags().String("owner", "", "owner: system, user:<id> or a user id")
	addRequestFlags(generateCmd)

	cacheCmd.AddCommand(cacheStatsCmd, cacheListCmd, cacheInvalidateCmd, cacheSweepCmd)
	rootCmd.AddCommand(cacheCmd, generateCmd)
}

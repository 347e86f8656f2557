package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"disputable-values-monitor/internal/storage"
)

type reportLister interface {
	ListRecentReports(ctx context.Context, limit int) ([]storage.ReportRecord, error)
}

type alertLister interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error)
}

// Show prints recent report rows, or recent alert emissions with --alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		return a.showAlerts(ctx, store, opts.Limit)
	}
	return a.showReports(ctx, store, opts.Limit)
}

func (a *App) showReports(ctx context.Context, store reportLister, limit int) error {
	reports, err := store.ListRecentReports(ctx, limit)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(os.Stdout, "no reports found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChain\tType\tAsset\tValue\tDisputable\tStatus\tTx")

	for _, rec := range reports {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ReportedAt.UTC().Format(time.RFC3339),
			rec.ChainID,
			rec.QueryType,
			rec.Asset,
			formatDecimal(rec.Value, 6),
			formatDisputable(rec.Disputable),
			sanitizeInline(rec.Status),
			rec.TxHash,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showAlerts(ctx context.Context, store alertLister, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tChain\tChannels\tSubject")

	for _, rec := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Source,
			rec.ChainID,
			strings.Join(rec.Channels, ","),
			sanitizeInline(rec.Subject),
		)
	}

	writer.Flush()
	return nil
}

func formatDisputable(v *bool) string {
	if v == nil {
		return "unknown"
	}
	if *v {
		return "yes"
	}
	return "no"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

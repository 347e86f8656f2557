package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"disputable-values-monitor/internal/storage"
)

// Export renders historical report data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Monitor.Wait)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	reports, err := store.ListReportsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		a.Logger.Info().Msg("no reports found for export window")
		return nil
	}

	downsampled := downsampleReports(reports, opts.MaxPoints)
	a.Logger.Info().Int("total", len(reports)).Int("exported", len(downsampled)).Msg("exporting reports")

	if opts.CSVPath != "" {
		if err := writeReportsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReportsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleReports(reports []storage.ReportRecord, max int) []storage.ReportRecord {
	if max <= 0 || len(reports) <= max {
		return reports
	}

	result := make([]storage.ReportRecord, 0, max)
	step := float64(len(reports)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(reports) {
			idx = len(reports) - 1
		}
		result = append(result, reports[idx])
	}
	return result
}

func writeReportsCSV(path string, reports []storage.ReportRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"reported_at", "chain_id", "query_type", "asset", "currency", "value", "reporter", "disputable", "status", "tx_link"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range reports {
		record := []string{
			rec.ReportedAt.UTC().Format(time.RFC3339),
			strconv.FormatUint(rec.ChainID, 10),
			rec.QueryType,
			rec.Asset,
			rec.Currency,
			rec.Value.String(),
			rec.Reporter,
			formatDisputable(rec.Disputable),
			rec.Status,
			rec.Link,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeReportsPNG(path string, reports []storage.ReportRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(reports))
	values := make([]float64, len(reports))
	disputable := make([]float64, len(reports))

	for i, rec := range reports {
		x[i] = rec.ReportedAt
		values[i] = rec.Value.InexactFloat64()
		if rec.Disputable != nil && *rec.Disputable {
			disputable[i] = 1
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Reported value",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Disputable",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Reported",
				XValues: x,
				YValues: values,
			},
			chart.TimeSeries{
				Name:    "Disputable",
				XValues: x,
				YValues: disputable,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

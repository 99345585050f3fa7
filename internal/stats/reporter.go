package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/transport"
	"webtraffic-generator/pkg/types"
)

// Reporter outputs statistics to console and/or files.
type Reporter struct {
	collector   *Collector
	intervalSec int
	exportFile  string
	csvFile     string
	out         io.Writer
}

// NewReporter creates a new statistics reporter.
func NewReporter(collector *Collector, intervalSec int, exportFile, csvFile string) *Reporter {
	return &Reporter{
		collector:   collector,
		intervalSec: intervalSec,
		exportFile:  exportFile,
		csvFile:     csvFile,
		out:         os.Stdout,
	}
}

// SetOutput redirects console output.
func (r *Reporter) SetOutput(w io.Writer) {
	r.out = w
}

// StartPeriodicReport begins periodic statistics reporting in a goroutine.
func (r *Reporter) StartPeriodicReport(ctx context.Context) {
	if r.intervalSec <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Duration(r.intervalSec) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprintln(r.out, r.FormatReport())
			}
		}
	}()
}

// ScheduleReports prints a report every interval of loop time up to until.
// It is the virtual-time counterpart of StartPeriodicReport.
func (r *Reporter) ScheduleReports(loop transport.Loop, until time.Duration) {
	if r.intervalSec <= 0 {
		return
	}
	interval := time.Duration(r.intervalSec) * time.Second
	var tick func()
	tick = func() {
		fmt.Fprintln(r.out, r.FormatReport())
		if loop.Now()+interval <= until {
			loop.AfterFunc(interval, tick)
		}
	}
	if interval <= until {
		loop.AfterFunc(interval, tick)
	}
}

// PrintFinalReport prints the final statistics summary.
func (r *Reporter) PrintFinalReport() {
	r.collector.Finish()
	fmt.Fprintln(r.out, r.FormatReport())
}

// PrintSummaryTable prints per-role fetch statistics as a table.
func (r *Reporter) PrintSummaryTable() {
	snap := r.collector.Snapshot()

	table := tablewriter.NewTable(r.out,
		tablewriter.WithHeader([]string{
			"Role", "Requests", "Completed", "Failed",
			"Bytes Requested", "Bytes Received",
			"Fetch Avg(ms)", "Fetch P99(ms)",
		}),
	)

	for _, role := range []types.Role{types.RolePrimary, types.RoleSecondary} {
		s, ok := snap.Roles[role.String()]
		if !ok {
			continue
		}
		_, avg, _, p99 := snap.FetchTimeStats(role)
		table.Append([]string{
			role.String(),
			fmt.Sprintf("%d", s.RequestsSent),
			fmt.Sprintf("%d", s.Completed),
			fmt.Sprintf("%d", s.Failed),
			fmt.Sprintf("%d", s.ResponseBytes),
			fmt.Sprintf("%d", s.BytesReceived),
			fmt.Sprintf("%.2f", ms(avg)),
			fmt.Sprintf("%.2f", ms(p99)),
		})
	}

	table.Render()
}

// ExportJSON exports statistics to a JSON file.
func (r *Reporter) ExportJSON() error {
	if r.exportFile == "" {
		return nil
	}

	snap := r.collector.Snapshot()
	min, avg, max, p99 := snap.PageTimeStats()

	export := map[string]interface{}{
		"start_time":   snap.StartTime.Format(time.RFC3339),
		"duration_sec": snap.Duration().Seconds(),
		"roles":        map[string]interface{}{},
		"sessions": map[string]interface{}{
			"started":  snap.SessionsStarted,
			"finished": snap.SessionsFinished,
		},
		"pages": map[string]interface{}{
			"completed": snap.Pages,
			"objects":   snap.PageObjects,
		},
		"server": map[string]interface{}{
			"accepted":        snap.ServerAccepted,
			"rx_bytes":        snap.ServerRx,
			"responses":       snap.ServerResponses,
			"protocol_errors": snap.ServerProtocolErrors,
		},
		"page_times_ms": map[string]interface{}{
			"min": ms(min),
			"avg": ms(avg),
			"max": ms(max),
			"p99": ms(p99),
		},
	}

	duration := snap.Duration().Seconds()
	if duration > 0 {
		export["throughput_bytes_per_sec"] = float64(snap.TotalBytesReceived()) / duration
	}

	roles := export["roles"].(map[string]interface{})
	for name, s := range snap.Roles {
		roles[name] = map[string]interface{}{
			"requests":       s.RequestsSent,
			"request_bytes":  s.RequestBytes,
			"response_bytes": s.ResponseBytes,
			"bytes_received": s.BytesReceived,
			"completed":      s.Completed,
			"failed":         s.Failed,
		}
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats JSON: %w", err)
	}

	if err := os.WriteFile(r.exportFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write stats file %s: %w", r.exportFile, err)
	}

	log.WithField("file", r.exportFile).Info("Statistics exported to JSON")
	return nil
}

// ExportCSV appends every page record to the CSV file, or prints them to the
// console when no file is configured.
func (r *Reporter) ExportCSV() error {
	records := r.collector.Snapshot().Records

	if r.csvFile == "" {
		for _, rec := range records {
			fmt.Fprintf(r.out, "Request Start Time,%f,Request Execution Time,%f\n",
				rec.RequestStart, rec.RequestExecutionTime)
		}
		return nil
	}

	f, err := os.OpenFile(r.csvFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open CSV file %s: %w", r.csvFile, err)
	}
	defer f.Close()

	if err := WriteCSV(f, records); err != nil {
		return fmt.Errorf("failed to write CSV file %s: %w", r.csvFile, err)
	}

	log.WithFields(log.Fields{
		"file":    r.csvFile,
		"records": len(records),
	}).Info("Page records appended to CSV")
	return nil
}

// WriteCSV writes one "requestStart,requestExecutionTime" line per record.
func WriteCSV(w io.Writer, records []types.RequestRecord) error {
	for _, rec := range records {
		if _, err := fmt.Fprintf(w, "%f,%f\n", rec.RequestStart, rec.RequestExecutionTime); err != nil {
			return err
		}
	}
	return nil
}

// FormatReport generates a formatted statistics report string.
func (r *Reporter) FormatReport() string {
	snap := r.collector.Snapshot()
	elapsed := snap.Duration()
	min, avg, max, p99 := snap.PageTimeStats()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n=== Web Traffic Statistics (elapsed: %s) ===\n", elapsed.Round(time.Millisecond)))
	sb.WriteString("Fetches:\n")

	// Sort roles for consistent output
	names := make([]string, 0, len(snap.Roles))
	for name := range snap.Roles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := snap.Roles[name]
		sb.WriteString(fmt.Sprintf("  %-12s sent=%-6d done=%-6d fail=%-6d rx=%d bytes\n",
			name+":", s.RequestsSent, s.Completed, s.Failed, s.BytesReceived))
	}

	sb.WriteString("Sessions:\n")
	sb.WriteString(fmt.Sprintf("  Started: %d  |  Finished: %d  |  Pages: %d  |  Objects: %d\n",
		snap.SessionsStarted, snap.SessionsFinished, snap.Pages, snap.PageObjects))

	if snap.ServerAccepted > 0 {
		sb.WriteString("Servers:\n")
		sb.WriteString(fmt.Sprintf("  Accepted: %d  |  Responses: %d  |  Rx: %d bytes  |  Protocol errors: %d\n",
			snap.ServerAccepted, snap.ServerResponses, snap.ServerRx, snap.ServerProtocolErrors))
	}

	if len(snap.Records) > 0 {
		sb.WriteString("Page Times:\n")
		sb.WriteString(fmt.Sprintf("  Min: %s  |  Avg: %s  |  Max: %s  |  P99: %s\n",
			min.Round(time.Microsecond), avg.Round(time.Microsecond),
			max.Round(time.Microsecond), p99.Round(time.Microsecond)))
	}

	if elapsed.Seconds() > 0 {
		sb.WriteString("Throughput:\n")
		sb.WriteString(fmt.Sprintf("  %.1f pages/s  |  %.1f KB/s\n",
			float64(snap.Pages)/elapsed.Seconds(),
			float64(snap.TotalBytesReceived())/1024/elapsed.Seconds()))
	}

	sb.WriteString("================================================\n")
	return sb.String()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blesync/internal/scanner"
	"github.com/srg/blesync/internal/scheduler"
	"github.com/srg/blesync/internal/session"
)

// reportPrinter writes one line per finished session and a closing summary.
type reportPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	ok     *color.Color
	failed *color.Color
	faint  *color.Color
}

func newReportPrinter(w io.Writer) *reportPrinter {
	return &reportPrinter{
		w:      w,
		ok:     color.New(color.FgGreen, color.Bold),
		failed: color.New(color.FgRed, color.Bold),
		faint:  color.New(color.Faint),
	}
}

func (p *reportPrinter) Print(r session.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := p.ok.Sprint("OK    ")
	if !r.OK() {
		status = p.failed.Sprint("FAILED")
	}
	device := r.DeviceID
	if device != r.Address {
		device = fmt.Sprintf("%s (%s)", r.DeviceID, r.Address)
	}
	fmt.Fprintf(p.w, "%s %s: %d records, %d published in %s",
		status, device, r.Stats.Datasets, r.Stats.Published, r.Elapsed.Round(time.Millisecond))
	if r.Calibration {
		fmt.Fprint(p.w, p.faint.Sprint(" [calibration]"))
	}
	if r.Err != nil {
		fmt.Fprint(p.w, p.faint.Sprintf(" (%v)", r.Err))
	}
	fmt.Fprintln(p.w)
}

// Discovered prints a line for a sensor seen for the first time; repeat sightings are only logged.
func (p *reportPrinter) Discovered(ev scanner.Event) {
	if ev.Type != scanner.EventNew {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	label := ev.Address
	if ev.Name != "" {
		label = fmt.Sprintf("%s (%s)", ev.Name, ev.Address)
	}
	fmt.Fprintf(p.w, "%s %s %s\n", p.faint.Sprint("FOUND "), label, p.faint.Sprintf("%d dBm", ev.RSSI))
}

// Sensors prints every sensor seen during the run.
func (p *reportPrinter) Sensors(known []scanner.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addresses := make([]string, 0, len(known))
	for _, ev := range known {
		addresses = append(addresses, ev.Address)
	}
	fmt.Fprintf(p.w, "Sensors seen: %d", len(known))
	if len(addresses) > 0 {
		fmt.Fprintf(p.w, " (%s)", strings.Join(addresses, ", "))
	}
	fmt.Fprintln(p.w)
}

// Summary prints the session counters and the failed devices among the recent reports.
func (p *reportPrinter) Summary(m scheduler.Metrics, recent []session.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "Sessions: %s, %s\n",
		p.ok.Sprintf("%d closed", m.SessionsClosed),
		p.failed.Sprintf("%d failed", m.SessionsFailed))
	if failed := failedDevices(recent); len(failed) > 0 {
		fmt.Fprintf(p.w, "Failed devices: %s\n", strings.Join(failed, ", "))
	}
}

// failedDevices lists the addresses of failed sessions, once each, in report order.
func failedDevices(reports []session.Report) []string {
	var out []string
	for _, r := range reports {
		if !r.OK() && !slices.Contains(out, r.Address) {
			out = append(out, r.Address)
		}
	}
	return out
}

// recentReports drains the scheduler's report history.
func recentReports(gw *gateway) []session.Report {
	reports, err := gw.scheduler.ConsumeReports()
	if err != nil {
		gw.logger.WithError(err).Warn("Session history incomplete")
	}
	return reports
}

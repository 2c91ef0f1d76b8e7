package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/szsz/endless-pools-controller/aggregate"
	"github.com/szsz/endless-pools-controller/config"
)

// dashboard renders the console layout when a compatible terminal is
// available: a stats block, the aggregated row table (newest at the bottom,
// open row highlighted) and a system log pane.
type dashboard struct {
	app         *tview.Application
	statsView   *tview.TextView
	rowTable    *tview.Table
	systemView  *tview.TextView
	loc         *time.Location
	colors      bool
	maxSystem   int
	systemLines []string
	systemMu    sync.Mutex
	events      chan string
	quit        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	ready       chan struct{}
}

var rowColumns = []string{"#", "Count", "Time", "Port", "Msg", "Op", "Command", "Param", "Speed", "Pace", "Remaining", "Runtime", "Total"}

func newDashboard(cfg config.UIConfig, loc *time.Location) *dashboard {
	stats := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	stats.SetTextColor(tcell.ColorYellow)

	table := tview.NewTable().SetFixed(1, 0).SetSelectable(false, false)
	table.SetTitle("Log").SetTitleAlign(tview.AlignLeft).SetBorder(true)
	for col, name := range rowColumns {
		table.SetCell(0, col, tview.NewTableCell(name).
			SetTextColor(tcell.ColorAqua).
			SetSelectable(false))
	}

	system := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	system.SetTitle("System").SetTitleAlign(tview.AlignLeft).SetBorder(true)
	system.SetTextColor(tcell.ColorYellow)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stats, 8, 0, false).
		AddItem(table, 0, 3, false).
		AddItem(system, 0, 1, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	ready := make(chan struct{})
	var once sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(ready) })
		return false
	})
	d := &dashboard{
		app:        app,
		statsView:  stats,
		rowTable:   table,
		systemView: system,
		loc:        loc,
		colors:     !cfg.DisableColors,
		maxSystem:  cfg.SystemLines,
		events:     make(chan string, 256),
		quit:       make(chan struct{}),
		ready:      ready,
	}
	if d.maxSystem <= 0 {
		d.maxSystem = 500
	}

	// Dedicated flusher so logging can drop instead of blocking when the UI lags.
	go d.runEventLoop()

	go func() {
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()
	return d
}

func (d *dashboard) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		close(d.quit)
		d.app.Stop()
	})
}

func (d *dashboard) WaitReady() {
	if d == nil {
		return
	}
	select {
	case <-d.ready:
	case <-time.After(5 * time.Second):
	}
}

func (d *dashboard) SetStats(lines []string) {
	if d == nil || d.closed.Load() {
		return
	}
	text := strings.Join(lines, "\n")
	d.app.QueueUpdateDraw(func() {
		d.statsView.SetText(text)
	})
}

// SetRows replaces the table body with rows, oldest first.
func (d *dashboard) SetRows(rows []aggregate.Row) {
	if d == nil || d.closed.Load() {
		return
	}
	cells := make([][]string, len(rows))
	open := make([]bool, len(rows))
	for i := range rows {
		v := rows[i].View(d.loc)
		cells[i] = rowCells(v)
		open[i] = !v.Closed
	}
	d.app.QueueUpdateDraw(func() {
		for r := d.rowTable.GetRowCount() - 1; r > 0; r-- {
			d.rowTable.RemoveRow(r)
		}
		for i, row := range cells {
			color := tcell.ColorWhite
			if open[i] && d.colors {
				color = tcell.ColorGreen
			}
			for col, text := range row {
				d.rowTable.SetCell(i+1, col, tview.NewTableCell(text).SetTextColor(color))
			}
		}
		d.rowTable.ScrollToEnd()
	})
}

func rowCells(v aggregate.View) []string {
	speed := ""
	if v.CurSpeed != "" {
		speed = v.CurSpeed + "/" + v.TgtSpeed
	}
	return []string{
		v.Span(),
		fmt.Sprintf("%d", v.Count),
		v.Time,
		v.Port,
		v.MsgID,
		v.Opcode,
		v.Command,
		v.Param,
		speed,
		v.Pace,
		v.Remaining,
		v.Runtime,
		v.TotalRuntime,
	}
}

// SystemWriter returns the log sink for the system pane.
func (d *dashboard) SystemWriter() io.Writer {
	return systemPaneWriter{d: d}
}

type systemPaneWriter struct {
	d *dashboard
}

func (w systemPaneWriter) Write(p []byte) (int, error) {
	w.d.AppendSystem(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (d *dashboard) AppendSystem(line string) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.events <- line:
	default:
		// Drop on saturation to keep logging non-blocking.
	}
}

func (d *dashboard) runEventLoop() {
	for {
		var line string
		select {
		case <-d.quit:
			return
		case line = <-d.events:
		}
		d.systemMu.Lock()
		d.systemLines = append(d.systemLines, tview.Escape(line))
		if len(d.systemLines) > d.maxSystem {
			d.systemLines = d.systemLines[len(d.systemLines)-d.maxSystem:]
		}
		text := strings.Join(d.systemLines, "\n")
		d.systemMu.Unlock()

		d.app.QueueUpdateDraw(func() {
			d.systemView.SetText(text)
			d.systemView.ScrollToEnd()
		})
	}
}

// Package render draws processing snapshots for the operator.
package render

import (
	"fmt"
	"io"

	tm "github.com/buger/goterm"

	"sleepywoodpecker/rt-serial-plot/internal/processing"
)

const (
	minChartPoints = 2
	minPanelHeight = 4
)

// TerminalSink redraws one line chart per channel in place, stacked top to bottom, with
// time on the x axis. Each chart scales to its own channel so a small signal is not
// flattened by a large one.
type TerminalSink struct {
	Title  string
	Width  int
	Height int
	out    io.Writer
	flush  func()
}

// NewTerminalSink draws to the goterm screen. A zero width or height follows the terminal.
func NewTerminalSink(title string, width, height int) *TerminalSink {
	return &TerminalSink{
		Title:  title,
		Width:  width,
		Height: height,
		out:    tm.Screen,
		flush: func() {
			tm.Flush()
		},
	}
}

// Clear wipes the terminal before the first frame.
func (s *TerminalSink) Clear() {
	tm.Clear()
	tm.MoveCursor(1, 1)
	tm.Flush()
}

func (s *TerminalSink) Render(snapshot processing.Snapshot) (err error) {
	if snapshot.Len() < minChartPoints {
		return nil
	}

	width, height := s.Width, s.Height
	if width <= 0 {
		width = tm.Width()
	}
	if height <= 0 {
		height = tm.Height() - 2
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("[render] terminal size unavailable (%dx%d)", width, height)
	}

	// one line for the sample header, one title line per panel
	panelHeight := (height-1)/len(snapshot.Channels) - 1
	if panelHeight < minPanelHeight {
		return fmt.Errorf("[render] terminal too small for %d charts (%dx%d)", len(snapshot.Channels), width, height)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("[render] chart drawing failed: %v", r)
		}
	}()

	tm.MoveCursor(1, 1)
	fmt.Fprintf(s.out, "%s  (sample %d)\n", s.Title, snapshot.Seq)
	for i, ch := range snapshot.Channels {
		chart := tm.NewLineChart(width, panelHeight)
		chart.Flags = tm.DRAW_RELATIVE

		fmt.Fprintf(s.out, "%s  %.4g\n", ch.Name, ch.Values[len(ch.Values)-1])
		fmt.Fprintln(s.out, chart.Draw(channelTable(snapshot, i)))
	}
	s.flush()

	return nil
}

func channelTable(snapshot processing.Snapshot, channel int) *tm.DataTable {
	data := new(tm.DataTable)
	data.AddColumn("Time")
	data.AddColumn(snapshot.Channels[channel].Name)
	for _, row := range channelRows(snapshot, channel) {
		data.AddRow(row...)
	}
	return data
}

// channelRows pairs every timestamp of one channel with its value.
func channelRows(snapshot processing.Snapshot, channel int) [][]float64 {
	if channel < 0 || channel >= len(snapshot.Channels) {
		return nil
	}
	ch := snapshot.Channels[channel]
	if len(ch.Values) == 0 {
		return nil
	}

	rows := make([][]float64, len(ch.Values))
	for i, v := range ch.Values {
		rows[i] = []float64{ch.Times[i], v}
	}
	return rows
}

package training

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar that renders to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(1.0, float64(pb.current)/float64(pb.total))
	}

	filled := min(pb.width, int(percentage*float64(pb.width)))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64

	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			totalTime := time.Duration(float64(elapsed) / percentage)
			eta = totalTime - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Sorted so repeated renders keep the same layout
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, key := range keys {
		line += fmt.Sprintf(", %s=%.4f", key, pb.metrics[key])
	}

	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

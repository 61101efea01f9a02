package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressBar renders a single-line byte progress bar
type ProgressBar struct {
	out         io.Writer
	total       int64
	current     int64
	description string
	startTime   time.Time
	width       int
	showETA     bool
}

// NewProgressBar creates a new progress bar. A negative total means the size is unknown.
func NewProgressBar(total int64, description string) *ProgressBar {
	return &ProgressBar{
		out:         os.Stdout,
		total:       total,
		description: description,
		startTime:   time.Now(),
		width:       40,
		showETA:     true,
	}
}

// SetOutput redirects rendering, mostly for tests
func (pb *ProgressBar) SetOutput(w io.Writer) {
	pb.out = w
}

// Update sets the transferred and total byte counts and redraws
func (pb *ProgressBar) Update(current, total int64) {
	pb.current = current
	pb.total = total
	pb.render()
}

// SetDescription updates the description
func (pb *ProgressBar) SetDescription(desc string) {
	pb.description = desc
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

// Line returns the text of the bar without the carriage return
func (pb *ProgressBar) Line() string {
	if pb.total <= 0 {
		return fmt.Sprintf("%s %s", pb.description, humanize.IBytes(uint64(max64(pb.current, 0))))
	}

	current := pb.current
	if current > pb.total {
		current = pb.total
	}
	percentage := float64(current) / float64(pb.total) * 100
	filled := int(float64(pb.width) * float64(current) / float64(pb.total))

	bar := strings.Repeat("#", filled) + strings.Repeat("-", pb.width-filled)

	var eta string
	elapsed := time.Since(pb.startTime)
	if pb.showETA && current > 0 && current < pb.total {
		totalTime := time.Duration(float64(elapsed) * float64(pb.total) / float64(current))
		if remaining := totalTime - elapsed; remaining > 0 {
			eta = fmt.Sprintf(" ETA: %v", remaining.Round(time.Second))
		}
	}

	return fmt.Sprintf("%s [%s] %.1f%% (%s/%s)%s",
		pb.description, bar, percentage,
		humanize.IBytes(uint64(current)), humanize.IBytes(uint64(pb.total)), eta)
}

func (pb *ProgressBar) render() {
	fmt.Fprintf(pb.out, "\r%s", pb.Line())
}

// FetchProgress tracks a catalog refresh across many sources
type FetchProgress struct {
	out       io.Writer
	Total     int
	Completed int
	Failed    int
	StartTime time.Time
}

// NewFetchProgress creates a refresh progress tracker
func NewFetchProgress(total int) *FetchProgress {
	return &FetchProgress{
		out:       os.Stdout,
		Total:     total,
		StartTime: time.Now(),
	}
}

// SetOutput redirects rendering
func (fp *FetchProgress) SetOutput(w io.Writer) {
	fp.out = w
}

// Update records the completed count and redraws
func (fp *FetchProgress) Update(completed int) {
	fp.Completed = completed
	fp.Show()
}

// Show displays current progress
func (fp *FetchProgress) Show() {
	if fp.Total <= 0 {
		return
	}
	percentage := float64(fp.Completed) / float64(fp.Total) * 100
	fmt.Fprintf(fp.out, "\rRefreshing sources: %.0f%% (%d/%d)", percentage, fp.Completed, fp.Total)
}

// ShowFinalStats prints a summary once the refresh is over
func (fp *FetchProgress) ShowFinalStats() {
	elapsed := time.Since(fp.StartTime)
	fmt.Fprintln(fp.out)
	fmt.Fprintf(fp.out, "Sources refreshed: %d\n", fp.Completed-fp.Failed)
	if fp.Failed > 0 {
		fmt.Fprintf(fp.out, "Sources failed: %d\n", fp.Failed)
	}
	fmt.Fprintf(fp.out, "Total time: %v\n", elapsed.Round(time.Millisecond))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/irvl/slgt-go/model"
)

// ProgressBar renders a single-line terminal progress bar with running metrics
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

// NewProgressBar creates a new progress bar writing to out.
// A nil writer disables rendering.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		out = io.Discard
	}
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
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// Line formats the current state without the leading carriage return
func (pb *ProgressBar) Line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		fmt.Fprintf(&b, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		fmt.Fprintf(&b, " [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		fmt.Fprintf(&b, ", %.2fbatch/s", rate)
	}

	// sorted so consecutive renders do not reorder
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			fmt.Fprintf(&b, ", %s=%.2f%%", key, value*100)
		} else {
			fmt.Fprintf(&b, ", %s=%.4f", key, value)
		}
	}
	b.WriteString("]")
	return b.String()
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.Line())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ParameterPrinter prints a per-parameter summary of a model
type ParameterPrinter struct {
	modelName string
}

// NewParameterPrinter creates a printer for the named model
func NewParameterPrinter(modelName string) *ParameterPrinter {
	return &ParameterPrinter{modelName: modelName}
}

// Print writes one row per parameter and the totals
func (p *ParameterPrinter) Print(out io.Writer, params []*model.Parameter) {
	fmt.Fprintf(out, "%s(\n", p.modelName)
	for i, param := range params {
		frozen := ""
		if !param.RequiresGrad {
			frozen = " (frozen)"
		}
		fmt.Fprintf(out, "  (%d): %-40s %-16s %s%s\n",
			i, param.Name, formatShape(param.Shape), humanize.Comma(int64(param.NumElements())), frozen)
	}
	fmt.Fprintln(out, ")")

	total, trainable := model.CountParameters(params)
	fmt.Fprintln(out, strings.Repeat("=", 64))
	fmt.Fprintf(out, "Total params: %s\n", humanize.Comma(int64(total)))
	fmt.Fprintf(out, "Trainable params: %s\n", humanize.Comma(int64(trainable)))
	fmt.Fprintf(out, "Non-trainable params: %s\n", humanize.Comma(int64(total-trainable)))
	fmt.Fprintf(out, "Params size (MB): %s\n", humanize.Bytes(uint64(total)*4))
	fmt.Fprintln(out, strings.Repeat("=", 64))
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, s := range shape {
		parts[i] = fmt.Sprint(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

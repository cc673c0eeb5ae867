package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/pulse/internal/loading"
	"github.com/rendis/pulse/pkg/schema"
)

// Palette.
var (
	colorDimmed  = lipgloss.Color("#6b7280")
	colorInfo    = lipgloss.Color("#3b82f6")
	colorRunning = lipgloss.Color("#d97706")
	colorDone    = lipgloss.Color("#16a34a")
	colorFailed  = lipgloss.Color("#dc2626")
	colorNeutral = lipgloss.Color("#9ca3af")
)

var (
	styleDimmed = lipgloss.NewStyle().Foreground(colorDimmed)
	styleKind   = lipgloss.NewStyle().Bold(true)
	styleError  = lipgloss.NewStyle().Foreground(colorFailed).Bold(true)
	styleBarOn  = lipgloss.NewStyle().Foreground(colorDone)
	styleBarOff = lipgloss.NewStyle().Foreground(colorDimmed)
)

const barWidth = 20

func statusColor(status string) lipgloss.Color {
	switch status {
	case "running", "pending", "active":
		return colorRunning
	case "completed":
		return colorDone
	case "failed", "cancelled":
		return colorFailed
	case "paused", "draft", "archived", "skipped":
		return colorNeutral
	default:
		return colorInfo
	}
}

func styleStatus(status string) string {
	return lipgloss.NewStyle().Foreground(statusColor(status)).Render(status)
}

// printer serializes writes from the dispatcher, the loading listener and
// the progress ticker.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.out, line)
}

// formatEvent renders one stream event as a single line.
func formatEvent(ev schema.Event, at time.Time) string {
	ts := styleDimmed.Render(at.Format("15:04:05"))
	seq := styleDimmed.Render(fmt.Sprintf("#%d", ev.Seq))
	kind := styleKind.Render(string(ev.Kind))
	return fmt.Sprintf("%s %s %s %s", ts, seq, kind, summarize(ev.Payload))
}

func summarize(p schema.Payload) string {
	switch v := p.(type) {
	case schema.ConnectionEvent:
		return fmt.Sprintf("subscribed to %s (%s)", v.Scope, v.SubscriptionID)
	case schema.WorkflowUpdate:
		s := "workflow " + v.WorkflowKey
		if v.Name != "" {
			s += fmt.Sprintf(" %q", v.Name)
		}
		if v.Status != "" {
			s += " " + styleStatus(string(v.Status))
		}
		return s
	case schema.RunUpdate:
		s := fmt.Sprintf("run %s %s", v.RunID, styleStatus(string(v.Status)))
		if v.Progress != nil {
			s += fmt.Sprintf(" %.0f%%", loading.ClampProgress(*v.Progress))
		}
		if v.Error != "" {
			s += " " + styleError.Render(v.Error)
		}
		return s
	case schema.NodeUpdate:
		s := fmt.Sprintf("node %s", v.NodeID)
		if v.NodeType != "" {
			s += " (" + v.NodeType + ")"
		}
		s += fmt.Sprintf(" run %s %s", v.RunID, styleStatus(string(v.Status)))
		if v.Error != "" {
			s += " " + styleError.Render(v.Error)
		}
		return s
	case schema.ErrorDescriptor:
		return formatError(v)
	default:
		return ""
	}
}

func formatError(d schema.ErrorDescriptor) string {
	code := d.Code
	if code == "" {
		code = "ERROR"
	}
	return styleError.Render(fmt.Sprintf("%s [%s]", d.Type, code)) + " " + d.Message
}

// formatProjection renders jq output values, one compact JSON document
// per value.
func formatProjection(values []any) []string {
	lines := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			lines = append(lines, s)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			lines = append(lines, fmt.Sprint(v))
			continue
		}
		lines = append(lines, string(b))
	}
	return lines
}

// progressBar renders a fixed-width bar for a 0..100 value.
func progressBar(progress float64) string {
	filled := int(loading.ClampProgress(progress) / 100 * barWidth)
	return styleBarOn.Render(strings.Repeat("█", filled)) +
		styleBarOff.Render(strings.Repeat("░", barWidth-filled))
}

// formatEntry renders one in-flight operation.
func formatEntry(e loading.Entry, now time.Time) string {
	var b strings.Builder
	b.WriteString(styleKind.Render(e.Key))
	if e.Operation != "" {
		b.WriteString(" " + styleDimmed.Render("["+e.Operation+"]"))
	}

	if e.HasProgress {
		fmt.Fprintf(&b, " %s %3.0f%%", progressBar(e.Progress), e.Progress)
	}
	if e.Message != "" {
		b.WriteString(" " + e.Message)
	}

	timing := "elapsed " + e.Elapsed(now).Round(time.Second).String()
	if e.EstimatedDuration > 0 {
		timing += ", ~" + e.Remaining(now).Round(time.Second).String() + " left"
	}
	b.WriteString(" " + styleDimmed.Render("("+timing+")"))
	return b.String()
}

// formatSnapshot renders every entry in key order.
func formatSnapshot(s loading.Snapshot, now time.Time) []string {
	keys := sortedKeys(s)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, formatEntry(s[k], now))
	}
	return lines
}

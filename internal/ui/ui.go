// Package ui renders CLI output: styled messages, a spinner around long
// operations, prompts and operation results.
package ui

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/gitgenie/genie/internal/orchestrator"
)

// Out receives everything this package prints.
var Out io.Writer = os.Stdout

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"})
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#00AA00", Dark: "#00FF00"})
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#CC6600", Dark: "#FFAA00"})
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#CC0000", Dark: "#FF0000"})
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#00AAFF"})
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"})
	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#FFFFFF"})
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"})
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#7D56F4", Dark: "#AD8EE6"}).
			Padding(0, 1)
)

// PrintHeader prints a styled header
func PrintHeader(text string) {
	fmt.Fprintln(Out, headerStyle.Render("  "+text))
}

// PrintSuccess prints a success message with checkmark
func PrintSuccess(text string) {
	fmt.Fprintln(Out, successStyle.Render("✔")+" "+text)
}

// PrintWarning prints a warning message
func PrintWarning(text string) {
	fmt.Fprintln(Out, warnStyle.Render("⚠")+" "+text)
}

// PrintError prints an error message
func PrintError(text string) {
	fmt.Fprintln(Out, errorStyle.Render("✖")+" "+text)
}

// PrintInfo prints an info message
func PrintInfo(text string) {
	fmt.Fprintln(Out, infoStyle.Render("ℹ")+" "+text)
}

// PrintHighlight prints a label and its value.
func PrintHighlight(label, value string) {
	fmt.Fprintln(Out, "  "+labelStyle.Render(label+":")+" "+valueStyle.Render(value))
}

// PrintBox prints content in a rounded box.
func PrintBox(title, content string) {
	if title != "" {
		fmt.Fprintln(Out, headerStyle.Render("  "+title))
	}
	fmt.Fprintln(Out, boxStyle.Render(content))
}

// PrintLogs prints operation log lines, dimmed.
func PrintLogs(lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(Out, dimStyle.Render(strings.Join(lines, "\n")))
}

// RenderResult prints the outcome of run, restart or stop. Logs are shown
// on failure or when verbose is set.
func RenderResult(res orchestrator.Result, err error, verbose bool) {
	if verbose || err != nil {
		PrintLogs(res.Logs)
	}
	if err != nil {
		PrintError(err.Error())
		return
	}
	if !res.Success {
		PrintWarning(res.Message)
		return
	}
	PrintSuccess(res.Message)
	if res.URL != "" {
		PrintHighlight("URL", res.URL)
	}
	if res.BackendPort > 0 {
		PrintHighlight("Backend port", strconv.Itoa(res.BackendPort))
	}
	if res.ProjectPath != "" {
		PrintHighlight("Remote path", res.ProjectPath)
	}
	if len(res.Commands) > 0 {
		PrintBox("Commands", strings.Join(res.Commands, "\n"))
	}
}

// RenderStatus prints a status report.
func RenderStatus(name string, st orchestrator.Status) {
	if !st.IsRunning {
		PrintWarning(name + " is not running")
		PrintHighlight("Remote path", st.ProjectPath)
		return
	}
	PrintSuccess(name + " is running")
	PrintHighlight("PID", strconv.Itoa(st.PID))
	if st.Port > 0 {
		PrintHighlight("Port", strconv.Itoa(st.Port))
	}
	if st.URL != "" {
		PrintHighlight("URL", st.URL)
	}
	PrintHighlight("Remote path", st.ProjectPath)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

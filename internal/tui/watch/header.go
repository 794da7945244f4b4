package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks coordinator health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Tasks         map[string]int
	TestBoxes     map[string]int
	Connected     bool
	LastCheck     time.Time
}

func (h HealthState) inFlightTasks() int {
	return h.Tasks["assigned"] + h.Tasks["running"] + h.Tasks["reporting"]
}

func (h HealthState) busyBoxes() int {
	return h.TestBoxes["assigned"] + h.TestBoxes["running"] + h.TestBoxes["reporting"]
}

func renderHeader(health HealthState, ticker Ticker, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}
	lastSweepStr := "never"
	if !ticker.LastSweep().IsZero() {
		lastSweepStr = fmt.Sprintf("%s ago", now.Sub(ticker.LastSweep()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" TESTMANAGER WATCH %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	taskLine := fmt.Sprintf(" %s  up %s  Tasks: %s pending  %s in flight  %s done  %s failed  %s timed out",
		statusText, uptime,
		theme.StatusQueued.Render(fmt.Sprint(health.Tasks["pending"])),
		theme.StatusRunning.Render(fmt.Sprint(health.inFlightTasks())),
		theme.StatusOK.Render(fmt.Sprint(health.Tasks["done"])),
		theme.StatusFailed.Render(fmt.Sprint(health.Tasks["failed"])),
		theme.StatusFailed.Render(fmt.Sprint(health.Tasks["timed_out"])),
	)
	boxLine := fmt.Sprintf(" Testboxes: %d idle  %d busy  %d disabled   Last sweep: %s   Last event: %s %s",
		health.TestBoxes["idle"], health.busyBoxes(), health.TestBoxes["disabled"],
		lastSweepStr, lastEventStr, spinner.Render(theme),
	)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, taskLine, boxLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

package events

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

// LogSink writes events to a zap logger. Progress percentages are logged at
// debug level to keep info output to one line per phase.
func LogSink(log *zap.Logger) func(Event) {
	return func(ev Event) {
		fields := []zap.Field{zap.String("run_id", ev.RunID)}
		if ev.Phase != "" {
			fields = append(fields, zap.String("phase", ev.Phase))
		}
		switch ev.Type {
		case BuildStart:
			log.Info("build started", fields...)
		case BuildProgress:
			if ev.Percent > 0 {
				log.Debug("build progress", append(fields, zap.Float64("percent", ev.Percent))...)
				return
			}
			log.Info("build phase", fields...)
		case BuildSuccess:
			log.Info("build complete", append(fields, zap.String("message", ev.Message))...)
		case BuildError:
			log.Error("build failed", append(fields, zap.String("error", ev.Message))...)
		}
	}
}

var (
	startStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))
	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

// ConsoleSink renders events as coloured lines on w.
func ConsoleSink(w io.Writer) func(Event) {
	return func(ev Event) {
		switch ev.Type {
		case BuildStart:
			fmt.Fprintln(w, startStyle.Render("▶ building"))
		case BuildProgress:
			if ev.Percent > 0 {
				fmt.Fprintln(w, phaseStyle.Render(fmt.Sprintf("  %s %3.0f%%", ev.Phase, ev.Percent)))
				return
			}
			fmt.Fprintln(w, phaseStyle.Render("  "+ev.Phase))
		case BuildSuccess:
			msg := "✔ build complete"
			if ev.Message != "" {
				msg += " (" + ev.Message + ")"
			}
			fmt.Fprintln(w, okStyle.Render(msg))
		case BuildError:
			fmt.Fprintln(w, errStyle.Render("✘ build failed: "+ev.Message))
		}
	}
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marian925/crucible/internal/output"
)

// style wraps text in lipgloss styles when color is enabled.
type style struct {
	enabled bool
}

func (s style) bold(text string) string {
	if !s.enabled {
		return text
	}
	return output.BoldStyle.Render(text)
}

func (s style) cyan(text string) string {
	if !s.enabled {
		return text
	}
	return output.CyanStyle.Render(text)
}

func (s style) cyanBold(text string) string {
	if !s.enabled {
		return text
	}
	return output.BrandStyle.Render(text)
}

func (s style) green(text string) string {
	if !s.enabled {
		return text
	}
	return output.GreenStyle.Render(text)
}

func (s style) greenBold(text string) string {
	if !s.enabled {
		return text
	}
	return output.GreenStyle.Bold(true).Render(text)
}

func (s style) yellow(text string) string {
	if !s.enabled {
		return text
	}
	return output.YellowStyle.Render(text)
}

func (s style) dim(text string) string {
	if !s.enabled {
		return text
	}
	return output.DimStyle.Render(text)
}

// renderHelp is the custom help function for the root command.
func renderHelp(cmd *cobra.Command, _ []string) {
	w := cmd.OutOrStdout()
	s := style{enabled: output.SupportsColor(w)}

	fmt.Fprintf(w, "%s %s %s\n", s.cyanBold("crucible"), s.dim("|"), s.dim("scenario testing on disposable machines"))
	fmt.Fprintf(w, "   %s\n", s.dim("Every scenario gets a fresh environment. Nothing survives the run."))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s\n", s.bold("Usage:"))
	fmt.Fprintf(w, "  %s\n", s.dim("crucible <command> [paths...]"))
	fmt.Fprintln(w)

	cmdOrder := []string{"run", "list", "check"}

	// Build name→command lookup from registered subcommands.
	subByName := make(map[string]*cobra.Command)
	for _, sub := range cmd.Commands() {
		subByName[sub.Name()] = sub
	}

	maxLen := 0
	for _, name := range cmdOrder {
		full := "crucible " + name
		if len(full) > maxLen {
			maxLen = len(full)
		}
	}

	fmt.Fprintf(w, "%s\n", s.bold("Commands:"))
	for _, name := range cmdOrder {
		sub, ok := subByName[name]
		if !ok {
			continue
		}
		full := "crucible " + name
		padded := full + strings.Repeat(" ", maxLen-len(full))
		fmt.Fprintf(w, "  %s   %s\n", s.greenBold(padded), s.dim(sub.Short))
	}
	fmt.Fprintln(w)

	if cmd.HasExample() {
		fmt.Fprintf(w, "%s\n", s.bold("Examples:"))
		for _, line := range strings.Split(cmd.Example, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			// Split on # comment, preserving original alignment.
			if idx := strings.Index(trimmed, "#"); idx >= 0 {
				cmdPart := trimmed[:idx]
				comment := trimmed[idx:]
				fmt.Fprintf(w, "  %s%s\n", s.yellow(cmdPart), s.dim(comment))
			} else {
				fmt.Fprintf(w, "  %s\n", s.yellow(trimmed))
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "%s\n", s.bold("Flags:"))
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		short := ""
		if f.Shorthand != "" {
			short = fmt.Sprintf("-%s, ", f.Shorthand)
		}
		flagName := fmt.Sprintf("%s--%s", short, f.Name)
		fmt.Fprintf(w, "  %s   %s\n", s.green(rpad(flagName, 16)), s.dim(f.Usage))
	})
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  %s  %s\n", s.dim("First run?"), s.cyan("crucible check"))
	fmt.Fprintf(w, "  %s\n", s.dim("  Use \"crucible <command> --help\" for more information about a command."))
}

// rpad right-pads a string to the given minimum width.
func rpad(s string, minWidth int) string {
	if len(s) >= minWidth {
		return s
	}
	return s + strings.Repeat(" ", minWidth-len(s))
}

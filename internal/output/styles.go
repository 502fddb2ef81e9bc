package output

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Styles shared across user-facing rendering. Kept here so the CLI
// help and run output agree on colors.
var (
	BoldStyle    = lipgloss.NewStyle().Bold(true)
	DimStyle     = lipgloss.NewStyle().Faint(true)
	PassStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	FailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	BrandStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true)
	CyanStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	GreenStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	YellowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// badge renders a fixed-width outcome label, styled when color is on.
func badge(label string, st lipgloss.Style, color bool) string {
	if !color {
		return label
	}
	return st.Render(label)
}

// SupportsColor reports whether the writer is a terminal that should
// receive ANSI color. NO_COLOR and TERM=dumb both disable it.
func SupportsColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

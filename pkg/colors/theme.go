// Package colors picks the panel palette for the terminal's background.
package colors

import (
	"os"
	"strconv"
	"strings"

	"github.com/muesli/termenv"
)

// ThemeMode represents the theme detection mode
type ThemeMode string

const (
	ThemeModeAuto  ThemeMode = "auto"
	ThemeModeDark  ThemeMode = "dark"
	ThemeModeLight ThemeMode = "light"
)

// Palette holds the hex colors the panel renders with.
type Palette struct {
	Title  string
	Cursor string
	Label  string
	Dim    string
	OK     string
	Error  string
	Border string
}

var (
	DarkPalette = Palette{
		Title:  "#7aa2f7",
		Cursor: "#e0af68",
		Label:  "#c0caf5",
		Dim:    "#888888",
		OK:     "#9ece6a",
		Error:  "#f7768e",
		Border: "#7aa2f7",
	}
	LightPalette = Palette{
		Title:  "#2e7de9",
		Cursor: "#8c6c3e",
		Label:  "#3760bf",
		Dim:    "#6172b0",
		OK:     "#587539",
		Error:  "#c64343",
		Border: "#2e7de9",
	}
)

// PaletteFor resolves mode (auto detects) to a palette.
func PaletteFor(mode ThemeMode) Palette {
	if IsDarkBackground(mode) {
		return DarkPalette
	}
	return LightPalette
}

// IsDarkBackground reports whether the terminal background is dark.
func IsDarkBackground(mode ThemeMode) bool {
	switch mode {
	case ThemeModeDark:
		return true
	case ThemeModeLight:
		return false
	}
	if isDark, ok := checkCOLORFGBG(os.Getenv("COLORFGBG")); ok {
		return isDark
	}
	// Default: assume dark background (most common for terminal users).
	// termenv answers from an OSC query, which tmux does not pass through.
	if os.Getenv("TMUX") != "" {
		return true
	}
	return termenv.NewOutput(os.Stdout).HasDarkBackground()
}

// checkCOLORFGBG parses "foreground;background" ANSI codes. 0-7 are dark
// backgrounds, 8-15 light.
func checkCOLORFGBG(v string) (isDark bool, ok bool) {
	if v == "" {
		return false, false
	}
	parts := strings.Split(v, ";")
	if len(parts) < 2 {
		return false, false
	}
	bg, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return false, false
	}
	return bg < 8 || bg == 16, true
}

// ParseThemeMode maps user input onto a mode, defaulting to auto.
func ParseThemeMode(s string) ThemeMode {
	switch ThemeMode(strings.ToLower(strings.TrimSpace(s))) {
	case ThemeModeDark:
		return ThemeModeDark
	case ThemeModeLight:
		return ThemeModeLight
	default:
		return ThemeModeAuto
	}
}

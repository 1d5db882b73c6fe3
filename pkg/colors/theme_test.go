package colors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckCOLORFGBG(t *testing.T) {
	tests := []struct {
		in     string
		dark   bool
		parsed bool
	}{
		{"15;0", true, true},
		{"0;15", false, true},
		{"7;default;16", true, true},
		{"12", false, false},
		{"a;b", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		dark, ok := checkCOLORFGBG(tt.in)
		assert.Equal(t, tt.parsed, ok, tt.in)
		assert.Equal(t, tt.dark, dark, tt.in)
	}
}

func TestForcedModes(t *testing.T) {
	assert.Equal(t, DarkPalette, PaletteFor(ThemeModeDark))
	assert.Equal(t, LightPalette, PaletteFor(ThemeModeLight))
}

func TestAutoUsesCOLORFGBG(t *testing.T) {
	t.Setenv("COLORFGBG", "0;15")
	assert.False(t, IsDarkBackground(ThemeModeAuto))

	t.Setenv("COLORFGBG", "15;0")
	assert.True(t, IsDarkBackground(ThemeModeAuto))
}

func TestParseThemeMode(t *testing.T) {
	assert.Equal(t, ThemeModeDark, ParseThemeMode(" Dark "))
	assert.Equal(t, ThemeModeLight, ParseThemeMode("light"))
	assert.Equal(t, ThemeModeAuto, ParseThemeMode("solarized"))
}

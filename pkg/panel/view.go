package panel

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/b/tabkeeper/pkg/colors"
	"github.com/b/tabkeeper/pkg/tabs"
)

type styles struct {
	title   lipgloss.Style
	cursor  lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	ok      lipgloss.Style
	err     lipgloss.Style
	button  lipgloss.Style
	warn    lipgloss.Style
	section lipgloss.Style
}

func newStyles(p colors.Palette) styles {
	button := lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color(p.Border))
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(p.Title)).MarginBottom(1),
		cursor:  lipgloss.NewStyle().Foreground(lipgloss.Color(p.Cursor)).Bold(true),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color(p.Label)),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(p.Dim)),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color(p.OK)),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color(p.Error)),
		button:  button,
		warn:    button.BorderForeground(lipgloss.Color(p.Error)).Foreground(lipgloss.Color(p.Error)),
		section: lipgloss.NewStyle().MarginTop(1),
	}
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.title.Render("tabkeeper"))
	b.WriteString("\n")

	for i, t := range Toggles {
		cursor := "  "
		if i == m.cursor {
			cursor = m.styles.cursor.Render("> ")
		}
		box := "[ ]"
		if i < len(m.checked) && m.checked[i] {
			box = "[x]"
		}
		b.WriteString(cursor + box + " " + m.styles.label.Render(t.Label) + "\n")
	}

	button := m.styles.button
	if m.closeAll {
		button = m.styles.warn
	}
	b.WriteString(m.styles.section.Render(button.Render(CloseAllLabel(m.closeAll))))
	b.WriteString("\n")

	b.WriteString(m.styles.section.Render(m.countsView()))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(m.styles.err.Render(m.err.Error()) + "\n")
	case m.status != "":
		b.WriteString(m.styles.ok.Render(m.status) + "\n")
	}
	if !m.daemonUp {
		b.WriteString(m.styles.dim.Render("daemon not connected, changes apply when it starts") + "\n")
	}

	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

func (m Model) countsView() string {
	if !m.countsKnown {
		return m.styles.dim.Render("counting tabs...")
	}
	return CountsTable(m.counts)
}

// CountsTable renders counts as aligned label/value rows.
func CountsTable(c tabs.Counts) string {
	rows := []struct {
		label string
		value int
	}{
		{"Total tabs", c.Total},
		{"Unloaded tabs", c.Unloaded},
		{"Unused tabs", c.Unused},
	}
	width := 0
	for _, r := range rows {
		if w := runewidth.StringWidth(r.label); w > width {
			width = w
		}
	}
	var lines []string
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s  %d", runewidth.FillRight(r.label+":", width+1), r.value))
	}
	return strings.Join(lines, "\n")
}

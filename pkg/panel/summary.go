package panel

import (
	"fmt"
	"io"

	"github.com/b/tabkeeper/pkg/config"
	"github.com/b/tabkeeper/pkg/tabs"
)

// WriteSummary prints settings and counts as plain text, for -once mode and
// for stdout that is not a terminal.
func WriteSummary(w io.Writer, s config.Settings, c *tabs.Counts) error {
	check := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}
	values := map[string]bool{
		config.KeyAutoCloseEmpty:         s.AutoCloseEmpty,
		config.KeyMarkEmpty:              s.MarkEmpty,
		config.KeyCloseNewTabsAfterDelay: s.CloseNewTabsAfterDelay,
	}
	for _, t := range Toggles {
		if _, err := fmt.Fprintf(w, "%-42s %s\n", t.Label, check(values[t.Key])); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%-42s %d\n", "Max tabs", s.MaxTabs); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%-42s %s\n", "Close all tabs pending", check(s.CloseAllAfterDelay)); err != nil {
		return err
	}
	if c == nil {
		_, err := fmt.Fprintln(w, "\ncounts unavailable")
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s\n", CountsTable(*c))
	return err
}

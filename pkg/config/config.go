package config

// Setting keys as stored in the settings file.
const (
	KeyAutoCloseEmpty            = "autoCloseEmpty"
	KeyMarkEmpty                 = "markEmpty"
	KeyMaxTabs                   = "maxTabs"
	KeyCloseAllAfterDelay        = "closeAllAfterDelay"
	KeyCloseUnusedTabsAfterDelay = "closeUnusedTabsAfterDelay"
	KeyCloseNewTabsAfterDelay    = "closeNewTabsAfterDelay"
)

const DefaultMaxTabs = 10

// Settings is the user-facing policy configuration. The daemon keeps a cached
// copy that mirrors the store.
type Settings struct {
	AutoCloseEmpty            bool `yaml:"autoCloseEmpty"`
	MarkEmpty                 bool `yaml:"markEmpty"`
	MaxTabs                   int  `yaml:"maxTabs"`
	CloseAllAfterDelay        bool `yaml:"closeAllAfterDelay"`
	CloseUnusedTabsAfterDelay bool `yaml:"closeUnusedTabsAfterDelay"`
	CloseNewTabsAfterDelay    bool `yaml:"closeNewTabsAfterDelay"` // written by the panel checkbox
}

// Keys lists every settings key, in display order.
func Keys() []string {
	return []string{
		KeyAutoCloseEmpty,
		KeyMarkEmpty,
		KeyMaxTabs,
		KeyCloseAllAfterDelay,
		KeyCloseUnusedTabsAfterDelay,
		KeyCloseNewTabsAfterDelay,
	}
}

func Defaults() Settings {
	return Settings{MaxTabs: DefaultMaxTabs}
}

// InstallValues is the batch written on first install.
func InstallValues() map[string]any {
	return map[string]any{
		KeyAutoCloseEmpty:            false,
		KeyMarkEmpty:                 false,
		KeyMaxTabs:                   DefaultMaxTabs,
		KeyCloseAllAfterDelay:        false,
		KeyCloseUnusedTabsAfterDelay: false,
	}
}

// FromValues decodes stored values. Missing or mistyped keys fall back to defaults.
func FromValues(values map[string]any) Settings {
	s := Defaults()
	for k, v := range values {
		s.Apply(k, v)
	}
	return s
}

// Apply sets one key from a stored value and reports whether the key is known.
// A nil value (key deleted) resets the field to its default.
func (s *Settings) Apply(key string, value any) bool {
	switch key {
	case KeyAutoCloseEmpty:
		s.AutoCloseEmpty = AsBool(value)
	case KeyMarkEmpty:
		s.MarkEmpty = AsBool(value)
	case KeyCloseAllAfterDelay:
		s.CloseAllAfterDelay = AsBool(value)
	case KeyCloseUnusedTabsAfterDelay:
		s.CloseUnusedTabsAfterDelay = AsBool(value)
	case KeyCloseNewTabsAfterDelay:
		s.CloseNewTabsAfterDelay = AsBool(value)
	case KeyMaxTabs:
		s.MaxTabs = AsInt(value, DefaultMaxTabs)
	default:
		return false
	}
	return true
}

// UnusedAfterDelay reports whether new tabs get a delayed unused check. The
// panel writes closeNewTabsAfterDelay, older installs closeUnusedTabsAfterDelay;
// either enables the policy.
func (s Settings) UnusedAfterDelay() bool {
	return s.CloseUnusedTabsAfterDelay || s.CloseNewTabsAfterDelay
}

// Values encodes the settings as a store batch.
func (s Settings) Values() map[string]any {
	return map[string]any{
		KeyAutoCloseEmpty:            s.AutoCloseEmpty,
		KeyMarkEmpty:                 s.MarkEmpty,
		KeyMaxTabs:                   s.MaxTabs,
		KeyCloseAllAfterDelay:        s.CloseAllAfterDelay,
		KeyCloseUnusedTabsAfterDelay: s.CloseUnusedTabsAfterDelay,
		KeyCloseNewTabsAfterDelay:    s.CloseNewTabsAfterDelay,
	}
}

func AsBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// AsInt converts the numeric types yaml and json decoders produce. Non-positive
// or non-numeric values yield def.
func AsInt(v any, def int) int {
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case uint64:
		n = int(x)
	case float64:
		n = int(x)
	default:
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

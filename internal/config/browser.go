package config

import "time"

// BrowserConfig configures the Chrome automation backend.
type BrowserConfig struct {
	DebuggerURL       string   `yaml:"debugger_url" env:"REFDISPATCH_CHROME_URL"`
	Launch            []string `yaml:"launch"` // binary followed by flags
	Headless          bool     `yaml:"headless" env:"REFDISPATCH_HEADLESS"`
	ViewportWidth     int      `yaml:"viewport_width"`
	ViewportHeight    int      `yaml:"viewport_height"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
	LaunchesPerMinute float64  `yaml:"launches_per_minute"` // 0 = unlimited
}

// GetNavigationTimeout returns the navigation timeout.
func (b BrowserConfig) GetNavigationTimeout() time.Duration {
	return parseDuration(b.NavigationTimeout, 30*time.Second)
}

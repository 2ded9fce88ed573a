package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" env:"REFDISPATCH_LOG_LEVEL"` // debug, info, warn, error
	Format     string          `yaml:"format"`                            // json, text
	File       string          `yaml:"file"`                              // optional extra sink
	Categories map[string]bool `yaml:"categories"`                        // per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Categories not listed are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

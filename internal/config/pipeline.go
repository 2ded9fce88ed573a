package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PipelineConfig is the configuration surface of the per-unit protocol.
// Labels are matched against visible element text; reward labels are
// processed in the listed order.
type PipelineConfig struct {
	EntryCommand   string   `yaml:"entry_command"`
	InputSelector  string   `yaml:"input_selector"`
	MenuLabel      string   `yaml:"menu_label"`
	RewardLabels   []string `yaml:"reward_labels"`
	PromptMarker   string   `yaml:"prompt_marker"` // text contained by the task message
	TargetPattern  string   `yaml:"target_pattern"`
	TargetURL      string   `yaml:"target_url"` // fmt template, %s = extracted target
	SubscribeLabel string   `yaml:"subscribe_label"`
	VerifyLabel    string   `yaml:"verify_label"`
	BackLabel      string   `yaml:"back_label"`
	StepTimeout    string   `yaml:"step_timeout"`
	SettleDelay    string   `yaml:"settle_delay"`
}

// DefaultPipelineConfig returns the labels of the referral bot the system was
// built for.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		EntryCommand:  "/start",
		InputSelector: "textarea",
		MenuLabel:     "Задания",
		RewardLabels: []string{
			"Быть участником канала (Награда: 0.1 USD)",
			"Быть подписанным на канал (Награда: 0.1 USD)",
			"Подписаться на канал (Награда: 0.1 USD)",
			"Подписка на канал (Награда: 0.1 USD)",
		},
		PromptMarker:   "Твое задание",
		TargetPattern:  `@([\w\d_]+)`,
		TargetURL:      "https://t.me/%s",
		SubscribeLabel: "Подписаться",
		VerifyLabel:    "Проверить",
		BackLabel:      "Вернуться назад",
		StepTimeout:    "7s",
		SettleDelay:    "1500ms",
	}
}

// GetStepTimeout returns the bound applied to every automation wait.
func (p PipelineConfig) GetStepTimeout() time.Duration {
	return parseDuration(p.StepTimeout, 7*time.Second)
}

// GetSettleDelay returns the pause after each click. Zero disables it.
func (p PipelineConfig) GetSettleDelay() time.Duration {
	if strings.TrimSpace(p.SettleDelay) == "0" {
		return 0
	}
	return parseDuration(p.SettleDelay, 1500*time.Millisecond)
}

// Validate checks required labels and the target pattern.
func (p PipelineConfig) Validate() error {
	if p.MenuLabel == "" || p.VerifyLabel == "" || p.BackLabel == "" {
		return fmt.Errorf("pipeline.menu_label, verify_label and back_label are required")
	}
	if len(p.RewardLabels) == 0 {
		return fmt.Errorf("pipeline.reward_labels must not be empty")
	}
	re, err := regexp.Compile(p.TargetPattern)
	if err != nil {
		return fmt.Errorf("invalid pipeline.target_pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return fmt.Errorf("pipeline.target_pattern needs one capture group")
	}
	if !strings.Contains(p.TargetURL, "%s") {
		return fmt.Errorf("pipeline.target_url must contain %%s")
	}
	return nil
}

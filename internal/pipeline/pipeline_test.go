package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"refdispatch/internal/automation"
	"refdispatch/internal/automation/automationtest"
	"refdispatch/internal/config"
	"refdispatch/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

var testCampaign = &store.Campaign{ID: 1, URL: "https://web.telegram.org/k/#?tgaddr=tg://resolve?domain=bot&start=ref1", Capacity: 3}

func testConfig() config.PipelineConfig {
	cfg := config.DefaultPipelineConfig()
	cfg.StepTimeout = "50ms"
	cfg.SettleDelay = "0"
	return cfg
}

// promptsFor returns a task message per reward label, target chan0..chanN.
func promptsFor(cfg config.PipelineConfig) map[string]string {
	m := make(map[string]string)
	for i, label := range cfg.RewardLabels {
		m[label] = fmt.Sprintf("%s: подпишись на @chan%d и нажми Проверить", cfg.PromptMarker, i)
	}
	return m
}

func newPipeline(t *testing.T, l automation.Launcher, cfg config.PipelineConfig) *Pipeline {
	t.Helper()
	p, err := New(l, cfg, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return p
}

func unit() store.Unit {
	return store.Unit{ID: 10, Filename: "session_10.json", Payload: []byte(`{"cookies":[]}`), Attempts: 1}
}

func TestRun_Completed(t *testing.T) {
	cfg := testConfig()
	l := automationtest.NewLauncher(automationtest.Script{Prompts: promptsFor(cfg)})
	p := newPipeline(t, l, cfg)

	out := p.Run(context.Background(), testCampaign, unit())
	require.Equal(t, Completed, out.Status, "err: %v", out.Err)
	assert.NoError(t, out.Err)
	require.Len(t, out.Actions, len(cfg.RewardLabels))
	for i, a := range out.Actions {
		assert.Equal(t, fmt.Sprintf("chan%d", i), a.Target)
		assert.True(t, a.Subscribed)
		assert.NoError(t, a.Err)
	}

	sessions := l.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Closed())
	assert.Equal(t, `{"cookies":[]}`, string(sessions[0].Payload))

	calls := sessions[0].Calls()
	want := []automationtest.Call{
		{Op: "navigate", Arg: testCampaign.URL},
		{Op: "submit", Arg: "/start"},
		{Op: "click", Arg: cfg.MenuLabel},
		{Op: "click", Arg: cfg.RewardLabels[0]},
		{Op: "read", Arg: cfg.PromptMarker},
		{Op: "visit", Arg: "https://t.me/chan0"},
		{Op: "focus"},
		{Op: "click", Arg: cfg.VerifyLabel},
		{Op: "click", Arg: cfg.BackLabel},
	}
	if diff := cmp.Diff(want, calls[:len(want)]); diff != "" {
		t.Errorf("protocol order mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, calls, 3+6*len(cfg.RewardLabels))
}

func TestRun_ExtractionMissContinues(t *testing.T) {
	cfg := testConfig()
	prompts := promptsFor(cfg)
	prompts[cfg.RewardLabels[1]] = cfg.PromptMarker + ": задание временно недоступно"

	l := automationtest.NewLauncher(automationtest.Script{Prompts: prompts})
	p := newPipeline(t, l, cfg)

	out := p.Run(context.Background(), testCampaign, unit())
	require.Equal(t, Completed, out.Status, "err: %v", out.Err)
	require.Len(t, out.Actions, 4)

	assert.ErrorIs(t, out.Actions[1].Err, ErrExtractionMiss)
	assert.Empty(t, out.Actions[1].Target)
	assert.Equal(t, "chan2", out.Actions[2].Target)
	assert.Equal(t, "chan3", out.Actions[3].Target)

	// The missed action never visits or verifies.
	visits := 0
	for _, c := range l.Sessions()[0].Calls() {
		if c.Op == "visit" {
			visits++
		}
	}
	assert.Equal(t, 3, visits)
}

func TestRun_MissingPromptIsExtractionMiss(t *testing.T) {
	cfg := testConfig()
	prompts := promptsFor(cfg)
	// The first action shows nothing with the marker.
	prompts[cfg.RewardLabels[0]] = "Загрузка..."

	l := automationtest.NewLauncher(automationtest.Script{Prompts: prompts})
	out := newPipeline(t, l, cfg).Run(context.Background(), testCampaign, unit())

	require.Equal(t, Completed, out.Status, "err: %v", out.Err)
	assert.ErrorIs(t, out.Actions[0].Err, ErrExtractionMiss)
}

func TestRun_StepTimeoutAborts(t *testing.T) {
	cfg := testConfig()
	l := automationtest.NewLauncher(automationtest.Script{
		Prompts: promptsFor(cfg),
		Block:   map[string]bool{"click:" + cfg.VerifyLabel: true},
	})
	p := newPipeline(t, l, cfg)

	out := p.Run(context.Background(), testCampaign, unit())
	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, automation.ErrTimeout)

	var stepErr *StepError
	require.True(t, errors.As(out.Err, &stepErr))
	assert.Equal(t, "verify", stepErr.Step)
	assert.Equal(t, cfg.RewardLabels[0], stepErr.Label)
	assert.Len(t, out.Actions, 1)
	assert.True(t, l.Sessions()[0].Closed())
}

func TestRun_FocusHonoursStepTimeout(t *testing.T) {
	cfg := testConfig()
	l := automationtest.NewLauncher(automationtest.Script{
		Prompts: promptsFor(cfg),
		Block:   map[string]bool{"focus:": true},
	})
	p := newPipeline(t, l, cfg)

	done := make(chan Outcome, 1)
	go func() { done <- p.Run(context.Background(), testCampaign, unit()) }()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a stuck focus must give up after the step timeout")
	}
	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, automation.ErrTimeout)

	var stepErr *StepError
	require.True(t, errors.As(out.Err, &stepErr))
	assert.Equal(t, "focus", stepErr.Step)
	assert.True(t, l.Sessions()[0].Closed())
}

func TestRun_TransportFailureAborts(t *testing.T) {
	cfg := testConfig()
	l := automationtest.NewLauncher(automationtest.Script{
		Prompts: promptsFor(cfg),
		Errors:  map[string]error{"visit:https://t.me/chan1": fmt.Errorf("target crashed: %w", automation.ErrSessionClosed)},
	})
	p := newPipeline(t, l, cfg)

	out := p.Run(context.Background(), testCampaign, unit())
	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, automation.ErrSessionClosed)
	assert.Len(t, out.Actions, 2)
	assert.True(t, l.Sessions()[0].Closed(), "teardown runs on transport failure")
}

func TestRun_VisitErrorIsRecoverable(t *testing.T) {
	cfg := testConfig()
	l := automationtest.NewLauncher(automationtest.Script{
		Prompts:  promptsFor(cfg),
		Errors:   map[string]error{"visit:https://t.me/chan0": errors.New("net::ERR_NAME_NOT_RESOLVED")},
		NoButton: map[string]bool{"https://t.me/chan2": true},
	})

	out := newPipeline(t, l, cfg).Run(context.Background(), testCampaign, unit())
	require.Equal(t, Completed, out.Status, "err: %v", out.Err)
	assert.Error(t, out.Actions[0].Err)
	assert.False(t, out.Actions[0].Subscribed)
	assert.NoError(t, out.Actions[2].Err)
	assert.False(t, out.Actions[2].Subscribed, "already subscribed")
	assert.True(t, out.Actions[3].Subscribed)
}

func TestRun_MenuMissingFails(t *testing.T) {
	cfg := testConfig()
	l := automationtest.NewLauncher(automationtest.Script{
		Block: map[string]bool{"click:" + cfg.MenuLabel: true},
	})

	out := newPipeline(t, l, cfg).Run(context.Background(), testCampaign, unit())
	assert.Equal(t, Failed, out.Status)
	var stepErr *StepError
	require.ErrorAs(t, out.Err, &stepErr)
	assert.Equal(t, "menu", stepErr.Step)
	assert.Empty(t, out.Actions)
}

func TestRun_OpenFails(t *testing.T) {
	cfg := testConfig()
	l := automationtest.NewLauncher(automationtest.Script{OpenErr: errors.New("chrome not found")})

	out := newPipeline(t, l, cfg).Run(context.Background(), testCampaign, unit())
	assert.Equal(t, Failed, out.Status)
	assert.ErrorContains(t, out.Err, "launch")
	assert.Empty(t, l.Sessions())
}

func TestRun_Cancelled(t *testing.T) {
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := automationtest.NewLauncher(automationtest.Script{Prompts: promptsFor(cfg)})
	out := newPipeline(t, l, cfg).Run(ctx, testCampaign, unit())
	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRun_SettleDelayHonoursCancel(t *testing.T) {
	cfg := testConfig()
	cfg.SettleDelay = "1h"
	l := automationtest.NewLauncher(automationtest.Script{Prompts: promptsFor(cfg)})
	p := newPipeline(t, l, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := p.Run(ctx, testCampaign, unit())
	assert.Equal(t, Failed, out.Status)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.True(t, l.Sessions()[0].Closed())
}

func TestExtractTarget(t *testing.T) {
	p := newPipeline(t, automationtest.NewLauncher(automationtest.Script{}), testConfig())

	tests := []struct {
		text   string
		want   string
		wantOK bool
	}{
		{"Твое задание: подпишись на @news_channel_42", "news_channel_42", true},
		{"@first и @second", "first", true},
		{"ссылка t.me/joinchat без юзернейма", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := p.ExtractTarget(tt.text)
		assert.Equal(t, tt.wantOK, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestNew_Validates(t *testing.T) {
	cfg := testConfig()
	cfg.TargetPattern = "@[a-z]+"
	_, err := New(automationtest.NewLauncher(automationtest.Script{}), cfg, nil, nil, nil)
	assert.Error(t, err, "pattern without capture group")

	_, err = New(nil, testConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	assert.Equal(t, rate.Inf, NewLimiter(0).Limit())
	l := NewLimiter(120)
	assert.InDelta(t, 2.0, float64(l.Limit()), 1e-9)
	assert.Equal(t, 2, l.Burst())
	assert.Equal(t, 1, NewLimiter(6).Burst())
}

func TestStepError(t *testing.T) {
	err := &StepError{Step: "verify", Label: "Подписка на канал", Err: automation.ErrTimeout}
	assert.Equal(t, "verify [Подписка на канал]: automation: step timed out", err.Error())
	assert.ErrorIs(t, err, automation.ErrTimeout)
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "failed", Failed.String())
}

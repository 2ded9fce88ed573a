package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"refdispatch/internal/automation"
	"refdispatch/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
	"cookies": [
		{"name": "stel_ssid", "value": "abc", "domain": ".web.telegram.org", "path": "/",
		 "expires": -1, "httpOnly": true, "secure": true, "sameSite": "Lax"},
		{"name": "stel_token", "value": "tok", "domain": "web.telegram.org", "path": "/",
		 "expires": 1767225600.5, "httpOnly": false, "secure": true, "sameSite": "None"},
		{"name": "", "value": "ignored"}
	],
	"origins": [
		{"origin": "https://web.telegram.org",
		 "localStorage": [{"name": "user_auth", "value": "{\"dcID\":2}"}, {"name": "dc", "value": "2"}]}
	]
}`

func TestParseStorageState(t *testing.T) {
	st, err := ParseStorageState([]byte(samplePayload))
	require.NoError(t, err)
	require.Len(t, st.Cookies, 3)
	require.Len(t, st.Origins, 1)

	params := st.CookieParams()
	want := []*proto.NetworkCookieParam{
		{Name: "stel_ssid", Value: "abc", Domain: ".web.telegram.org", Path: "/",
			HTTPOnly: true, Secure: true, SameSite: proto.NetworkCookieSameSiteLax},
		{Name: "stel_token", Value: "tok", Domain: "web.telegram.org", Path: "/",
			Secure: true, SameSite: proto.NetworkCookieSameSiteNone, Expires: proto.TimeSinceEpoch(1767225600.5)},
	}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Errorf("CookieParams mismatch (-want +got):\n%s", diff)
	}

	local, err := st.Origins[0].localStorageJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_auth":"{\"dcID\":2}","dc":"2"}`, local)
}

func TestParseStorageState_EdgeCases(t *testing.T) {
	st, err := ParseStorageState(nil)
	require.NoError(t, err)
	assert.Empty(t, st.CookieParams())

	_, err = ParseStorageState([]byte(`{"cookies": "nope"}`))
	assert.Error(t, err)

	_, err = ParseStorageState([]byte(`{"origins": [{"origin": "not a url"}]}`))
	assert.Error(t, err)
}

func TestSameSite(t *testing.T) {
	assert.Equal(t, proto.NetworkCookieSameSiteStrict, sameSite("Strict"))
	assert.Equal(t, proto.NetworkCookieSameSiteLax, sameSite("lax"))
	assert.Equal(t, proto.NetworkCookieSameSite(""), sameSite("unspecified"))
}

func TestClassify(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		ctx    context.Context
		err    error
		target error
	}{
		{"step deadline", live, fmt.Errorf("wrapped: %w", context.DeadlineExceeded), automation.ErrTimeout},
		{"caller cancelled", cancelled, context.DeadlineExceeded, context.Canceled},
		{"cdp session gone", live, cdp.ErrSessionNotFound, automation.ErrSessionClosed},
		{"page gone", live, &rod.PageNotFoundError{}, automation.ErrSessionClosed},
		{"websocket eof", live, io.EOF, automation.ErrSessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.ctx, tt.err), tt.target)
		})
	}

	other := errors.New("eval js error")
	assert.Equal(t, other, classify(live, other))
	assert.NoError(t, classify(live, nil))
}

func TestManagerLauncherFlags(t *testing.T) {
	m := NewManager(configWithLaunch("/usr/bin/chromium", "--no-sandbox", "--window-size=800,600"), nil)
	l := m.launcher()
	assert.Equal(t, "800,600", l.Get(flags.Flag("window-size")))
	assert.True(t, l.Has(flags.Flag("no-sandbox")))
	assert.True(t, l.Has(flags.Headless))
	assert.Equal(t, DefaultInputSelector, m.inputSelector)

	m = NewManager(configWithLaunch(), nil, WithInputSelector(".input-message-input"))
	assert.Equal(t, ".input-message-input", m.inputSelector)
}

func configWithLaunch(launch ...string) config.BrowserConfig {
	return config.BrowserConfig{Headless: true, Launch: launch}
}

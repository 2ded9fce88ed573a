package browser

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// StorageState is the saved state of an authenticated client: cookies plus
// per-origin localStorage. The JSON layout is the one Playwright writes with
// context.storage_state().
type StorageState struct {
	Cookies []StoredCookie `json:"cookies"`
	Origins []StoredOrigin `json:"origins"`
}

// StoredCookie is one cookie of a storage state.
type StoredCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"` // unix seconds, -1 = session cookie
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// StoredOrigin holds the localStorage entries of one origin.
type StoredOrigin struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// StorageItem is one localStorage key.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParseStorageState decodes a unit payload. An empty payload is an empty
// state.
func ParseStorageState(payload []byte) (StorageState, error) {
	var st StorageState
	if len(payload) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(payload, &st); err != nil {
		return StorageState{}, fmt.Errorf("decode storage state: %w", err)
	}
	for i, o := range st.Origins {
		u, err := url.Parse(o.Origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return StorageState{}, fmt.Errorf("storage state origin %d: invalid origin %q", i, o.Origin)
		}
	}
	return st, nil
}

// CookieParams converts the stored cookies to CDP cookie parameters.
func (s StorageState) CookieParams() []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Name == "" {
			continue
		}
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: sameSite(c.SameSite),
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	return params
}

func sameSite(v string) proto.NetworkCookieSameSite {
	switch v {
	case "Strict", "strict":
		return proto.NetworkCookieSameSiteStrict
	case "Lax", "lax":
		return proto.NetworkCookieSameSiteLax
	case "None", "none":
		return proto.NetworkCookieSameSiteNone
	default:
		return ""
	}
}

// localStorageJSON flattens an origin's items to the object restoreStorage
// expects.
func (o StoredOrigin) localStorageJSON() (string, error) {
	m := make(map[string]string, len(o.LocalStorage))
	for _, it := range o.LocalStorage {
		m[it.Name] = it.Value
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// restoreStorage writes localStorage entries into the page's current origin.
func restoreStorage(page *rod.Page, localJSON string) error {
	_, err := page.Evaluate(&rod.EvalOptions{
		JS: `
		(local) => {
			const l = JSON.parse(local || "{}");
			Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
		}
		`,
		JSArgs:       []interface{}{localJSON},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
	return err
}

package abuse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Report is what an IP intelligence service says about an address.
type Report struct {
	VPN   bool `json:"vpn"`
	Proxy bool `json:"proxy"`
	Tor   bool `json:"tor"`
	// Relay marks privacy relays that still forward a real client.
	Relay   bool   `json:"relay"`
	Service string `json:"service,omitempty"`
}

// Anonymizer reports whether the address hides the client.
func (r Report) Anonymizer() bool { return r.VPN || r.Proxy || r.Tor }

type Reputation interface {
	Lookup(ctx context.Context, ip string) (Report, error)
}

// NoReputation trusts every address. Only meant for local runs.
type NoReputation struct{}

func (NoReputation) Lookup(context.Context, string) (Report, error) { return Report{}, nil }

// HTTPReputation queries a vpnapi-style endpoint: GET {base}/{ip}?key=...
type HTTPReputation struct {
	baseURL string
	key     string
	client  *http.Client
}

func NewHTTPReputation(baseURL, key string, client *http.Client) *HTTPReputation {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPReputation{baseURL: strings.TrimRight(baseURL, "/"), key: key, client: client}
}

type reputationResponse struct {
	Security struct {
		VPN   bool `json:"vpn"`
		Proxy bool `json:"proxy"`
		Tor   bool `json:"tor"`
		Relay bool `json:"relay"`
	} `json:"security"`
	Network struct {
		Organization string `json:"autonomous_system_organization"`
	} `json:"network"`
}

func (h *HTTPReputation) Lookup(ctx context.Context, ip string) (Report, error) {
	u := h.baseURL + "/" + url.PathEscape(ip)
	if h.key != "" {
		u += "?key=" + url.QueryEscape(h.key)
	}
	var res reputationResponse
	if err := h.getJSON(ctx, u, &res); err != nil {
		return Report{}, err
	}
	r := Report{
		VPN:   res.Security.VPN,
		Proxy: res.Security.Proxy,
		Tor:   res.Security.Tor,
		Relay: res.Security.Relay,
	}
	if r.Anonymizer() || r.Relay {
		r.Service = strings.TrimSpace(res.Network.Organization)
	}
	return r, nil
}

type httpError struct {
	Status int
	Body   string
}

func (e httpError) Error() string { return fmt.Sprintf("http %d: %s", e.Status, e.Body) }

func (h *HTTPReputation) getJSON(ctx context.Context, u string, v any) error {
	// basic retry for 429/5xx
	var last error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "MixReport/1.0")
		req.Header.Set("Accept", "application/json")

		res, err := h.client.Do(req)
		if err != nil {
			return err
		}
		if res.StatusCode == http.StatusOK {
			err := json.NewDecoder(res.Body).Decode(v)
			res.Body.Close()
			return err
		}

		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(res.Body).Decode(&msg)
		res.Body.Close()
		last = httpError{Status: res.StatusCode, Body: msg.Message}

		if res.StatusCode != http.StatusTooManyRequests && res.StatusCode < 500 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(250*(attempt+1)) * time.Millisecond):
		}
	}
	return last
}

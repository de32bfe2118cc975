// Package geocode enriches emergency records with coordinates or a display
// address from an external geocoding service.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const userAgent = "DisasterDesk/1.0 (emergency intake)"

// Geocoder is the lookup collaborator. found is false on a clean no-match.
type Geocoder interface {
	Forward(ctx context.Context, query string) (lat, lon float64, found bool, err error)
	Reverse(ctx context.Context, lat, lon float64) (address string, found bool, err error)
}

// Nominatim talks to a Nominatim-compatible HTTP API.
type Nominatim struct {
	baseURL string
	client  *http.Client
}

func NewNominatim(baseURL string, client *http.Client) *Nominatim {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Nominatim{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

func (n *Nominatim) Forward(ctx context.Context, query string) (float64, float64, bool, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	q.Set("q", query)

	var places []place
	if err := n.get(ctx, "/search", q, &places); err != nil {
		return 0, 0, false, err
	}
	if len(places) == 0 {
		return 0, 0, false, nil
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("geocode: parse latitude %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("geocode: parse longitude %q: %w", places[0].Lon, err)
	}
	return lat, lon, true, nil
}

func (n *Nominatim) Reverse(ctx context.Context, lat, lon float64) (string, bool, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))

	var p place
	if err := n.get(ctx, "/reverse", q, &p); err != nil {
		return "", false, err
	}
	if p.Error != "" || strings.TrimSpace(p.DisplayName) == "" {
		return "", false, nil
	}
	return strings.TrimSpace(p.DisplayName), true, nil
}

func (n *Nominatim) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("geocode: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("geocode: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("geocode: decode %s: %w", path, err)
	}
	return nil
}

// Package pairing encodes and parses the tiflis://connect deep link that
// hands a workstation's tunnel coordinates to a device, typically rendered
// as a QR code. The link carries the tunnel endpoint, the tunnel id and the
// shared auth key; scanning it is the only setup a device needs.
package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Scheme and Host form the fixed deep-link prefix tiflis://connect.
const (
	Scheme = "tiflis"
	Host   = "connect"
)

// ErrInvalidLink wraps every Encode and Parse failure.
var ErrInvalidLink = errors.New("pairing: invalid link")

// Link is the pairing payload. The JSON form rides base64url-encoded in the
// link's data query parameter.
type Link struct {
	// TunnelID routes the device to its workstation on the tunnel server.
	TunnelID string `json:"tunnel_id"`

	// URL is the tunnel websocket endpoint the device dials.
	URL string `json:"url"`

	// Key authenticates both the tunnel registration and the device's auth
	// message.
	Key string `json:"key"`
}

// Validate checks that the link is complete and that its endpoint is a
// websocket URL.
func (l Link) Validate() error {
	if l.TunnelID == "" {
		return fmt.Errorf("%w: missing tunnel_id", ErrInvalidLink)
	}
	if l.URL == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidLink)
	}
	u, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidLink, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme %q, want ws or wss", ErrInvalidLink, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidLink)
	}
	if l.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidLink)
	}
	return nil
}

// Encode renders the link as a tiflis://connect URI. The JSON payload is
// encoded with unpadded base64url, so the result needs no further escaping
// in QR codes or OS deep-link handlers.
func Encode(l Link) (string, error) {
	if err := l.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	u := url.URL{
		Scheme:   Scheme,
		Host:     Host,
		RawQuery: url.Values{"data": {base64.RawURLEncoding.EncodeToString(data)}}.Encode(),
	}
	return u.String(), nil
}

// Parse decodes a tiflis://connect URI. The base64url payload is accepted
// with or without padding; everything else is strict: the scheme, the host,
// the data parameter and all three JSON fields are required.
func Parse(s string) (Link, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if u.Scheme != Scheme {
		return Link{}, fmt.Errorf("%w: scheme %q, want %s", ErrInvalidLink, u.Scheme, Scheme)
	}
	if u.Host != Host {
		return Link{}, fmt.Errorf("%w: host %q, want %s", ErrInvalidLink, u.Host, Host)
	}
	enc := u.Query().Get("data")
	if enc == "" {
		return Link{}, fmt.Errorf("%w: missing data parameter", ErrInvalidLink)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc, "="))
	if err != nil {
		return Link{}, fmt.Errorf("%w: data: %v", ErrInvalidLink, err)
	}
	var l Link
	if err := json.Unmarshal(raw, &l); err != nil {
		return Link{}, fmt.Errorf("%w: data: %v", ErrInvalidLink, err)
	}
	if err := l.Validate(); err != nil {
		return Link{}, err
	}
	return l, nil
}

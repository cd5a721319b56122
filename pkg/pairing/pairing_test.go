package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		link Link
	}{
		{
			name: "wss endpoint",
			link: Link{TunnelID: "tn-7f3a", URL: "wss://tunnel.tiflis.io/ws", Key: "K-secret"},
		},
		{
			name: "ws endpoint with port",
			link: Link{TunnelID: "local", URL: "ws://192.168.1.20:8787", Key: "dev-key"},
		},
		{
			name: "key with url-hostile characters",
			link: Link{TunnelID: "tn-1", URL: "wss://t.example.com", Key: "a+b/c=&?#"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, err := Encode(tt.link)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !strings.HasPrefix(uri, "tiflis://connect?data=") {
				t.Fatalf("uri = %q, want tiflis://connect?data= prefix", uri)
			}
			got, err := Parse(uri)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got != tt.link {
				t.Errorf("Parse() = %+v, want %+v", got, tt.link)
			}
		})
	}
}

func TestEncodeRejectsIncompleteLink(t *testing.T) {
	tests := []struct {
		name string
		link Link
	}{
		{name: "missing tunnel id", link: Link{URL: "wss://t.example.com", Key: "k"}},
		{name: "missing url", link: Link{TunnelID: "tn-1", Key: "k"}},
		{name: "missing key", link: Link{TunnelID: "tn-1", URL: "wss://t.example.com"}},
		{name: "http endpoint", link: Link{TunnelID: "tn-1", URL: "https://t.example.com", Key: "k"}},
		{name: "url without host", link: Link{TunnelID: "tn-1", URL: "wss://", Key: "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.link); !errors.Is(err, ErrInvalidLink) {
				t.Errorf("Encode() error = %v, want ErrInvalidLink", err)
			}
		})
	}
}

func TestParseAcceptsPaddedBase64(t *testing.T) {
	link := Link{TunnelID: "tn-1", URL: "wss://t.example.com", Key: "k"}
	data, err := json.Marshal(link)
	if err != nil {
		t.Fatal(err)
	}
	// Some generators emit padded base64url; padding survives query escaping.
	uri := "tiflis://connect?data=" + url.QueryEscape(base64.URLEncoding.EncodeToString(data))

	got, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != link {
		t.Errorf("Parse() = %+v, want %+v", got, link)
	}
}

func TestParseRejectsMalformedLinks(t *testing.T) {
	valid := func(l Link) string {
		data, err := json.Marshal(l)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}

	tests := []struct {
		name string
		uri  string
	}{
		{name: "wrong scheme", uri: "https://connect?data=" + valid(Link{TunnelID: "t", URL: "wss://h", Key: "k"})},
		{name: "wrong host", uri: "tiflis://pair?data=" + valid(Link{TunnelID: "t", URL: "wss://h", Key: "k"})},
		{name: "missing data parameter", uri: "tiflis://connect"},
		{name: "data not base64", uri: "tiflis://connect?data=!!not-base64!!"},
		{name: "data not json", uri: "tiflis://connect?data=" + base64.RawURLEncoding.EncodeToString([]byte("plain text"))},
		{name: "json missing key", uri: "tiflis://connect?data=" + base64.RawURLEncoding.EncodeToString([]byte(`{"tunnel_id":"t","url":"wss://h"}`))},
		{name: "json with http url", uri: "tiflis://connect?data=" + valid(Link{TunnelID: "t", URL: "http://h", Key: "k"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.uri); !errors.Is(err, ErrInvalidLink) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidLink", tt.uri, err)
			}
		})
	}
}

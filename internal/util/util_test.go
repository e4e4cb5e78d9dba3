package util

import "testing"

func TestNormalizeURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://dm.example.com/", "https://dm.example.com"},
		{"  http://dm.example.com  ", "http://dm.example.com"},
		{"dm.example.com", "https://dm.example.com"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeURL(c.in); got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := []struct{ base, path, want string }{
		{"https://dm.example.com", "/dm/channel", "wss://dm.example.com/dm/channel"},
		{"http://127.0.0.1:8080", "dm/channel", "ws://127.0.0.1:8080/dm/channel"},
		{"dm.example.com/", "/dm/channel", "wss://dm.example.com/dm/channel"},
	}
	for _, c := range cases {
		if got := WebsocketURL(c.base, c.path); got != c.want {
			t.Errorf("WebsocketURL(%q, %q) = %q, want %q", c.base, c.path, got, c.want)
		}
	}
}

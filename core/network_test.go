package core

import "testing"

func TestParsePort(t *testing.T) {
	cases := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{"/ip4/0.0.0.0/tcp/4001", 4001, false},
		{"/ip6/::/tcp/9000", 9000, false},
		{"/ip4/0.0.0.0/udp/4001/quic", 0, true},
	}
	for _, c := range cases {
		got, err := parsePort(c.addr)
		if c.wantErr {
			if err == nil {
				t.Errorf("parsePort(%q): expected error", c.addr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parsePort(%q): %v", c.addr, err)
		}
		if got != c.want {
			t.Errorf("parsePort(%q) = %d, want %d", c.addr, got, c.want)
		}
	}
}

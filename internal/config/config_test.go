package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	cases := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Minute, time.Minute},
		{"15s", time.Minute, 15 * time.Second},
		{"garbage", time.Minute, time.Minute},
		{"-5s", time.Minute, time.Minute},
	}
	for _, c := range cases {
		if got := Duration(c.in, c.def); got != c.want {
			t.Errorf("Duration(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestSize(t *testing.T) {
	if got := Size("64KiB", 1); got != 64*1024 {
		t.Errorf("Size(64KiB) = %d", got)
	}
	if got := Size("1m", 1); got != 1024*1024 {
		t.Errorf("Size(1m) = %d", got)
	}
	if got := Size("nope", 42); got != 42 {
		t.Errorf("Size(nope) = %d, want default", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VPSDECK_LISTEN_ADDR", ":9999")
	Load()
	if Cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", Cfg.ListenAddr)
	}
	if Cfg.RedisChannel != "vpsdeck:events" {
		t.Errorf("RedisChannel default = %q", Cfg.RedisChannel)
	}
}

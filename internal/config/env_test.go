package config

import (
	"testing"
	"time"
)

func TestRedisOptionsURL(t *testing.T) {
	opts := RedisOptions("redis://:secret@cache:6380/2")
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestRedisOptionsAzureForm(t *testing.T) {
	opts := RedisOptions("prism.redis.cache.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	if opts.Addr != "prism.redis.cache.windows.net:6380" {
		t.Fatalf("unexpected addr %q", opts.Addr)
	}
	if opts.Password != "abc=" {
		t.Fatalf("unexpected password %q", opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Fatal("expected tls config")
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("PRISM_TEST_INT", "")
	t.Setenv("PRISM_TEST_DUR", "")
	if got := Int("PRISM_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default int, got %d", got)
	}
	if got := Duration("PRISM_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("expected default duration, got %v", got)
	}
	t.Setenv("PRISM_TEST_INT", "12")
	t.Setenv("PRISM_TEST_DUR", "15ms")
	if got := Int("PRISM_TEST_INT", 7); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
	if got := Duration("PRISM_TEST_DUR", time.Second); got != 15*time.Millisecond {
		t.Fatalf("expected 15ms, got %v", got)
	}
	if String("PRISM_TEST_MISSING", "x") != "x" {
		t.Fatal("expected string default")
	}
}

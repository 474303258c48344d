package config

import (
	"reflect"
	"testing"
	"time"
)

func TestGetStringFallback(t *testing.T) {
	t.Setenv("REQPROF_TEST_STR", "set")
	if got := GetString("REQPROF_TEST_STR", "fallback"); got != "set" {
		t.Errorf("got %q", got)
	}
	if got := GetString("REQPROF_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}

func TestGetIntInvalidFallsBack(t *testing.T) {
	t.Setenv("REQPROF_TEST_INT", "not-a-number")
	if got := GetInt("REQPROF_TEST_INT", 42); got != 42 {
		t.Errorf("got %d", got)
	}
	t.Setenv("REQPROF_TEST_INT", "7")
	if got := GetInt("REQPROF_TEST_INT", 42); got != 7 {
		t.Errorf("got %d", got)
	}
}

func TestGetBool(t *testing.T) {
	t.Setenv("REQPROF_TEST_BOOL", "true")
	if !GetBool("REQPROF_TEST_BOOL", false) {
		t.Error("true not parsed")
	}
	t.Setenv("REQPROF_TEST_BOOL", "maybe")
	if GetBool("REQPROF_TEST_BOOL", false) {
		t.Error("invalid value did not fall back")
	}
}

func TestGetStringsSplitsAndTrims(t *testing.T) {
	t.Setenv("REQPROF_TEST_LIST", " ^/static/ , , \\.ico$ ")
	got := GetStrings("REQPROF_TEST_LIST", nil)
	want := []string{"^/static/", "\\.ico$"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := GetStrings("REQPROF_TEST_LIST_UNSET", []string{"a"}); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("fallback not returned: %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != ":8090" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.EndpointRoot != "profiler" {
		t.Errorf("endpoint root = %q", cfg.EndpointRoot)
	}
	if cfg.Storage.Engine != EngineSQLite {
		t.Errorf("engine = %q", cfg.Storage.Engine)
	}
	if !cfg.Capture.Enabled {
		t.Error("capture disabled by default")
	}
	if cfg.Capture.CapturePanics {
		t.Error("panic capture enabled by default")
	}
	if cfg.Lookback != 7*24*time.Hour {
		t.Errorf("lookback = %v", cfg.Lookback)
	}
	if cfg.QueryTimeout != 10*time.Second {
		t.Errorf("query timeout = %v", cfg.QueryTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REQPROF_STORAGE_ENGINE", EngineMongo)
	t.Setenv("REQPROF_IGNORE", "^/static/,\\.ico$")
	t.Setenv("REQPROF_RETENTION_ENABLED", "true")
	t.Setenv("REQPROF_RETENTION_DAYS", "14")

	cfg := Load()
	if cfg.Storage.Engine != EngineMongo {
		t.Errorf("engine = %q", cfg.Storage.Engine)
	}
	if len(cfg.Capture.Ignore) != 2 {
		t.Errorf("ignore = %v", cfg.Capture.Ignore)
	}
	if !cfg.Retention.Enabled || cfg.Retention.Period != 14*24*time.Hour {
		t.Errorf("retention = %+v", cfg.Retention)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mysql:
  dsn: "root:pw@tcp(127.0.0.1:3306)/story"
remote:
  base_url: "https://api.example.com"
  api_key: "k"
pipeline:
  poll_interval: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Pipeline.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", cfg.Pipeline.PollInterval)
	}
	if cfg.Pipeline.PollMaxAttempts != 120 || cfg.Pipeline.PollMaxErrors != 3 {
		t.Errorf("poll limits = %d / %d", cfg.Pipeline.PollMaxAttempts, cfg.Pipeline.PollMaxErrors)
	}
	if cfg.Pipeline.CancelGrace != 3*time.Second {
		t.Errorf("cancel grace = %v", cfg.Pipeline.CancelGrace)
	}
	if got := strings.Join(cfg.Pipeline.TextEncodings, ","); got != "utf-8,gbk,gb2312,gb18030,big5" {
		t.Errorf("encodings = %s", got)
	}
	if cfg.Export.FFmpegPath != "ffmpeg" || cfg.Export.DownloadConcurrency != 4 {
		t.Errorf("export = %+v", cfg.Export)
	}
	if cfg.Storage.TextDir != "data/texts" || cfg.Storage.VoiceDir != "data/voices" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mysql:
  dsn: "from-file"
remote:
  api_key: "file-key"
`)
	t.Setenv("MYSQL_DSN", "from-env")
	t.Setenv("API_KEY", "env-key")
	t.Setenv("PORT", "9090")
	t.Setenv("GEMINI_SDK", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MySQL.DSN != "from-env" || cfg.Remote.APIKey != "env-key" || cfg.Server.Port != "9090" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	// 使用 SDK 时不需要 base_url
	if !cfg.Remote.GeminiSDK {
		t.Fatal("GEMINI_SDK not applied")
	}
}

func TestValidateListsMissingFields(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"mysql.dsn", "remote.base_url", "remote.api_key"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

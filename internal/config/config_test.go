package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"telegram-forwarder/internal/media"
)

// writeConfig кладёт JSON во временный файл и возвращает путь.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearEnv нейтрализует переменные окружения, которые loadConfig читает
// напрямую, чтобы внешнее окружение не влияло на проверки JSON-значений.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"API_ID", "API_HASH", "PHONE_NUMBER",
		"SESSION_FILE", "UPDATES_STATE_FILE", "LOG_LEVEL", "LOG_FILE",
	} {
		t.Setenv(name, "")
	}
}

const minimalGeneral = `"GENERAL": {"api_id": 111, "api_hash": "hash", "phone_number": "+70000000000"}`

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{
		`+minimalGeneral+`,
		"DOWNLOAD": {"parallel_download": true}
	}`)

	cfg, err := loadConfig(path, "")
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}

	if cfg.General.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.General.MaxRetries)
	}
	if cfg.Download.DownloadPath != "downloads" {
		t.Errorf("DownloadPath = %q, want %q", cfg.Download.DownloadPath, "downloads")
	}
	if cfg.Download.MaxConcurrentDownloads != 3 {
		t.Errorf("MaxConcurrentDownloads = %d, want 3", cfg.Download.MaxConcurrentDownloads)
	}
	if cfg.Download.DirSizeLimitMB != 1000 {
		t.Errorf("DirSizeLimitMB = %d, want 1000", cfg.Download.DirSizeLimitMB)
	}
	if cfg.Upload.CaptionTemplate != "{filename}" {
		t.Errorf("CaptionTemplate = %q, want %q", cfg.Upload.CaptionTemplate, "{filename}")
	}
	if cfg.Upload.DelayBetweenUploads != 0.5 {
		t.Errorf("DelayBetweenUploads = %v, want 0.5", cfg.Upload.DelayBetweenUploads)
	}
	if cfg.Forward.ForwardDelay != 0.5 {
		t.Errorf("FORWARD.ForwardDelay = %v, want 0.5", cfg.Forward.ForwardDelay)
	}
	if cfg.Forward.TmpPath != "tmp" {
		t.Errorf("TmpPath = %q, want %q", cfg.Forward.TmpPath, "tmp")
	}
	if cfg.Monitor.ForwardDelay != 0.5 {
		t.Errorf("MONITOR.ForwardDelay = %v, want 0.5", cfg.Monitor.ForwardDelay)
	}
	if cfg.Runtime.SessionFile != "data/session.json" {
		t.Errorf("SessionFile = %q, want %q", cfg.Runtime.SessionFile, "data/session.json")
	}
	if cfg.Runtime.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Runtime.LogLevel, "info")
	}
	if !cfg.MonitorDeadline.IsZero() {
		t.Errorf("MonitorDeadline = %v, want zero", cfg.MonitorDeadline)
	}
}

func TestLoadConfigMissingCredentials(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		general string
	}{
		{name: "no api_id", general: `{"api_hash": "h", "phone_number": "+7"}`},
		{name: "no api_hash", general: `{"api_id": 1, "phone_number": "+7"}`},
		{name: "no phone", general: `{"api_id": 1, "api_hash": "h"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `{"GENERAL": `+tt.general+`}`)
			if _, err := loadConfig(path, ""); err == nil {
				t.Fatal("loadConfig() = nil, want error")
			}
		})
	}
}

func TestLoadConfigBadJSON(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{"GENERAL": `)
	if _, err := loadConfig(path, ""); err == nil {
		t.Fatal("loadConfig() on malformed JSON = nil, want error")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_ID", "999")
	t.Setenv("API_HASH", "env-hash")
	t.Setenv("PHONE_NUMBER", "+79990000000")

	path := writeConfig(t, `{`+minimalGeneral+`}`)
	cfg, err := loadConfig(path, "")
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}

	if cfg.General.APIID != 999 {
		t.Errorf("APIID = %d, want env override 999", cfg.General.APIID)
	}
	if cfg.General.APIHash != "env-hash" {
		t.Errorf("APIHash = %q, want env override", cfg.General.APIHash)
	}
	if cfg.General.PhoneNumber != "+79990000000" {
		t.Errorf("PhoneNumber = %q, want env override", cfg.General.PhoneNumber)
	}
}

func TestLoadConfigBadEnvAPIID(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_ID", "not-a-number")

	path := writeConfig(t, `{`+minimalGeneral+`}`)
	cfg, err := loadConfig(path, "")
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}

	// Непригодное переопределение не затирает значение из JSON.
	if cfg.General.APIID != 111 {
		t.Errorf("APIID = %d, want JSON value 111", cfg.General.APIID)
	}
	if !hasWarning(cfg, "API_ID") {
		t.Errorf("warnings = %q, want API_ID warning", cfg.warnings)
	}
}

func TestLoadConfigUploadOptionsExclusive(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{
		`+minimalGeneral+`,
		"UPLOAD": {"options": {"use_folder_name": true, "read_title_txt": true}}
	}`)
	if _, err := loadConfig(path, ""); err == nil {
		t.Fatal("loadConfig() with both caption options = nil, want error")
	}
}

func TestLoadConfigMonitorDuration(t *testing.T) {
	clearEnv(t)

	future := time.Now().AddDate(1, 0, 0)
	futureStr := future.Format("2006-1-2") + "-12"

	tests := []struct {
		name     string
		duration string
		wantErr  bool
	}{
		{name: "future accepted", duration: futureStr},
		{name: "past rejected", duration: "2020-1-1-0", wantErr: true},
		{name: "malformed rejected", duration: "tomorrow", wantErr: true},
		{name: "empty means no deadline", duration: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `{
				`+minimalGeneral+`,
				"MONITOR": {"duration": "`+tt.duration+`"}
			}`)
			cfg, err := loadConfig(path, "")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("loadConfig() duration %q = nil, want error", tt.duration)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadConfig() = %v", err)
			}
			if tt.duration == "" {
				if !cfg.MonitorDeadline.IsZero() {
					t.Fatalf("MonitorDeadline = %v, want zero", cfg.MonitorDeadline)
				}
				return
			}
			if cfg.MonitorDeadline.Hour() != 12 || cfg.MonitorDeadline.Year() != future.Year() {
				t.Fatalf("MonitorDeadline = %v, want %s", cfg.MonitorDeadline, futureStr)
			}
		})
	}
}

func TestLoadConfigWarnings(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "chatty")

	path := writeConfig(t, `{
		"GENERAL": {
			"api_id": 111, "api_hash": "hash", "phone_number": "+7",
			"max_retries": -5,
			"proxy_enabled": true, "proxy_type": "socks5th", "proxy_addr": "x", "proxy_port": 1
		},
		"DOWNLOAD": {
			"parallel_download": true,
			"max_concurrent_downloads": 99,
			"downloadSetting": [
				{"source_channels": ["@a"], "media_types": ["photo", "hologram"]},
				{"source_channels": []}
			]
		},
		"FORWARD": {
			"forward_channel_pairs": [
				{"source": "@src", "targets": []},
				{"source": "", "targets": ["@t"]}
			]
		}
	}`)
	cfg, err := loadConfig(path, "")
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}

	// Непригодные значения заменены дефолтами, а не уронили загрузку.
	if cfg.General.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.General.MaxRetries)
	}
	if cfg.General.ProxyEnabled {
		t.Error("ProxyEnabled = true, want disabled after unknown proxy_type")
	}
	if cfg.Download.MaxConcurrentDownloads != 3 {
		t.Errorf("MaxConcurrentDownloads = %d, want clamped default 3", cfg.Download.MaxConcurrentDownloads)
	}
	if len(cfg.Download.Settings) != 1 {
		t.Fatalf("Settings kept = %d, want 1", len(cfg.Download.Settings))
	}
	if got := cfg.Download.Settings[0].MediaTypes; len(got) != 1 || got[0] != "photo" {
		t.Errorf("MediaTypes = %v, want [photo]", got)
	}
	if len(cfg.Forward.Pairs) != 0 {
		t.Errorf("Forward.Pairs kept = %d, want 0", len(cfg.Forward.Pairs))
	}
	if cfg.Runtime.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want fallback info", cfg.Runtime.LogLevel)
	}

	for _, fragment := range []string{"max_retries", "proxy_type", "max_concurrent_downloads", "hologram", "LOG_LEVEL"} {
		if !hasWarning(cfg, fragment) {
			t.Errorf("warnings missing %q entry: %q", fragment, cfg.warnings)
		}
	}
}

func TestForwardPairsPolicy(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{
		`+minimalGeneral+`,
		"FORWARD": {
			"remove_captions": true,
			"media_types": ["photo", "video"],
			"forward_channel_pairs": [
				{"source": "@plain", "targets": ["@t1", "@t1", " @t2 "]},
				{
					"source": "@custom",
					"targets": ["@t3"],
					"remove_captions": false,
					"media_types": ["document"],
					"keywords": ["sale"],
					"replacements": [{"original": "a", "replacement": "b"}],
					"final_message": "<b>done</b>"
				}
			]
		}
	}`)
	cfg, err := loadConfig(path, "")
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}

	pairs := cfg.ForwardPairs()
	if len(pairs) != 2 {
		t.Fatalf("ForwardPairs() = %d pairs, want 2", len(pairs))
	}

	plain := pairs[0]
	if !plain.RemoveCaptions {
		t.Error("plain pair RemoveCaptions = false, want section value true")
	}
	if want := []string{"@t1", "@t2"}; len(plain.Targets) != 2 || plain.Targets[0] != want[0] || plain.Targets[1] != want[1] {
		t.Errorf("plain pair Targets = %v, want %v (dedup + trim)", plain.Targets, want)
	}
	if len(plain.MediaTypes) != 2 || plain.MediaTypes[0] != media.KindPhoto || plain.MediaTypes[1] != media.KindVideo {
		t.Errorf("plain pair MediaTypes = %v, want section [photo video]", plain.MediaTypes)
	}

	custom := pairs[1]
	if custom.RemoveCaptions {
		t.Error("custom pair RemoveCaptions = true, want per-pair override false")
	}
	if len(custom.MediaTypes) != 1 || custom.MediaTypes[0] != media.KindDocument {
		t.Errorf("custom pair MediaTypes = %v, want override [document]", custom.MediaTypes)
	}
	if len(custom.Keywords) != 1 || custom.Keywords[0] != "sale" {
		t.Errorf("custom pair Keywords = %v, want [sale]", custom.Keywords)
	}
	if len(custom.Replacements) != 1 || custom.Replacements[0].Original != "a" {
		t.Errorf("custom pair Replacements = %v", custom.Replacements)
	}
	if custom.FinalMessage != "<b>done</b>" {
		t.Errorf("custom pair FinalMessage = %q", custom.FinalMessage)
	}
}

func TestPairsWithoutKindsAdmitEverything(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `{
		`+minimalGeneral+`,
		"MONITOR": {"monitor_channel_pairs": [{"source": "@s", "targets": ["@t"]}]},
		"FORWARD": {"forward_channel_pairs": [{"source": "@s", "targets": ["@t"]}]}
	}`)
	cfg, err := loadConfig(path, "")
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}

	// Пара без media_types не фильтрует по виду: пустой набор пропускает
	// и медиа, и чисто текстовые сообщения.
	for name, pairs := range map[string][]Pair{
		"monitor": cfg.MonitorPairs(),
		"forward": cfg.ForwardPairs(),
	} {
		if len(pairs) != 1 {
			t.Fatalf("%s pairs = %d, want 1", name, len(pairs))
		}
		if got := len(pairs[0].MediaTypes); got != 0 {
			t.Fatalf("%s MediaTypes = %d kinds, want empty allow-all set", name, got)
		}
	}
}

// hasWarning проверяет, что среди предупреждений есть строка с подстрокой.
func hasWarning(cfg *Config, fragment string) bool {
	for _, w := range cfg.warnings {
		if strings.Contains(w, fragment) {
			return true
		}
	}
	return false
}

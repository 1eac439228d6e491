package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xChokes/mercado-sub000/internal/config"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Sim.Enabled {
		t.Error("default config should enable the demo driver")
	}
	if cfg.Journal.Driver != "sqlite" {
		t.Errorf("Journal.Driver = %q", cfg.Journal.Driver)
	}
}

func TestEndpointOptions(t *testing.T) {
	opts := endpointOptions(config.EndpointConfig{
		MaxNegotiations: 4,
		MaxRounds:       7,
		WaitTimeout:     250 * time.Millisecond,
		Tolerance:       0.05,
		SpamLimit:       12,
	})
	if opts.PopTimeout != 250*time.Millisecond {
		t.Errorf("PopTimeout = %v, want 250ms", opts.PopTimeout)
	}
	if opts.MaxNegotiations != 4 || opts.MaxRounds != 7 || opts.SpamLimit != 12 || opts.Tolerance != 0.05 {
		t.Errorf("opts = %+v", opts)
	}
}

func TestOrchestratorOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.Interval = 3 * time.Second
	cfg.Orchestrator.EfficiencyFloor = 0.25
	cfg.Endpoint.MaxAlliances = 2
	logger := slog.Default()

	opts := orchestratorOptions(cfg, logger)
	if opts.Interval != 3*time.Second || opts.EfficiencyFloor != 0.25 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Endpoint.MaxAlliances != 2 {
		t.Errorf("endpoint template MaxAlliances = %d, want 2", opts.Endpoint.MaxAlliances)
	}
	if opts.Logger != logger {
		t.Error("logger not passed through")
	}
}

func TestFeedGoods(t *testing.T) {
	goods := feedGoods([]config.GoodConfig{{Name: "wheat", Base: 100, Amplitude: 0.2, Demand: 50, Supply: 40}})
	if len(goods) != 1 || goods[0].Name != "wheat" || goods[0].Base != 100 || goods[0].Supply != 40 {
		t.Errorf("goods = %+v", goods)
	}
}

func TestSimAgents(t *testing.T) {
	agents, err := simAgents([]config.AgentConfig{
		{ID: "c1", Role: "consumer", Capabilities: []string{"buy"}},
		{ID: "f1", Role: "firm"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agents) != 2 || agents[0].Role != protocol.RoleConsumer || agents[1].Role != protocol.RoleFirm {
		t.Errorf("agents = %+v", agents)
	}

	if _, err := simAgents([]config.AgentConfig{{ID: "x", Role: "bank"}}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestJournalDSN(t *testing.T) {
	if got := journalDSN(config.JournalConfig{Driver: "sqlite", DSN: "file.db"}); got != "file.db" {
		t.Errorf("sqlite dsn = %q", got)
	}
	if got := journalDSN(config.JournalConfig{Driver: "sqlite"}); got != "" {
		t.Errorf("empty sqlite dsn = %q", got)
	}
	got := journalDSN(config.JournalConfig{Driver: "mysql", User: "root", Host: "db", Port: 3306, Database: "mercado"})
	if !strings.Contains(got, "tcp(db:3306)/mercado") {
		t.Errorf("mysql dsn = %q", got)
	}
	if got := journalDSN(config.JournalConfig{Driver: "mysql", DSN: "u@tcp(h:1)/x"}); got != "u@tcp(h:1)/x" {
		t.Errorf("explicit mysql dsn = %q", got)
	}
}

func TestBuildNotifiers(t *testing.T) {
	none, err := buildNotifiers(config.AlertsConfig{}, slog.Default())
	if err != nil || len(none) != 0 {
		t.Fatalf("buildNotifiers(empty) = %v, %v", none, err)
	}

	both, err := buildNotifiers(config.AlertsConfig{
		Slack:   config.ChannelConfig{BotToken: "xoxb-1", ChannelID: "C1"},
		Discord: config.ChannelConfig{BotToken: "d-1", ChannelID: "D1"},
	}, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(both) != 2 || both[0].Name() != "slack" || both[1].Name() != "discord" {
		t.Errorf("notifiers = %v", both)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf).Debug("shown", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("expected json record, got: %s", buf.String())
	}

	buf.Reset()
	newLogger(config.LogConfig{Level: "info", Format: "text"}, &buf).Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("expected text record, got: %s", buf.String())
	}

	buf.Reset()
	newLogger(config.LogConfig{Level: "info", Format: "auto"}, &buf).Info("piped")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("non-terminal auto format should be json, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

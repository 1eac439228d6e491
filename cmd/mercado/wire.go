package main

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/xChokes/mercado-sub000/internal/alerting"
	"github.com/xChokes/mercado-sub000/internal/alerting/discord"
	"github.com/xChokes/mercado-sub000/internal/alerting/slack"
	"github.com/xChokes/mercado-sub000/internal/config"
	"github.com/xChokes/mercado-sub000/internal/db"
	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/feed"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
	"github.com/xChokes/mercado-sub000/internal/protocol"
	"github.com/xChokes/mercado-sub000/internal/sim"
)

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func endpointOptions(c config.EndpointConfig) endpoint.Options {
	return endpoint.Options{
		MaxNegotiations: c.MaxNegotiations,
		MaxAlliances:    c.MaxAlliances,
		MaxRounds:       c.MaxRounds,
		PopTimeout:      c.WaitTimeout,
		NegotiationTTL:  c.NegotiationTTL,
		Tolerance:       c.Tolerance,
		SignalHistory:   c.SignalHistory,
		NoticeHistory:   c.NoticeHistory,
		SpamLimit:       c.SpamLimit,
		SpamWindow:      c.SpamWindow,
		SpamPenalty:     c.SpamPenalty,
	}
}

func orchestratorOptions(cfg *config.Config, logger *slog.Logger) orchestrator.Options {
	c := cfg.Orchestrator
	return orchestrator.Options{
		Interval:               c.Interval,
		RouteBatch:             c.RouteBatch,
		HistorySize:            c.HistorySize,
		MediationRounds:        c.MediationRounds,
		SuggestionLimit:        c.SuggestionLimit,
		EfficiencyFloor:        c.EfficiencyFloor,
		ConcentrationThreshold: c.ConcentrationThreshold,
		AsymmetryThreshold:     c.AsymmetryThreshold,
		ManipulationRatio:      c.ManipulationRatio,
		SignalMinConfidence:    c.SignalMinConfidence,
		SignalMinIntensity:     c.SignalMinIntensity,
		AllianceCooldown:       c.AllianceCooldown,
		SummaryEvery:           c.SummaryEvery,
		Endpoint:               endpointOptions(cfg.Endpoint),
		Logger:                 logger,
	}
}

func feedGoods(goods []config.GoodConfig) []feed.GoodSpec {
	out := make([]feed.GoodSpec, len(goods))
	for i, g := range goods {
		out[i] = feed.GoodSpec{
			Name:      g.Name,
			Base:      g.Base,
			Amplitude: g.Amplitude,
			Demand:    g.Demand,
			Supply:    g.Supply,
		}
	}
	return out
}

func simAgents(agents []config.AgentConfig) ([]sim.AgentSpec, error) {
	out := make([]sim.AgentSpec, 0, len(agents))
	for _, a := range agents {
		role, err := protocol.ParseRole(a.Role)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		out = append(out, sim.AgentSpec{ID: a.ID, Role: role, Capabilities: a.Capabilities})
	}
	return out, nil
}

func simOptions(cfg *config.Config, agents []sim.AgentSpec, shocker sim.Shocker, logger *slog.Logger) sim.DriverOpts {
	s := cfg.Sim
	return sim.DriverOpts{
		Agents:             agents,
		Seed:               s.Seed,
		Interval:           s.Interval,
		NegotiateChance:    s.NegotiateChance,
		SignalChance:       s.SignalChance,
		ProposalChance:     s.ProposalChance,
		CoordinationChance: s.CoordinationChance,
		ShockChance:        s.ShockChance,
		ShockFactor:        s.ShockFactor,
		Shocker:            shocker,
		Logger:             logger,
	}
}

// journalDSN resolves the connection string for the configured driver.
func journalDSN(c config.JournalConfig) string {
	if c.DSN != "" || c.Driver != db.DriverMySQL {
		return c.DSN
	}
	return db.DSN(c.User, c.Host, c.Port, c.Database)
}

// openJournalDB connects to the journal database and migrates it.
func openJournalDB(c config.JournalConfig) (*gorm.DB, error) {
	gdb, err := db.Open(c.Driver, journalDSN(c))
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.Close(gdb)
		return nil, err
	}
	return gdb, nil
}

// buildNotifiers creates a notifier for every configured channel.
func buildNotifiers(c config.AlertsConfig, logger *slog.Logger) ([]alerting.Notifier, error) {
	var out []alerting.Notifier
	if c.Slack.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: c.Slack.BotToken, ChannelID: c.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if c.Discord.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: c.Discord.BotToken, ChannelID: c.Discord.ChannelID, Logger: logger})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Package server wires all MCP components and creates the server instance.
//
// This is the composition root (DIP): it creates concrete implementations
// and injects them into the tools/prompts/resources that depend on abstractions.
// No business logic lives here, only wiring.
package server

import (
	"context"
	"fmt"

	"github.com/HendryAvila/datacommons-mcp/internal/config"
	"github.com/HendryAvila/datacommons-mcp/internal/datacommons"
	"github.com/HendryAvila/datacommons-mcp/internal/fanout"
	"github.com/HendryAvila/datacommons-mcp/internal/indicators"
	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/HendryAvila/datacommons-mcp/internal/prompts"
	"github.com/HendryAvila/datacommons-mcp/internal/query"
	"github.com/HendryAvila/datacommons-mcp/internal/resources"
	"github.com/HendryAvila/datacommons-mcp/internal/tools"
	"github.com/HendryAvila/datacommons-mcp/internal/topics"
	"github.com/ONSdigital/log.go/v2/log"
	"github.com/mark3labs/mcp-go/server"
)

// Name is the MCP server name reported to clients.
const Name = "DC MCP Server"

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with all tools, prompts,
// and resources registered. This is the single place where all
// dependencies are resolved.
//
// The returned cleanup function closes the topic store and must be
// called on shutdown (typically via defer). It is always non-nil.
func New(ctx context.Context, cfg *config.Config) (*server.MCPServer, func(), error) {
	// --- Create shared dependencies ---

	store, err := topics.New(topics.Config{DataDir: cfg.DataDir, CachePath: cfg.TopicCachePath})
	if err != nil {
		return nil, noop, fmt.Errorf("opening topic store: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Warn(context.Background(), "closing topic store", log.Data{"error": err.Error()})
		}
	}

	client, err := newClient(cfg)
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	policy := policyFor(cfg)
	ranker, err := indicators.NewRanker(client, store, indicators.Options{
		Policy:     policy,
		RootTopics: cfg.RootTopicDCIDs,
	})
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("creating ranker: %w", err)
	}

	svc := query.New(client, ranker, query.Options{
		Policy:             policy,
		ChildSampleSize:    cfg.ChildSampleSize,
		PlaceTypeOrder:     cfg.PlaceTypeOrder,
		DefaultSearchLimit: cfg.DefaultSearchLimit,
	})
	instructions := tools.NewInstructions(cfg.InstructionsDir)

	// --- Create the MCP server ---

	s := server.NewMCPServer(
		Name,
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions.Load(ctx, tools.ServerInstructionFile)),
	)

	// --- Register data tools ---

	searchTool := tools.NewSearchIndicatorsTool(svc, instructions.Load(ctx, tools.SearchIndicatorsInstructionFile))
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	observationsTool := tools.NewGetObservationsTool(svc, instructions.Load(ctx, tools.GetObservationsInstructionFile))
	s.AddTool(observationsTool.Definition(), observationsTool.Handle)

	// --- Register prompts ---

	explorePrompt := prompts.NewExplorePrompt()
	s.AddPrompt(explorePrompt.Definition(), explorePrompt.Handle)

	comparePrompt := prompts.NewComparePrompt()
	s.AddPrompt(comparePrompt.Definition(), comparePrompt.Handle)

	// --- Register resources ---

	resourceHandler := resources.NewHandler(store, resources.ServerInfo{
		Name:           Name,
		Version:        Version,
		InstanceType:   cfg.Type,
		SearchScope:    cfg.SearchScope,
		RootTopicDCIDs: cfg.RootTopicDCIDs,
	})
	s.AddResource(resourceHandler.StatusResource(), resourceHandler.HandleStatus)
	s.AddResourceTemplate(resourceHandler.TopicTemplate(), resourceHandler.HandleTopic)

	return s, cleanup, nil
}

// newClient builds the instance clients for cfg. A custom deployment also
// reaches the base instance when an API key is configured.
func newClient(cfg *config.Config) (kg.Client, error) {
	scope, err := datacommons.ParseScope(cfg.SearchScope)
	if err != nil {
		return nil, err
	}

	var base, custom kg.Client
	if !cfg.IsCustom() || cfg.APIKey != "" {
		base = datacommons.New(datacommons.Config{
			Name:        "base",
			APIRoot:     cfg.APIRoot,
			SearchRoot:  cfg.SearchBaseURL,
			SearchIndex: cfg.BaseIndex,
			APIKey:      cfg.APIKey,
		})
	}
	if cfg.IsCustom() {
		custom = datacommons.New(datacommons.Config{
			Name:        "custom",
			APIRoot:     cfg.CustomAPIRoot(),
			SearchRoot:  cfg.CustomURL,
			SearchIndex: cfg.CustomIndex,
			APIKey:      cfg.APIKey,
		})
	}

	multi, err := datacommons.NewMultiClient(base, custom, scope)
	if err != nil {
		return nil, fmt.Errorf("creating Data Commons client: %w", err)
	}
	return multi, nil
}

func policyFor(cfg *config.Config) fanout.Policy {
	p := fanout.DefaultPolicy()
	p.MaxParallel = cfg.MaxParallel
	p.PerCallTimeout = cfg.RequestTimeout
	p.MaxRetries = cfg.MaxRetries
	if p.MaxBackoff > cfg.RequestTimeout {
		p.MaxBackoff = cfg.RequestTimeout / 2
	}
	if p.InitialBackoff > p.MaxBackoff {
		p.InitialBackoff = p.MaxBackoff
	}
	return p
}

// LogConfig writes the effective configuration with the API key redacted.
func LogConfig(ctx context.Context, cfg *config.Config) {
	key := "<NOT_SET>"
	if cfg.APIKey != "" {
		key = "<SET>"
	}
	log.Info(ctx, "server configuration", log.Data{
		"version":              Version,
		"dc_type":              cfg.Type,
		"api_key":              key,
		"api_root":             cfg.APIRoot,
		"custom_dc_url":        cfg.CustomURL,
		"search_base_url":      cfg.SearchBaseURL,
		"base_index":           cfg.BaseIndex,
		"custom_index":         cfg.CustomIndex,
		"search_scope":         cfg.SearchScope,
		"root_topic_dcids":     cfg.RootTopicDCIDs,
		"instructions_dir":     cfg.InstructionsDir,
		"data_dir":             cfg.DataDir,
		"max_parallel":         cfg.MaxParallel,
		"request_timeout":      cfg.RequestTimeout.String(),
		"max_retries":          cfg.MaxRetries,
		"child_sample_size":    cfg.ChildSampleSize,
		"default_search_limit": cfg.DefaultSearchLimit,
	})
}

// noop is the cleanup returned when nothing was opened.
func noop() {}

package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/talegate/internal/config"
	"github.com/hazyhaar/talegate/internal/gateway"
	"github.com/hazyhaar/talegate/internal/llm"
	"github.com/hazyhaar/talegate/internal/mcp"
	"github.com/hazyhaar/talegate/internal/store"
	"github.com/hazyhaar/talegate/pkg/audit"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "mcp":
		cmdMCP(os.Args[2:])
	case "version":
		fmt.Printf("talegate %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`talegate — content store & generation gateway for branching narratives

Usage:
  talegate serve [--config config.toml] [--addr :8080]
  talegate mcp [--config config.toml]
  talegate version
  talegate help

Commands:
  serve     Start the asset gateway HTTP server
  mcp       Serve the authoring/pipeline tools over MCP stdio
  version   Print version
  help      Show this help`)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	auditLog := audit.NewSQLiteLogger(st.DB())
	if err := auditLog.Init(); err != nil {
		log.Fatalf("initializing audit log: %v", err)
	}
	defer auditLog.Close()

	gw := gateway.New(st, auditLog, gateway.Options{
		AssetRoot: cfg.Gateway.AssetRoot,
		Upstream:  cfg.Gateway.Upstream,
		PollDelay: time.Duration(cfg.Gateway.PollDelayMS) * time.Millisecond,
	})

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	log.Printf("talegate %s listening on %s", version, cfg.Server.Addr)
	log.Printf("store: %s", cfg.Store.Path)
	if cfg.Gateway.Upstream != "" {
		log.Printf("network fallback: %s", cfg.Gateway.Upstream)
	} else {
		log.Printf("network fallback: disabled")
	}

	if err := http.ListenAndServe(cfg.Server.Addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func cmdMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	auditLog := audit.NewSQLiteLogger(st.DB())
	if err := auditLog.Init(); err != nil {
		log.Fatalf("initializing audit log: %v", err)
	}
	defer auditLog.Close()

	srv := mcp.NewServer(mcp.Deps{
		Store:  st,
		Client: buildLLMClient(cfg),
		Audit:  auditLog,
	})
	if err := server.ServeStdio(srv); err != nil {
		log.Fatalf("mcp server error: %v", err)
	}
}

func buildLLMClient(cfg *config.Config) *llm.Client {
	var providers []llm.Provider
	if cfg.LLM.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:         "openai",
			BaseURL:      cfg.LLM.OpenAIBaseURL,
			APIKey:       cfg.LLM.OpenAIAPIKey,
			DefaultModel: cfg.LLM.OpenAIModel,
		}))
	}
	if cfg.LLM.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey))
	}
	if len(providers) == 0 {
		return nil
	}
	return llm.New(providers)
}

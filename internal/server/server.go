// Package server provides the HTTP surface over the conversation runtime:
// health, the streaming turn endpoint, and the account surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/convoflow/engine/internal/account"
	"github.com/convoflow/engine/internal/command"
	"github.com/convoflow/engine/internal/delegation"
	"github.com/convoflow/engine/internal/dispatch"
	"github.com/convoflow/engine/internal/frame"
	"github.com/convoflow/engine/internal/mcp"
	"github.com/convoflow/engine/internal/participant"
	"github.com/convoflow/engine/internal/permission"
	"github.com/convoflow/engine/internal/provider"
	"github.com/convoflow/engine/internal/ratelimit"
	"github.com/convoflow/engine/internal/sse"
	"github.com/convoflow/engine/internal/storage"
	"github.com/convoflow/engine/internal/tool"
	"github.com/convoflow/engine/internal/turn"
	"github.com/convoflow/engine/internal/vcs"
	"github.com/convoflow/engine/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	Directory    string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	DefaultProviderID string
	DefaultModelID    string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE streams stay open
	}
}

// Server is the HTTP server wiring every runtime component to its routes.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server

	storage        *storage.Storage
	frames         *frame.Store
	participants   *participant.Registry
	permissions    *permission.Engine
	broker         *permission.Broker
	tools          *tool.Registry
	providers      *provider.Registry
	dispatcher     *dispatch.Dispatcher
	broadcaster    *sse.Broadcaster
	pipeline       *turn.Pipeline
	delegator      *delegation.Delegator
	limiter        *ratelimit.Limiter
	commands       *command.Executor
	commandWatcher *vcs.DirWatcher
	accounts       *account.Store

	startedAt time.Time
}

// New wires the runtime's components into a Server.
func New(cfg *Config, appConfig *types.Config, store *storage.Storage, providerReg *provider.Registry, toolReg *tool.Registry) *Server {
	frames := frame.New(store)
	participants := participant.New(store)
	permEngine := permission.NewEngine(store)
	broker := permission.NewBroker(frames, permEngine)
	dispatcher := dispatch.New(frames, permEngine, broker, toolReg)
	broadcaster := sse.New()
	var promptVariables map[string]string
	if appConfig != nil {
		promptVariables = appConfig.PromptVariables
	}
	pipeline := turn.New(frames, participants, dispatcher, providerReg, broadcaster, promptVariables)

	s := &Server{
		config:       cfg,
		router:       chi.NewRouter(),
		storage:      store,
		frames:       frames,
		participants: participants,
		permissions:  permEngine,
		broker:       broker,
		tools:        toolReg,
		providers:    providerReg,
		dispatcher:   dispatcher,
		broadcaster:  broadcaster,
		pipeline:     pipeline,
		limiter:      ratelimit.New(ratelimit.DefaultConfig),
		commands:     command.NewExecutor(cfg.Directory, appConfig),
		accounts:     account.New(),
		startedAt:    time.Now(),
	}
	s.delegator = delegation.New(store, frames, participants, pipelineRunner{pipeline})
	toolReg.SetDelegateRunner(delegatorAdapter{s.delegator})
	toolReg.SetTaskExecutor(taskExecutorAdapter{delegator: s.delegator, participants: participants})

	connectMCPServers(appConfig, toolReg)
	s.commandWatcher = watchCommandDir(cfg.Directory, s.commands)

	if cfg.DefaultProviderID == "" && appConfig != nil && appConfig.Model != "" {
		cfg.DefaultProviderID, cfg.DefaultModelID = provider.ParseModelString(appConfig.Model)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// watchCommandDir implements D3: a change anywhere under workDir's command
// directory reloads the executor's command set, so editing or adding a
// command file takes effect without restarting the server. Returns nil
// (hot-reload simply inactive) if the directory doesn't exist yet or the
// watcher can't be started.
func watchCommandDir(workDir string, executor *command.Executor) *vcs.DirWatcher {
	dir := filepath.Join(workDir, ".opencode", "command")
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	w, err := vcs.WatchDir(dir, executor.Reload)
	if err != nil {
		fmt.Printf("[server] command hot-reload disabled: %v\n", err)
		return nil
	}
	return w
}

// connectMCPServers implements D1: every enabled server in the config's mcp
// block is connected, and whatever tools it advertises are registered on
// the C6 registry under the MCP client's server-prefixed tool names.
// Connection failures are logged rather than fatal, so a misconfigured MCP
// server doesn't keep the whole runtime from starting.
func connectMCPServers(appConfig *types.Config, toolReg *tool.Registry) {
	if appConfig == nil || len(appConfig.MCP) == 0 {
		return
	}

	client := mcp.NewClient()
	ctx := context.Background()
	for name, cfg := range appConfig.MCP {
		enabled := cfg.Enabled == nil || *cfg.Enabled
		mcpCfg := &mcp.Config{
			Enabled:     enabled,
			Type:        mcp.TransportType(cfg.Type),
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			Command:     cfg.Command,
			Environment: cfg.Environment,
			Timeout:     cfg.Timeout,
		}
		if err := client.AddServer(ctx, name, mcpCfg); err != nil {
			fmt.Printf("[server] mcp server %s: %v\n", name, err)
		}
	}
	mcp.RegisterMCPTools(client, toolReg)
}

// pipelineRunner adapts turn.Pipeline.Run to delegation.TurnRunner.
type pipelineRunner struct{ p *turn.Pipeline }

func (r pipelineRunner) RunTurn(ctx context.Context, sessionID, userID, content, providerID, modelID, workDir string) {
	r.p.Run(ctx, turn.Input{
		SessionID:  sessionID,
		UserID:     userID,
		Content:    content,
		ProviderID: providerID,
		ModelID:    modelID,
		WorkDir:    workDir,
	})
}

// delegatorAdapter adapts *delegation.Delegator to tool.DelegateRunner, so
// the delegate tool (internal/tool) can call it without that package
// importing internal/delegation.
type delegatorAdapter struct{ d *delegation.Delegator }

func (a delegatorAdapter) Delegate(ctx context.Context, call tool.DelegateCall) (string, string, error) {
	result, err := a.d.Delegate(ctx, delegation.Request{
		SessionID:       call.SessionID,
		OwnerUserID:     call.OwnerUserID,
		CallerAgentID:   call.CallerAgentID,
		TargetAgentID:   call.TargetAgentID,
		Task:            call.Task,
		DelegationDepth: call.DelegationDepth,
		ProviderID:      call.ProviderID,
		ModelID:         call.ModelID,
		WorkDir:         call.WorkDir,
	})
	if err != nil {
		return "", "", err
	}
	return result.Reply, result.ChildSessionID, nil
}

// taskExecutorAdapter implements tool.TaskExecutor (D4) on top of the same
// delegator the delegate tool uses: a subtask is just a delegation whose
// target is an ad hoc subagent type rather than an existing participant, so
// it's registered as a member of the caller's session before delegating.
type taskExecutorAdapter struct {
	delegator    *delegation.Delegator
	participants *participant.Registry
}

func (a taskExecutorAdapter) ExecuteSubtask(ctx context.Context, sessionID, agentName, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	callerAgentID := opts.CallerAgentID
	if callerAgentID == "" || callerAgentID == agentName {
		callerAgentID = "task-tool"
	}

	if err := a.participants.Add(ctx, types.Participant{
		SessionID:       sessionID,
		ParticipantType: types.ParticipantAgent,
		ParticipantID:   agentName,
		Role:            types.RoleMember,
		JoinedAt:        time.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}

	result, err := a.delegator.Delegate(ctx, delegation.Request{
		SessionID:       sessionID,
		CallerAgentID:   callerAgentID,
		TargetAgentID:   agentName,
		Task:            prompt,
		DelegationDepth: opts.DelegationDepth,
		ProviderID:      opts.ProviderID,
		ModelID:         opts.ModelID,
		WorkDir:         opts.WorkDir,
	})
	if err != nil {
		return nil, err
	}

	return &tool.TaskResult{
		Output:    result.Reply,
		SessionID: result.ChildSessionID,
		AgentID:   agentName,
	}, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(s.limiter.Middleware)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broker.Shutdown()
	if s.commandWatcher != nil {
		s.commandWatcher.Stop()
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Package agent dispatches batches to sandboxed agent containers and decodes
// their marker-delimited results.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/telemetry"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// Store is the persistence surface the dispatcher needs. *store.Store
// satisfies it.
type Store interface {
	GetSession(ctx context.Context, groupFolder string) (string, error)
	SetSession(ctx context.Context, groupFolder, sessionID string) error
	TasksForGroup(ctx context.Context, folder string) ([]store.ScheduledTask, error)
	AllTasks(ctx context.Context) ([]store.ScheduledTask, error)
	ListChats(ctx context.Context) ([]store.Chat, error)
	ListGroups(ctx context.Context) ([]store.RegisteredGroup, error)
}

// BatchRequest is one unit of agent work.
type BatchRequest struct {
	Group           store.RegisteredGroup
	ChatJID         string
	Prompt          string
	IsScheduledTask bool

	// Isolated runs get no stored session and leave none behind.
	Isolated bool

	// OnStatus receives STATUS: lines from the agent's stderr as they arrive.
	OnStatus func(text string)

	// OnProcess receives the container's process handle and name so the
	// caller can track it for shutdown.
	OnProcess func(proc *os.Process, container string)
}

// BatchResult is a successful run's outcome.
type BatchResult struct {
	Output *protocol.AgentOutput

	// Message is the user-facing text, empty when the agent chose to stay
	// silent or logged internally.
	Message string
}

// Dispatcher composes container runs: snapshots, mounts, wire protocol,
// session persistence.
type Dispatcher struct {
	cfg    *config.Config
	store  Store
	runner ContainerRunner
	policy config.MountPolicy
}

// New builds a dispatcher.
func New(cfg *config.Config, st Store, runner ContainerRunner, policy config.MountPolicy) *Dispatcher {
	return &Dispatcher{cfg: cfg, store: st, runner: runner, policy: policy}
}

// VerifyRuntime checks the container runtime is reachable.
func (d *Dispatcher) VerifyRuntime(ctx context.Context) error {
	return d.runner.VerifyRuntime(ctx)
}

// RefreshSnapshots rewrites a group's workspace state files outside a run
// (the IPC refresh_groups path).
func (d *Dispatcher) RefreshSnapshots(ctx context.Context, group store.RegisteredGroup) error {
	return writeSnapshots(ctx, d.store, d.cfg.GroupsDir(), group)
}

// RunBatch runs one agent container for the request and returns its decoded
// result. A run that crashed after emitting a complete payload still counts
// as that payload; sessions persist even when the run errored afterwards.
func (d *Dispatcher) RunBatch(ctx context.Context, req BatchRequest) (res *BatchResult, err error) {
	folder := req.Group.Folder

	ctx, span := telemetry.Tracer("agent").Start(ctx, "agent.batch")
	span.SetAttributes(
		attribute.String("agent.group", folder),
		attribute.String("agent.chat", req.ChatJID),
		attribute.Bool("agent.scheduled", req.IsScheduledTask),
		attribute.Bool("agent.isolated", req.Isolated),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sessionID := ""
	if !req.Isolated {
		var err error
		sessionID, err = d.store.GetSession(ctx, folder)
		if err != nil {
			slog.Warn("session lookup failed, starting fresh", "group", folder, "error", err)
		}
	}

	if err := writeSnapshots(ctx, d.store, d.cfg.GroupsDir(), req.Group); err != nil {
		slog.Warn("snapshot refresh failed", "group", folder, "error", err)
	}

	input, err := json.Marshal(protocol.AgentInput{
		Prompt:          req.Prompt,
		SessionID:       sessionID,
		GroupFolder:     folder,
		ChatJID:         req.ChatJID,
		IsMain:          req.Group.IsMain,
		IsScheduledTask: req.IsScheduledTask,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent input: %w", err)
	}

	name := fmt.Sprintf("nanoclaw-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	scanner := &protocol.OutputScanner{}

	spec := RunSpec{
		Image:   d.cfg.Agent.Image,
		Name:    name,
		Mounts:  resolveMounts(d.cfg.GroupsDir(), req.Group, d.policy),
		Input:   input,
		Timeout: d.batchTimeout(req.Group),
		OnStdoutLine: func(line string) {
			if !scanner.Line(line) && line != "" {
				slog.Debug("agent stdout", "group", folder, "line", line)
			}
		},
		OnStderrLine: func(line string) {
			if status, ok := strings.CutPrefix(line, protocol.StatusPrefix); ok {
				if req.OnStatus != nil {
					req.OnStatus(strings.TrimSpace(status))
				}
				return
			}
			slog.Debug("agent stderr", "group", folder,
				"line", strings.TrimSpace(strings.TrimPrefix(line, protocol.LogPrefix)))
		},
	}
	if req.OnProcess != nil {
		spec.OnStart = func(proc *os.Process) { req.OnProcess(proc, name) }
	}

	slog.Info("agent run starting", "group", folder, "chat", req.ChatJID,
		"container", name, "session", sessionID != "")
	runErr := d.runner.Run(ctx, spec)
	out, parseErr := scanner.Output()

	if out != nil && out.NewSessionID != "" && !req.Isolated {
		if err := d.store.SetSession(ctx, folder, out.NewSessionID); err != nil {
			slog.Error("session persist failed", "group", folder, "error", err)
		}
	}

	switch {
	case out != nil && out.Status == protocol.StatusSuccess:
		if runErr != nil {
			slog.Warn("agent exited abnormally after a complete payload",
				"group", folder, "container", name, "error", runErr)
		}
		result := &BatchResult{Output: out}
		if out.Result != nil && out.Result.OutputType == protocol.OutputTypeMessage {
			result.Message = strings.TrimSpace(out.Result.UserMessage)
		}
		return result, nil
	case out != nil:
		return nil, fmt.Errorf("agent error: %s", out.Error)
	case parseErr != nil:
		return nil, fmt.Errorf("agent payload malformed: %w", parseErr)
	case runErr != nil:
		return nil, runErr
	default:
		return nil, fmt.Errorf("agent %s emitted no payload", name)
	}
}

func (d *Dispatcher) batchTimeout(group store.RegisteredGroup) time.Duration {
	if group.ContainerConfig != nil && group.ContainerConfig.Timeout != "" {
		if dur, err := time.ParseDuration(group.ContainerConfig.Timeout); err == nil && dur > 0 {
			return dur
		}
		slog.Warn("bad container timeout override, using default",
			"group", group.Folder, "timeout", group.ContainerConfig.Timeout)
	}
	return d.cfg.AgentTimeout()
}

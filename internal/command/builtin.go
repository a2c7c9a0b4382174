package command

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/convoflow/engine/internal/frame"
	"github.com/convoflow/engine/internal/participant"
	"github.com/convoflow/engine/pkg/types"
)

var commandPattern = regexp.MustCompile(`^/(\w[\w-]*)(?:\s+([\s\S]*))?$`)

// IsCommand reports whether s, once trimmed, is a slash command: "/" then
// at least one word character.
func IsCommand(s string) bool {
	return commandPattern.MatchString(strings.TrimSpace(s))
}

// ParsedCommand is the result of parsing a slash command invocation.
type ParsedCommand struct {
	Name string
	Args string
}

// ParseCommand splits "/name args..." into a lowercased, dash/underscore
// normalized name and the remaining argument text. Returns ok=false if s is
// not a command.
func ParseCommand(s string) (ParsedCommand, bool) {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ParsedCommand{}, false
	}
	return ParsedCommand{Name: normalizeKey(m[1]), Args: m[2]}, true
}

// normalizeKey lowercases a command name and folds '-' and '_' to the same
// key, so "/my-command" and "/my_command" resolve to the same command.
func normalizeKey(name string) string {
	name = strings.ToLower(name)
	return strings.ReplaceAll(name, "-", "_")
}

// Result is the outcome of executing a command, builtin or custom.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunContext carries what builtins need beyond their own arguments.
type RunContext struct {
	SessionID    string
	Frames       *frame.Store
	Participants *participant.Registry
}

var builtinNames = map[string]bool{
	"help": true, "session": true, "compact": true, "start": true, "reload": true,
}

// Run executes a parsed command: built-ins first (help/session/compact/
// start/reload), then falls through to the executor's config/file-defined
// custom commands.
func (e *Executor) Run(ctx context.Context, rc RunContext, parsed ParsedCommand) Result {
	if builtinNames[parsed.Name] {
		return e.runBuiltin(ctx, rc, parsed)
	}

	name := parsed.Name
	for key := range e.commands {
		if normalizeKey(key) == parsed.Name {
			name = key
			break
		}
	}
	res, err := e.Execute(ctx, name, parsed.Args)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Content: res.Prompt}
}

func (e *Executor) runBuiltin(ctx context.Context, rc RunContext, parsed ParsedCommand) Result {
	switch parsed.Name {
	case "help":
		return e.runHelp()
	case "session":
		return e.runSession(ctx, rc)
	case "compact":
		return e.runCompact(ctx, rc)
	case "start":
		return Result{Success: true, Content: "session started"}
	case "reload":
		e.Reload()
		return Result{Success: true, Content: "commands reloaded"}
	default:
		return Result{Success: false, Error: fmt.Sprintf("unknown builtin: %s", parsed.Name)}
	}
}

func (e *Executor) runHelp() Result {
	var b strings.Builder
	b.WriteString("Built-in commands: help, session, compact, start, reload\n")
	if customs := e.List(); len(customs) > 0 {
		b.WriteString("Custom commands:\n")
		for _, c := range customs {
			fmt.Fprintf(&b, "  /%s - %s\n", c.Name, c.Description)
		}
	}
	return Result{Success: true, Content: b.String()}
}

func (e *Executor) runSession(ctx context.Context, rc RunContext) Result {
	if rc.Participants == nil {
		return Result{Success: false, Error: "no session context"}
	}
	participants, err := rc.Participants.GetSessionParticipants(ctx, rc.SessionID)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s — %d participant(s)\n", rc.SessionID, len(participants))
	for _, p := range participants {
		fmt.Fprintf(&b, "  %s:%s (%s)\n", p.ParticipantType, p.ParticipantID, p.Role)
	}
	return Result{Success: true, Content: b.String()}
}

// runCompact emits a `compact` frame snapshotting the session's current
// compiled state, per the spec's `/compact` semantics (distinct from the
// turn pipeline's own LLM-summarization compaction).
func (e *Executor) runCompact(ctx context.Context, rc RunContext) Result {
	if rc.Frames == nil {
		return Result{Success: false, Error: "no frame store configured"}
	}

	frames, err := rc.Frames.List(ctx, rc.SessionID, frame.ListOptions{})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	compiled := frame.Compile(frames)

	payload, err := json.Marshal(types.CompactPayload{Snapshot: compiled})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	f := &types.Frame{
		ID:         frame.NewFrameID(),
		SessionID:  rc.SessionID,
		Type:       types.FrameCompact,
		AuthorType: types.AuthorSystem,
		Payload:    payload,
	}
	if err := rc.Frames.Append(ctx, f); err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	return Result{Success: true, Content: fmt.Sprintf("compacted %d frames into a snapshot", len(compiled))}
}

// Package frame implements the append-only frame log (C1): typed events
// persisted per session and replayed deterministically into compiled state.
package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/convoflow/engine/internal/storage"
	"github.com/convoflow/engine/pkg/types"
)

// Store is the append-only per-session frame log. Appends are serialized per
// session; compile is a pure fold over a frame slice and does not touch
// storage.
type Store struct {
	storage *storage.Storage

	mu          sync.Mutex
	sessionLock map[string]*sync.Mutex
}

// New creates a frame Store backed by the given file storage.
func New(store *storage.Storage) *Store {
	return &Store{
		storage:     store,
		sessionLock: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessionLock[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.sessionLock[sessionID] = l
	}
	return l
}

// NewFrameID mints a time-sortable frame identifier.
func NewFrameID() string {
	return ulid.Make().String()
}

// Append writes a typed frame. Fails with Conflict if id duplicates an
// existing frame; assigns Timestamp if absent (zero).
func (s *Store) Append(ctx context.Context, f *types.Frame) error {
	lock := s.lockFor(f.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if f.ID == "" {
		f.ID = NewFrameID()
	}
	path := []string{"frame", f.SessionID, f.ID}
	if s.storage.Exists(ctx, path) {
		return types.NewError(types.ErrConflict, fmt.Sprintf("frame %s already exists", f.ID))
	}
	if f.Timestamp == 0 {
		f.Timestamp = timestampFromULID(f.ID)
	}
	if err := s.storage.Put(ctx, path, f); err != nil {
		return types.WrapError(types.ErrInternal, err)
	}
	return nil
}

// timestampFromULID extracts the millisecond timestamp encoded in a ULID so
// frames created without an explicit clock still sort correctly.
func timestampFromULID(id string) int64 {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return 0
	}
	return int64(parsed.Time())
}

// ListOptions filters and paginates List.
type ListOptions struct {
	SinceID string
	Types   []types.FrameType
	Limit   int
	Offset  int
}

// List returns frames for a session in ascending timestamp, then insertion
// (ID) order, matching the stored filenames.
func (s *Store) List(ctx context.Context, sessionID string, opts ListOptions) ([]*types.Frame, error) {
	keys, err := s.storage.List(ctx, []string{"frame", sessionID})
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, err)
	}

	frames := make([]*types.Frame, 0, len(keys))
	for _, key := range keys {
		var f types.Frame
		if err := s.storage.Get(ctx, []string{"frame", sessionID, key}, &f); err != nil {
			continue // corrupt/missing entries are skipped, not fatal
		}
		frames = append(frames, &f)
	}

	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].Timestamp != frames[j].Timestamp {
			return frames[i].Timestamp < frames[j].Timestamp
		}
		return frames[i].ID < frames[j].ID
	})

	if opts.SinceID != "" {
		idx := 0
		for i, f := range frames {
			if f.ID == opts.SinceID {
				idx = i + 1
				break
			}
		}
		frames = frames[idx:]
	}

	if len(opts.Types) > 0 {
		allowed := make(map[types.FrameType]bool, len(opts.Types))
		for _, t := range opts.Types {
			allowed[t] = true
		}
		filtered := frames[:0:0]
		for _, f := range frames {
			if allowed[f.Type] {
				filtered = append(filtered, f)
			}
		}
		frames = filtered
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(frames) {
			return []*types.Frame{}, nil
		}
		frames = frames[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(frames) {
		frames = frames[:opts.Limit]
	}

	return frames, nil
}

// Compile deterministically folds an ordered frame slice into compiled
// state. See the normative replay semantics in the frame data model: it is
// idempotent and strictly order-dependent, never mutating its input.
func Compile(frames []*types.Frame) map[string]json.RawMessage {
	compiled := make(map[string]json.RawMessage)

	for _, f := range frames {
		switch f.Type {
		case types.FrameUpdate:
			for _, tid := range f.TargetIDs {
				id, ok := strings.CutPrefix(tid, "frame:")
				if !ok {
					continue
				}
				if _, exists := compiled[id]; exists {
					compiled[id] = f.Payload
				}
				// else: drop silently per spec
			}
		case types.FrameCompact:
			var cp types.CompactPayload
			if err := json.Unmarshal(f.Payload, &cp); err != nil {
				continue // corrupt payload treated as empty
			}
			for id, payload := range cp.Snapshot {
				compiled[id] = payload
			}
		default: // message, request, result, and any unknown type
			compiled[f.ID] = f.Payload
		}
	}

	return compiled
}

// SearchResult pairs a frame with the name of the session it belongs to.
type SearchResult struct {
	Frame       *types.Frame
	SessionName string
}

// Search performs a substring match over serialized payloads, scoped to
// sessions owned by the given user.
func (s *Store) Search(ctx context.Context, sessionIDs map[string]string, query string, opts ListOptions) ([]SearchResult, error) {
	var results []SearchResult
	for sessionID, sessionName := range sessionIDs {
		if opts.SinceID != "" || opts.Limit > 0 {
			// per-session pagination doesn't compose across sessions; search
			// ignores SinceID/Offset and applies Limit to the final result.
		}
		frames, err := s.List(ctx, sessionID, ListOptions{Types: opts.Types})
		if err != nil {
			continue
		}
		for _, f := range frames {
			if strings.Contains(string(f.Payload), query) {
				results = append(results, SearchResult{Frame: f, SessionName: sessionName})
			}
		}
	}
	if opts.Limit > 0 && opts.Limit < len(results) {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Package participant implements the session membership registry (C2):
// who belongs to a session, their roles, and coordinator lookup for routing
// unaddressed messages.
package participant

import (
	"context"
	"sort"
	"sync"

	"github.com/convoflow/engine/internal/storage"
	"github.com/convoflow/engine/pkg/types"
)

// Registry persists Participants and answers membership/coordinator queries.
type Registry struct {
	storage *storage.Storage

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Registry backed by the given file storage.
func New(store *storage.Storage) *Registry {
	return &Registry{storage: store, locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) lockFor(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// Add registers a participant. Synchronous: returns only once persisted.
func (r *Registry) Add(ctx context.Context, p types.Participant) error {
	lock := r.lockFor(p.SessionID)
	lock.Lock()
	defer lock.Unlock()

	return r.storage.Put(ctx, []string{"participant", p.SessionID, p.Key()}, p)
}

// Remove deregisters a participant.
func (r *Registry) Remove(ctx context.Context, sessionID string, pType types.ParticipantType, participantID string) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	key := string(pType) + ":" + participantID
	return r.storage.Delete(ctx, []string{"participant", sessionID, key})
}

// UpdateRole changes a participant's role. Synchronous promotion/kick.
func (r *Registry) UpdateRole(ctx context.Context, sessionID string, pType types.ParticipantType, participantID string, role types.ParticipantRole) error {
	lock := r.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	key := string(pType) + ":" + participantID
	var p types.Participant
	if err := r.storage.Get(ctx, []string{"participant", sessionID, key}, &p); err != nil {
		return types.WrapError(types.ErrNotFound, err)
	}
	p.Role = role
	return r.storage.Put(ctx, []string{"participant", sessionID, key}, p)
}

// GetSessionParticipants returns every participant in a session.
func (r *Registry) GetSessionParticipants(ctx context.Context, sessionID string) ([]types.Participant, error) {
	keys, err := r.storage.List(ctx, []string{"participant", sessionID})
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, err)
	}
	out := make([]types.Participant, 0, len(keys))
	for _, key := range keys {
		var p types.Participant
		if err := r.storage.Get(ctx, []string{"participant", sessionID, key}, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt < out[j].JoinedAt })
	return out, nil
}

// IsParticipant reports whether an identity is a member of a session.
func (r *Registry) IsParticipant(ctx context.Context, sessionID string, pType types.ParticipantType, participantID string) (bool, error) {
	key := string(pType) + ":" + participantID
	return r.storage.Exists(ctx, []string{"participant", sessionID, key}), nil
}

// GetCoordinator returns the single agent coordinator per loadSessionWithAgent
// step 1/2: if exactly one agent is coordinator, return it; if several, the
// one with the smallest JoinedAt.
func (r *Registry) GetCoordinator(ctx context.Context, sessionID string) (*types.Participant, error) {
	coords, err := r.GetCoordinators(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(coords) == 0 {
		return nil, nil
	}
	return &coords[0], nil
}

// GetCoordinators returns all agent participants with role=coordinator,
// ordered by JoinedAt ascending.
func (r *Registry) GetCoordinators(ctx context.Context, sessionID string) ([]types.Participant, error) {
	all, err := r.GetSessionParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var coords []types.Participant
	for _, p := range all {
		if p.ParticipantType == types.ParticipantAgent && p.Role == types.RoleCoordinator {
			coords = append(coords, p)
		}
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].JoinedAt < coords[j].JoinedAt })
	return coords, nil
}

// SessionAgentLookup resolves the legacy seed agent recorded directly on a
// session, used as the step-3 fallback in loadSessionWithAgent.
type SessionAgentLookup func(ctx context.Context, sessionID string) (agentID string, ok bool)

// LoadSessionWithAgent implements the normative coordinator-resolution
// algorithm:
//  1. a single agent coordinator wins outright;
//  2. multiple agent coordinators: the one with the smallest JoinedAt;
//  3. otherwise fall back to the session's legacy seed agent, if set;
//  4. otherwise there is no agent — return ok=false.
func (r *Registry) LoadSessionWithAgent(ctx context.Context, sessionID string, legacy SessionAgentLookup) (agentID string, ok bool, err error) {
	coords, err := r.GetCoordinators(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	if len(coords) >= 1 {
		return coords[0].ParticipantID, true, nil
	}
	if legacy != nil {
		if id, found := legacy(ctx, sessionID); found {
			return id, true, nil
		}
	}
	return "", false, nil
}

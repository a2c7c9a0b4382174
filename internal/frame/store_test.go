package frame

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/convoflow/engine/internal/storage"
	"github.com/convoflow/engine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(storage.New(t.TempDir()))
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestAppend_DuplicateIDConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &types.Frame{ID: "dup", SessionID: "s1", Type: types.FrameMessage, AuthorType: types.AuthorUser}
	if err := s.Append(ctx, f); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	if err := s.Append(ctx, &types.Frame{ID: "dup", SessionID: "s1", Type: types.FrameMessage, AuthorType: types.AuthorUser}); err == nil {
		t.Fatal("expected conflict on duplicate frame id")
	}
}

func TestList_OrderedByTimestampThenID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	frames := []*types.Frame{
		{ID: "b", SessionID: "s1", Timestamp: 100, Type: types.FrameMessage, AuthorType: types.AuthorUser},
		{ID: "a", SessionID: "s1", Timestamp: 100, Type: types.FrameMessage, AuthorType: types.AuthorUser},
		{ID: "c", SessionID: "s1", Timestamp: 50, Type: types.FrameMessage, AuthorType: types.AuthorUser},
	}
	for _, f := range frames {
		if err := s.Append(ctx, f); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	out, err := s.List(ctx, "s1", ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(out))
	}
	wantOrder := []string{"c", "a", "b"}
	for i, id := range wantOrder {
		if out[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, out[i].ID, id)
		}
	}
}

func TestCompile_UpdateMutatesExistingFrameOnly(t *testing.T) {
	m1 := mustPayload(t, map[string]string{"content": "A"})
	u1 := mustPayload(t, map[string]string{"content": "B"})

	frames := []*types.Frame{
		{ID: "M1", SessionID: "s1", Timestamp: 1, Type: types.FrameMessage, Payload: m1},
		{ID: "U1", SessionID: "s1", Timestamp: 2, Type: types.FrameUpdate, TargetIDs: []string{"frame:M1"}, Payload: u1},
	}

	compiled := Compile(frames)
	if len(compiled) != 1 {
		t.Fatalf("expected 1 compiled entry, got %d", len(compiled))
	}
	var got map[string]string
	json.Unmarshal(compiled["M1"], &got)
	if got["content"] != "B" {
		t.Errorf("expected updated content B, got %v", got)
	}
	if _, ok := compiled["U1"]; ok {
		t.Error("update frame itself must not appear in compiled state")
	}
}

func TestCompile_UpdateWithMissingTargetIsDroppedSilently(t *testing.T) {
	u1 := mustPayload(t, map[string]string{"content": "B"})
	frames := []*types.Frame{
		{ID: "U1", SessionID: "s1", Timestamp: 1, Type: types.FrameUpdate, TargetIDs: []string{"frame:missing"}, Payload: u1},
	}
	compiled := Compile(frames)
	if len(compiled) != 0 {
		t.Errorf("expected no compiled entries, got %d", len(compiled))
	}
}

func TestCompile_CompactThenLiveEvent(t *testing.T) {
	snapshot := map[string]json.RawMessage{
		"M1": mustPayload(t, map[string]int{"v": 1}),
	}
	c1 := mustPayload(t, types.CompactPayload{Snapshot: snapshot})
	m2 := mustPayload(t, map[string]int{"v": 2})

	frames := []*types.Frame{
		{ID: "C1", SessionID: "s1", Timestamp: 1, Type: types.FrameCompact, Payload: c1},
		{ID: "M2", SessionID: "s1", Timestamp: 2, Type: types.FrameMessage, Payload: m2},
	}

	compiled := Compile(frames)
	if len(compiled) != 2 {
		t.Fatalf("expected 2 compiled entries, got %d", len(compiled))
	}
	var v1 map[string]int
	json.Unmarshal(compiled["M1"], &v1)
	if v1["v"] != 1 {
		t.Errorf("expected M1.v == 1, got %v", v1)
	}
}

func TestCompile_IsIdempotent(t *testing.T) {
	m1 := mustPayload(t, map[string]string{"content": "A"})
	frames := []*types.Frame{
		{ID: "M1", SessionID: "s1", Timestamp: 1, Type: types.FrameMessage, Payload: m1},
	}
	a := Compile(frames)
	b := Compile(frames)
	if string(a["M1"]) != string(b["M1"]) {
		t.Error("compile must be idempotent across repeated calls")
	}
}

func TestCompile_SameIDLastWriteWins(t *testing.T) {
	first := mustPayload(t, map[string]string{"content": "first"})
	second := mustPayload(t, map[string]string{"content": "second"})
	frames := []*types.Frame{
		{ID: "M1", SessionID: "s1", Timestamp: 1, Type: types.FrameMessage, Payload: first},
		{ID: "M1", SessionID: "s1", Timestamp: 2, Type: types.FrameMessage, Payload: second},
	}
	compiled := Compile(frames)
	var got map[string]string
	json.Unmarshal(compiled["M1"], &got)
	if got["content"] != "second" {
		t.Errorf("expected last-write-wins, got %v", got)
	}
}

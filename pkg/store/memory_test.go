package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aviko-ai/aviko/pkg/core/session"
)

func conversation(title string, createdAt time.Time) session.Conversation {
	return session.Conversation{
		ID:    uuid.NewString(),
		Title: title,
		Messages: []session.Message{
			{Role: session.RoleUser, Content: "hello", Timestamp: createdAt},
			{Role: session.RoleAssistant, Content: "hi there", Timestamp: createdAt},
		},
		CreatedAt: createdAt,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	conv := conversation("first chat", time.Now())
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Title != "first chat" || len(got.Messages) != 2 {
		t.Fatalf("loaded = %+v", got)
	}
	if got.Messages[0].Content != "hello" || got.Messages[1].Role != session.RoleAssistant {
		t.Fatalf("loaded messages = %+v", got.Messages)
	}
}

func TestMemorySaveRequiresID(t *testing.T) {
	s := NewMemory()
	if err := s.Save(context.Background(), session.Conversation{Title: "untitled"}); err == nil {
		t.Fatal("Save without id succeeded")
	}
}

func TestMemoryLoadMissing(t *testing.T) {
	s := NewMemory()
	if _, err := s.Load(context.Background(), "nope"); err == nil {
		t.Fatal("Load of missing conversation succeeded")
	}
}

func TestMemoryListNewestFirst(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now()

	old := conversation("old", base.Add(-time.Hour))
	recent := conversation("recent", base)
	if err := s.Save(ctx, old); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, recent); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Title != "recent" || got[1].Title != "old" {
		t.Fatalf("List order = %+v", got)
	}
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	conv := conversation("gone", time.Now())
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, conv.ID); err == nil {
		t.Fatal("conversation still present after delete")
	}
}

func TestMemoryIsolation(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	conv := conversation("isolated", time.Now())
	if err := s.Save(ctx, conv); err != nil {
		t.Fatalf("Save: %v", err)
	}
	conv.Messages[0].Content = "mutated"

	got, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Messages[0].Content != "hello" {
		t.Fatal("store shares message slice with caller")
	}
	got.Messages[1].Content = "mutated too"

	again, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.Messages[1].Content != "hi there" {
		t.Fatal("loaded conversation shares message slice with store")
	}
}

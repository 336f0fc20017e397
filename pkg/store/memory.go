// Package store provides conversation archive backends for the session
// machine.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/aviko-ai/aviko/pkg/core"
	"github.com/aviko-ai/aviko/pkg/core/session"
)

// Memory is an in-process session.Store. Used by tests and offline runs.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]session.Conversation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{convs: map[string]session.Conversation{}}
}

func (s *Memory) Save(_ context.Context, conv session.Conversation) error {
	if conv.ID == "" {
		return core.NewInvalidRequestError("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv.Messages = append([]session.Message(nil), conv.Messages...)
	s.convs[conv.ID] = conv
	return nil
}

func (s *Memory) Load(_ context.Context, id string) (session.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return session.Conversation{}, core.NewInvalidRequestError("conversation not found: " + id)
	}
	conv.Messages = append([]session.Message(nil), conv.Messages...)
	return conv, nil
}

// List returns all archived conversations, newest first.
func (s *Memory) List(_ context.Context) ([]session.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]session.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		conv.Messages = append([]session.Message(nil), conv.Messages...)
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

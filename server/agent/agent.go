// Package agent defines how the arena asks an agent for a move or a
// response, independent of which provider answers.
package agent

import (
	"context"
	"fmt"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
)

type Message struct {
	Role    string `json:"role"` // system|user|assistant
	Content string `json:"content"`
}

// Conversation is what an agent sees for one request.
type Conversation struct {
	Messages []Message
	JSON     bool     // ask the provider for a JSON object
	Legal    []string // legal moves, when the request is a chess move
}

func NewConversation(system, user string) Conversation {
	return Conversation{Messages: []Message{{Role: "system", Content: system}, {Role: "user", Content: user}}}
}

// Responder answers a conversation on behalf of an agent.
type Responder interface {
	Respond(ctx context.Context, agentID uuid.UUID, conv Conversation, maxTokens int) (string, error)
}

// Backend is one provider. The registry resolves the agent first.
type Backend interface {
	Respond(ctx context.Context, a model.Agent, conv Conversation, maxTokens int) (string, error)
}

type AgentReader interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// Registry dispatches each request to the backend the agent is bound to.
type Registry struct {
	agents   AgentReader
	backends map[string]Backend
}

func NewRegistry(agents AgentReader) *Registry {
	return &Registry{
		agents: agents,
		backends: map[string]Backend{
			model.BackendScripted:    Scripted{},
			model.BackendUnavailable: Unavailable{},
		},
	}
}

// Register binds a backend selector. Later registrations win.
func (r *Registry) Register(name string, b Backend) *Registry {
	r.backends[name] = b
	return r
}

func (r *Registry) Respond(ctx context.Context, agentID uuid.UUID, conv Conversation, maxTokens int) (string, error) {
	a, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	b, ok := r.backends[a.Backend]
	if !ok {
		b = Unavailable{}
	}
	return b.Respond(ctx, a, conv, maxTokens)
}

// Unavailable is the backend for agents whose provider is not wired.
type Unavailable struct{}

func (Unavailable) Respond(_ context.Context, a model.Agent, _ Conversation, _ int) (string, error) {
	return "", errs.New(errs.KindProvider, errs.CodeProviderFailed, fmt.Sprintf("backend %q is not available", a.Backend))
}

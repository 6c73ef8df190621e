package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/authgate"
	"mcpkit/internal/infra/registrar"
	"mcpkit/internal/infra/secretscope"
)

// DeployProvider is the auth provider name the deploy service is secured by.
const DeployProvider = "ops"

const deployTokenKey = "DEPLOY_TOKEN"

func init() {
	registrar.Define((*DeployService)(nil),
		registrar.Secure(domain.SecurityRequirement{Provider: DeployProvider, Scopes: []string{"deploy:read"}}),
		registrar.Tool("Deploy",
			registrar.Describe("Roll a project out to an environment"),
			registrar.Requires(domain.SecurityRequirement{Provider: DeployProvider, Scopes: []string{"deploy:write"}, ScopeKey: "projectId"}),
			registrar.RequireKeys(deployTokenKey),
		),
		registrar.Tool("History", registrar.Describe("Recent deployments, newest first")),
		registrar.Prompt("ReleaseNotes", registrar.Describe("Draft release notes for a deployed version")),
	)
}

type DeployInput struct {
	ProjectID   string `json:"projectId" constraint:"minLength=1,maxLength=64" pattern:"^[a-z0-9-]+$"`
	Version     string `json:"version" constraint:"minLength=1" description:"Version or git ref"`
	Environment string `json:"environment" constraint:"enum=staging|production" default:"staging"`
}

type DeployReceipt struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	RequestedBy string    `json:"requestedBy"`
	TokenHint   string    `json:"tokenHint"`
	StartedAt   time.Time `json:"startedAt"`
}

type HistoryInput struct {
	ProjectID string `json:"projectId" constraint:"optional"`
	Limit     int    `json:"limit" constraint:"minimum=1,maximum=50" default:"10"`
}

type HistoryResult struct {
	Deployments []DeployReceipt `json:"deployments"`
}

type ReleaseNotesInput struct {
	ProjectID string `json:"projectId" constraint:"minLength=1"`
	Version   string `json:"version" constraint:"minLength=1"`
}

// DeployService records deployments requested by authorized callers. The
// per-project token comes from the caller's secret scope and never leaves
// the handler except as a masked hint.
type DeployService struct {
	mu      sync.Mutex
	history []DeployReceipt
	now     func() time.Time
}

func NewDeployService(now func() time.Time) *DeployService {
	if now == nil {
		now = time.Now
	}
	return &DeployService{now: now}
}

func (s *DeployService) Deploy(ctx context.Context, in DeployInput) (DeployReceipt, error) {
	token := secretscope.MustGet(ctx, deployTokenKey)
	receipt := DeployReceipt{
		ID:          uuid.NewString(),
		ProjectID:   in.ProjectID,
		Version:     in.Version,
		Environment: in.Environment,
		TokenHint:   maskToken(token),
		StartedAt:   s.now().UTC(),
	}
	if identity, ok := authgate.IdentityFromContext(ctx); ok {
		receipt.RequestedBy = identity.Subject
	}

	s.mu.Lock()
	s.history = append(s.history, receipt)
	s.mu.Unlock()
	return receipt, nil
}

func (s *DeployService) History(_ context.Context, in HistoryInput) (HistoryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := HistoryResult{Deployments: []DeployReceipt{}}
	for _, receipt := range slices.Backward(s.history) {
		if in.ProjectID != "" && receipt.ProjectID != in.ProjectID {
			continue
		}
		out.Deployments = append(out.Deployments, receipt)
		if len(out.Deployments) == in.Limit {
			break
		}
	}
	return out, nil
}

func (s *DeployService) ReleaseNotes(_ context.Context, in ReleaseNotesInput) (string, error) {
	return fmt.Sprintf("Write release notes for %s version %s. Summarize user-facing changes first, then fixes.", in.ProjectID, in.Version), nil
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

package verification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/config"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/oracle"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// ProofResolver turns a proof reference into fetchable image URLs.
// *ipfs.Resolver satisfies it.
type ProofResolver interface {
	ResolveProof(ctx context.Context, ref string) ([]string, error)
}

// Pipeline judges one proof submission. Analyses run concurrently; an
// analysis whose oracle call fails is substituted with neutral defaults and
// flagged, so a single flaky call degrades the judgment instead of blocking
// the task.
type Pipeline struct {
	oracle   oracle.Client
	resolver ProofResolver
	policy   config.VerificationPolicy
	logger   logging.Logger
}

func NewPipeline(oc oracle.Client, resolver ProofResolver, policy config.VerificationPolicy, logger logging.Logger) *Pipeline {
	return &Pipeline{
		oracle:   oc,
		resolver: resolver,
		policy:   policy,
		logger:   logger,
	}
}

const (
	degradedAuthenticity = "authenticity"
	degradedRequirements = "requirements"
	degradedConsistency  = "consistency"
)

// Verify runs the full pipeline for one submitted proof. previousProofRef is
// the deliverable of the preceding task in the job, empty when there is none.
func (p *Pipeline) Verify(ctx context.Context, job *types.Job, task *types.Task, previousProofRef string) (*types.VerificationResult, error) {
	urls, err := p.resolver.ResolveProof(ctx, task.ProofRef)
	if err != nil {
		p.logger.Warn("Proof reference unresolvable", "task_id", task.ID, "ref", task.ProofRef, "error", err)
		return &types.VerificationResult{
			Approved:    false,
			Reasoning:   fmt.Sprintf("proof reference %q could not be resolved", task.ProofRef),
			Remediation: "Submit a valid proof reference: a reachable URL, an IPFS CID, or a JSON manifest with a non-empty images list.",
		}, nil
	}

	scores := types.VerificationScores{}
	var authReasoning, reqReasoning string
	var concerns []string
	var degraded []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		score, flagged, reasoning, err := p.judgeAuthenticity(ctx, task, urls)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.logger.Warn("Authenticity analysis unavailable", "task_id", task.ID, "error", err)
			scores.Authenticity = 0.5
			degraded = append(degraded, degradedAuthenticity)
			return
		}
		scores.Authenticity = score
		concerns = flagged
		authReasoning = reasoning
	}()
	go func() {
		defer wg.Done()
		rel, comp, qual, reasoning, err := p.judgeRequirements(ctx, job, task, urls)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.logger.Warn("Requirements analysis unavailable", "task_id", task.ID, "error", err)
			degraded = append(degraded, degradedRequirements)
			return
		}
		scores.Relevance = rel
		scores.Completeness = comp
		scores.Quality = qual
		reqReasoning = reasoning
	}()

	consistency, consistencyDegraded := 1.0, false
	if task.Index > 0 && previousProofRef != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			score, err := p.judgeConsistency(ctx, task, urls, previousProofRef)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("Consistency analysis unavailable", "task_id", task.ID, "error", err)
				consistency, consistencyDegraded = 0.5, true
				return
			}
			consistency = score
		}()
	}
	wg.Wait()

	scores.Consistency = consistency
	if consistencyDegraded {
		degraded = append(degraded, degradedConsistency)
	}

	w := p.policy.Weights
	confidence := w.Authenticity*scores.Authenticity +
		w.Relevance*scores.Relevance +
		w.Completeness*scores.Completeness +
		w.Quality*scores.Quality +
		w.Consistency*scores.Consistency

	approved := scores.Authenticity >= p.policy.AuthenticityKill &&
		p.allAboveFloor(scores) &&
		confidence >= p.policy.Threshold

	result := &types.VerificationResult{
		Scores:     scores,
		Confidence: confidence,
		Approved:   approved,
		Reasoning:  joinNonEmpty(authReasoning, reqReasoning),
		Concerns:   concerns,
		Degraded:   degraded,
	}
	if !approved {
		result.Remediation = p.remediation(scores, confidence, concerns)
	}
	return result, nil
}

func (p *Pipeline) allAboveFloor(s types.VerificationScores) bool {
	floor := p.policy.ScoreFloor
	return s.Authenticity >= floor &&
		s.Relevance >= floor &&
		s.Completeness >= floor &&
		s.Quality >= floor &&
		s.Consistency >= floor
}

// remediation builds the worker-facing itemized explanation of a rejection.
func (p *Pipeline) remediation(s types.VerificationScores, confidence float64, concerns []string) string {
	var items []string
	if s.Authenticity < p.policy.AuthenticityKill {
		item := fmt.Sprintf("the proof appears fabricated or manipulated (authenticity %.2f, required %.2f); resubmit unedited evidence", s.Authenticity, p.policy.AuthenticityKill)
		if len(concerns) > 0 {
			item += fmt.Sprintf(" (flagged: %s)", strings.Join(concerns, "; "))
		}
		items = append(items, item)
	}
	floor := p.policy.ScoreFloor
	checks := []struct {
		name  string
		score float64
		hint  string
	}{
		{"authenticity", s.Authenticity, "resubmit unedited, original evidence"},
		{"relevance", s.Relevance, "make sure the evidence shows the task that was actually assigned"},
		{"completeness", s.Completeness, "cover every item listed in the proof requirements"},
		{"quality", s.Quality, "provide clearer, higher-resolution evidence"},
		{"consistency", s.Consistency, "the result must build on the previous task's deliverable"},
	}
	for _, c := range checks {
		if c.score < floor {
			items = append(items, fmt.Sprintf("%s scored %.2f, below the required %.2f: %s", c.name, c.score, floor, c.hint))
		}
	}
	if len(items) == 0 {
		items = append(items, fmt.Sprintf("overall confidence %.2f is below the approval threshold %.2f; strengthen the evidence across the board", confidence, p.policy.Threshold))
	}
	return strings.Join(items, ". ")
}

type authenticityPayload struct {
	Authenticity float64  `json:"authenticity"`
	Concerns     []string `json:"concerns"`
	Reasoning    string   `json:"reasoning"`
}

func (p *Pipeline) judgeAuthenticity(ctx context.Context, task *types.Task, urls []string) (float64, []string, string, error) {
	resp, err := p.oracle.Complete(ctx, oracle.Request{
		System: "You are a forensic image analyst. You detect staged, AI-generated, edited, or otherwise fabricated evidence.",
		Prompt: fmt.Sprintf(
			"Inspect the attached evidence submitted as proof of completing this task:\n\n%s\n\nScore how likely the evidence is genuine and unmanipulated, and list each concern you flag (editing artifacts, generation tells, staging, inconsistent lighting or shadows). Do not flag elements the task itself asks for: a screenshot task legitimately shows browser chrome, a product-photo task is legitimately staged. Respond with JSON only: {\"authenticity\": <0..1>, \"concerns\": [\"<concern>\", ...], \"reasoning\": \"<short explanation>\"}",
			task.Description),
		ImageURLs: urls,
		MaxTokens: 512,
		Op:        "verify_authenticity",
		JobID:     task.JobID,
	})
	if err != nil {
		return 0, nil, "", err
	}
	var payload authenticityPayload
	if err := oracle.DecodePayload(resp.Content, &payload); err != nil {
		return 0, nil, "", err
	}
	return oracle.ClampScore(payload.Authenticity), payload.Concerns, payload.Reasoning, nil
}

type requirementsPayload struct {
	Relevance    float64 `json:"relevance"`
	Completeness float64 `json:"completeness"`
	Quality      float64 `json:"quality"`
	Reasoning    string  `json:"reasoning"`
}

func (p *Pipeline) judgeRequirements(ctx context.Context, job *types.Job, task *types.Task, urls []string) (float64, float64, float64, string, error) {
	resp, err := p.oracle.Complete(ctx, oracle.Request{
		System: "You judge whether submitted evidence satisfies a work specification.",
		Prompt: fmt.Sprintf(
			"Job: %s\n\nTask: %s\n\nProof requirements: %s\n\nJudge the attached evidence against the requirements. Respond with JSON only: {\"relevance\": <0..1>, \"completeness\": <0..1>, \"quality\": <0..1>, \"reasoning\": \"<short explanation>\"}",
			job.Description, task.Description, task.ProofRequirements),
		ImageURLs: urls,
		MaxTokens: 512,
		Op:        "verify_requirements",
		JobID:     task.JobID,
	})
	if err != nil {
		return 0, 0, 0, "", err
	}
	var payload requirementsPayload
	if err := oracle.DecodePayload(resp.Content, &payload); err != nil {
		return 0, 0, 0, "", err
	}
	return oracle.ClampScore(payload.Relevance),
		oracle.ClampScore(payload.Completeness),
		oracle.ClampScore(payload.Quality),
		payload.Reasoning, nil
}

type consistencyPayload struct {
	Consistency float64 `json:"consistency"`
}

func (p *Pipeline) judgeConsistency(ctx context.Context, task *types.Task, urls []string, previousProofRef string) (float64, error) {
	prevURLs, err := p.resolver.ResolveProof(ctx, previousProofRef)
	if err != nil {
		return 0, fmt.Errorf("previous deliverable unresolvable: %w", err)
	}
	resp, err := p.oracle.Complete(ctx, oracle.Request{
		System: "You check whether a piece of work plausibly continues from an earlier deliverable in the same job.",
		Prompt: fmt.Sprintf(
			"Task: %s\n\nThe first images are the previous task's deliverable; the rest are the new submission. Score how consistently the new work builds on the previous one. Respond with JSON only: {\"consistency\": <0..1>}",
			task.Description),
		ImageURLs: append(append([]string{}, prevURLs...), urls...),
		MaxTokens: 256,
		Op:        "verify_consistency",
		JobID:     task.JobID,
	})
	if err != nil {
		return 0, err
	}
	var payload consistencyPayload
	if err := oracle.DecodePayload(resp.Content, &payload); err != nil {
		return 0, err
	}
	return oracle.ClampScore(payload.Consistency), nil
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

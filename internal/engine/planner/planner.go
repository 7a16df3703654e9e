package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/config"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/oracle"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// Planner turns a free-form job description into an ordered task plan, with
// an optional bounded clarification dialog beforehand.
type Planner struct {
	oracle oracle.Client
	policy config.Policy
	logger logging.Logger
}

func New(oc oracle.Client, policy config.Policy, logger logging.Logger) *Planner {
	return &Planner{
		oracle: oc,
		policy: policy,
		logger: logger,
	}
}

type plannedTask struct {
	Description       string `json:"description"`
	Executor          string `json:"executor"`
	RewardWei         string `json:"reward_wei"`
	ProofRequirements string `json:"proof_requirements"`
	DeadlineHours     int    `json:"deadline_hours"`
	DependsOnPrevious bool   `json:"depends_on_previous"`
}

type clarifyPayload struct {
	Ready               bool          `json:"ready"`
	Questions           []string      `json:"questions"`
	EnrichedDescription string        `json:"enriched_description"`
	Tasks               []plannedTask `json:"tasks"`
}

type decomposePayload struct {
	Tasks []plannedTask `json:"tasks"`
}

// Clarify runs one round of the clarification dialog. Once the round limit is
// reached the result is forced ready: the oracle is told to proceed on stated
// assumptions instead of asking anything further.
func (p *Planner) Clarify(ctx context.Context, description string, budget *big.Int, history []types.ClarifyRound) (*types.ClarifyResult, error) {
	atLimit := len(history) >= p.policy.Clarification.MaxRounds-1

	var sb strings.Builder
	fmt.Fprintf(&sb, "A client posted this job with a budget of %s wei:\n\n%s\n", budget.String(), description)
	if len(history) > 0 {
		sb.WriteString("\nClarifications so far:\n")
		for _, round := range history {
			fmt.Fprintf(&sb, "Q: %s\nA: %s\n", round.Question, round.Answer)
		}
	}
	if atLimit {
		sb.WriteString("\nThis is the final round. Do not ask any more questions: state your assumptions inside the enriched description and mark the job ready.\n")
	} else {
		fmt.Fprintf(&sb, "\nIf anything essential is still ambiguous, ask at most %d short questions. Otherwise mark the job ready.\n", p.policy.Clarification.MaxQuestions)
	}
	sb.WriteString("\nAlways include your current best task breakdown. Respond with JSON only:\n")
	sb.WriteString(`{"ready": <bool>, "questions": ["..."], "enriched_description": "...", "tasks": [{"description": "...", "executor": "agent|human", "reward_wei": "<integer>", "proof_requirements": "...", "deadline_hours": <int>, "depends_on_previous": <bool>}]}`)

	resp, err := p.oracle.Complete(ctx, oracle.Request{
		System:    "You are a project planner for a task marketplace. You break jobs into small verifiable tasks for human workers and automated steps.",
		Prompt:    sb.String(),
		MaxTokens: 2048,
		Op:        "clarify",
	})
	if err != nil {
		return nil, fmt.Errorf("clarification failed: %w", err)
	}

	var payload clarifyPayload
	if err := oracle.DecodePayload(resp.Content, &payload); err != nil {
		return nil, fmt.Errorf("clarification failed: %w", err)
	}

	preview, err := p.normalize(payload.Tasks, budget)
	if err != nil {
		return nil, fmt.Errorf("clarification produced an unusable plan: %w", err)
	}

	result := &types.ClarifyResult{
		Ready:               payload.Ready,
		Questions:           payload.Questions,
		EnrichedDescription: strings.TrimSpace(payload.EnrichedDescription),
		TaskPreview:         preview,
	}
	if result.EnrichedDescription == "" {
		result.EnrichedDescription = description
	}
	if max := p.policy.Clarification.MaxQuestions; len(result.Questions) > max {
		result.Questions = result.Questions[:max]
	}
	if atLimit {
		result.Ready = true
		result.Questions = nil
	}
	if result.Ready {
		result.Questions = nil
	}
	return result, nil
}

// Decompose produces the final ordered task plan for a job. Oracle failures
// surface verbatim; the caller decides whether the job can proceed.
func (p *Planner) Decompose(ctx context.Context, jobID uint64, description string, budget *big.Int) ([]types.TaskPlan, error) {
	prompt := fmt.Sprintf(
		"Break this job into a minimal ordered sequence of tasks. Budget: %s wei.\n\n%s\n\n"+
			"Mark a task's executor \"agent\" only when it needs no human at all. Human tasks need a concrete reward and verifiable proof requirements. "+
			"Respond with JSON only:\n"+
			`{"tasks": [{"description": "...", "executor": "agent|human", "reward_wei": "<integer>", "proof_requirements": "...", "deadline_hours": <int>, "depends_on_previous": <bool>}]}`,
		budget.String(), description)

	resp, err := p.oracle.Complete(ctx, oracle.Request{
		System:    "You are a project planner for a task marketplace. You break jobs into small verifiable tasks for human workers and automated steps.",
		Prompt:    prompt,
		MaxTokens: 2048,
		Op:        "decompose",
		JobID:     jobID,
	})
	if err != nil {
		return nil, err
	}

	var payload decomposePayload
	if err := oracle.DecodePayload(resp.Content, &payload); err != nil {
		return nil, err
	}
	return p.normalize(payload.Tasks, budget)
}

// normalize converts raw planned tasks into TaskPlans and enforces the budget
// rule: agent tasks pay nothing, and human rewards must sum to strictly less
// than budget minus the configured margin.
func (p *Planner) normalize(raw []plannedTask, budget *big.Int) ([]types.TaskPlan, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}

	plans := make([]types.TaskPlan, 0, len(raw))
	for i, t := range raw {
		var executor types.ExecutorKind
		switch strings.ToLower(strings.TrimSpace(t.Executor)) {
		case "agent":
			executor = types.ExecutorAgent
		case "human":
			executor = types.ExecutorHuman
		default:
			return nil, fmt.Errorf("task %d has unknown executor %q", i, t.Executor)
		}

		plan := types.TaskPlan{
			Index:             i,
			Description:       strings.TrimSpace(t.Description),
			Executor:          executor,
			Reward:            new(big.Int),
			ProofRequirements: strings.TrimSpace(t.ProofRequirements),
			DependsOnPrevious: t.DependsOnPrevious,
			MaxRetries:        p.policy.Planner.DefaultMaxRetries,
		}
		if plan.Description == "" {
			return nil, fmt.Errorf("task %d has an empty description", i)
		}

		hours := t.DeadlineHours
		if hours <= 0 {
			hours = 24
		}
		plan.DeadlineOffset = time.Duration(hours) * time.Hour

		if executor == types.ExecutorAgent {
			plan.ProofRequirements = types.AgentProofSentinel
		} else {
			reward, ok := new(big.Int).SetString(strings.TrimSpace(t.RewardWei), 10)
			if !ok || reward.Sign() <= 0 {
				return nil, fmt.Errorf("task %d has invalid reward %q", i, t.RewardWei)
			}
			plan.Reward = reward
			if plan.ProofRequirements == "" {
				return nil, fmt.Errorf("task %d has no proof requirements", i)
			}
		}
		plans = append(plans, plan)
	}

	return p.scaleRewards(plans, budget)
}

func (p *Planner) scaleRewards(plans []types.TaskPlan, budget *big.Int) ([]types.TaskPlan, error) {
	humanSum := new(big.Int)
	for _, plan := range plans {
		if plan.Executor == types.ExecutorHuman {
			humanSum.Add(humanSum, plan.Reward)
		}
	}
	if humanSum.Sign() == 0 {
		return plans, nil
	}

	marginMillis := int64(p.policy.Planner.BudgetMargin * 1000)
	ceiling := new(big.Int).Mul(budget, big.NewInt(1000-marginMillis))
	ceiling.Div(ceiling, big.NewInt(1000))
	if ceiling.Sign() <= 0 {
		return nil, fmt.Errorf("budget %s cannot fund any human task", budget.String())
	}

	if humanSum.Cmp(ceiling) < 0 {
		return plans, nil
	}

	// Proportionally shrink so the total lands strictly under the ceiling.
	target := new(big.Int).Sub(ceiling, big.NewInt(1))
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("budget %s cannot fund any human task", budget.String())
	}
	p.logger.Warn("Scaling down planned rewards to fit budget",
		"planned_sum_wei", humanSum.String(), "ceiling_wei", ceiling.String())

	for i := range plans {
		if plans[i].Executor != types.ExecutorHuman {
			continue
		}
		scaled := new(big.Int).Mul(plans[i].Reward, target)
		scaled.Div(scaled, humanSum)
		if scaled.Sign() <= 0 {
			return nil, fmt.Errorf("task %d reward rounds to zero after budget scaling", i)
		}
		plans[i].Reward = scaled
	}
	return plans, nil
}

// PreviewJSON renders a task plan for the status API.
func PreviewJSON(plans []types.TaskPlan) ([]byte, error) {
	out := make([]map[string]any, 0, len(plans))
	for _, plan := range plans {
		out = append(out, map[string]any{
			"index":               plan.Index,
			"description":         plan.Description,
			"executor":            string(plan.Executor),
			"reward_wei":          plan.Reward.String(),
			"proof_requirements":  plan.ProofRequirements,
			"deadline_hours":      int(plan.DeadlineOffset / time.Hour),
			"depends_on_previous": plan.DependsOnPrevious,
		})
	}
	return json.Marshal(out)
}

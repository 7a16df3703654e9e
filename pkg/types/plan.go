package types

import (
	"math/big"
	"time"
)

// ExecutorKind says who performs a planned task.
type ExecutorKind string

const (
	ExecutorAgent ExecutorKind = "agent"
	ExecutorHuman ExecutorKind = "human"
)

// AgentProofSentinel is the fixed proof requirement for agent-executable
// tasks; no human proof is ever uploaded for them.
const AgentProofSentinel = "AGENT_EXECUTED"

// TaskPlan is one entry of a decomposed job, ordered by Index.
type TaskPlan struct {
	Index             int
	Description       string
	Executor          ExecutorKind
	Reward            *big.Int
	ProofRequirements string
	DeadlineOffset    time.Duration
	DependsOnPrevious bool
	MaxRetries        int
}

// ClarifyRound is one question/answer exchange of a clarification dialog.
type ClarifyRound struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ClarifyResult is the outcome of one clarification call. TaskPreview is
// always populated on success so callers can render a live preview before the
// client commits funds.
type ClarifyResult struct {
	Ready               bool
	Questions           []string
	EnrichedDescription string
	TaskPreview         []TaskPlan
}

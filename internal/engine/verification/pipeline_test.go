package verification

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/config"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/oracle"
	"github.com/taskhive-ai/taskhive-engine/pkg/ipfs"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// scriptedOracle answers each analysis by its Op label and records the
// prompt it was sent.
type scriptedOracle struct {
	byOp   map[string]string
	errsOn map[string]bool

	mu      sync.Mutex
	prompts map[string]string
}

func (s *scriptedOracle) Complete(ctx context.Context, req oracle.Request) (oracle.Response, error) {
	s.mu.Lock()
	if s.prompts == nil {
		s.prompts = make(map[string]string)
	}
	s.prompts[req.Op] = req.Prompt
	s.mu.Unlock()

	if s.errsOn[req.Op] {
		return oracle.Response{}, fmt.Errorf("oracle unavailable")
	}
	content, ok := s.byOp[req.Op]
	if !ok {
		return oracle.Response{}, fmt.Errorf("unexpected op %s", req.Op)
	}
	return oracle.Response{Content: content, FinishReason: "stop"}, nil
}

func (s *scriptedOracle) promptFor(op string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[op]
}

type fakeResolver struct {
	urls map[string][]string
}

func (f *fakeResolver) ResolveProof(ctx context.Context, ref string) ([]string, error) {
	urls, ok := f.urls[ref]
	if !ok {
		return nil, ipfs.ErrBadReference
	}
	return urls, nil
}

func authPayload(score float64) string {
	return fmt.Sprintf(`{"authenticity": %.2f, "reasoning": "checked"}`, score)
}

func reqPayload(rel, comp, qual float64) string {
	return fmt.Sprintf(`{"relevance": %.2f, "completeness": %.2f, "quality": %.2f, "reasoning": "judged"}`, rel, comp, qual)
}

func consistencyJSON(score float64) string {
	return fmt.Sprintf(`{"consistency": %.2f}`, score)
}

func testJob() *types.Job {
	return &types.Job{
		ID:          7,
		Description: "photograph the storefront",
		Budget:      big.NewInt(1000),
		Committed:   big.NewInt(500),
		Spent:       big.NewInt(0),
	}
}

func testTask(index int) *types.Task {
	return &types.Task{
		ID:                13,
		JobID:             7,
		Index:             index,
		Description:       "take a photo of the front door",
		ProofRequirements: "daylight, full door visible",
		Reward:            big.NewInt(200),
		Deadline:          time.Now().Add(time.Hour),
		Status:            types.TaskStatusPendingVerification,
		ProofRef:          "QmProof",
	}
}

func newTestPipeline(oc oracle.Client, resolver ProofResolver) *Pipeline {
	return NewPipeline(oc, resolver, config.DefaultPolicy().Verification, logging.NewNoOpLogger())
}

func TestVerifyApprovesStrongProof(t *testing.T) {
	oc := &scriptedOracle{byOp: map[string]string{
		"verify_authenticity": authPayload(0.95),
		"verify_requirements": reqPayload(0.9, 0.85, 0.8),
	}}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{"QmProof": {"https://gw/p.png"}}})

	result, err := p.Verify(context.Background(), testJob(), testTask(0), "")
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.Equal(t, 1.0, result.Scores.Consistency) // no predecessor
	assert.Empty(t, result.Degraded)
	assert.Empty(t, result.Remediation)
	assert.InDelta(t, 0.30*0.95+0.25*0.9+0.25*0.85+0.10*0.8+0.10*1.0, result.Confidence, 1e-9)
}

func TestVerifyAuthenticityKillSwitch(t *testing.T) {
	// Everything else is perfect, but authenticity 0.40 sits under the 0.50
	// kill threshold.
	oc := &scriptedOracle{byOp: map[string]string{
		"verify_authenticity": authPayload(0.40),
		"verify_requirements": reqPayload(1, 1, 1),
	}}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{"QmProof": {"https://gw/p.png"}}})

	result, err := p.Verify(context.Background(), testJob(), testTask(0), "")
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Remediation, "fabricated")
}

func TestVerifySurfacesAuthenticityConcerns(t *testing.T) {
	oc := &scriptedOracle{byOp: map[string]string{
		"verify_authenticity": `{"authenticity": 0.30, "concerns": ["cloned region near the door handle", "shadows fall in two directions"], "reasoning": "edited composite"}`,
		"verify_requirements": reqPayload(1, 1, 1),
	}}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{"QmProof": {"https://gw/p.png"}}})

	result, err := p.Verify(context.Background(), testJob(), testTask(0), "")
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, []string{"cloned region near the door handle", "shadows fall in two directions"}, result.Concerns)
	assert.Contains(t, result.Remediation, "cloned region near the door handle")
	assert.Contains(t, result.Remediation, "shadows fall in two directions")
}

func TestVerifyToleratesElementsTheTaskDemands(t *testing.T) {
	// A clean proof produces no concerns, and the analyst is told not to
	// flag elements the task itself asks for.
	oc := &scriptedOracle{byOp: map[string]string{
		"verify_authenticity": `{"authenticity": 0.95, "concerns": [], "reasoning": "clean"}`,
		"verify_requirements": reqPayload(0.9, 0.9, 0.9),
	}}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{"QmProof": {"https://gw/p.png"}}})

	result, err := p.Verify(context.Background(), testJob(), testTask(0), "")
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.Empty(t, result.Concerns)

	prompt := oc.promptFor("verify_authenticity")
	assert.Contains(t, prompt, "Do not flag elements the task itself asks for")
	assert.Contains(t, prompt, "browser chrome")
	assert.Contains(t, prompt, `"concerns"`)
}

func TestVerifyScoreFloorRejectsDespiteHighConfidence(t *testing.T) {
	// Consistency 0.55 is under the 0.60 floor even though the weighted
	// confidence clears the threshold.
	oc := &scriptedOracle{byOp: map[string]string{
		"verify_authenticity": authPayload(0.95),
		"verify_requirements": reqPayload(0.9, 0.9, 0.9),
		"verify_consistency":  consistencyJSON(0.55),
	}}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{
		"QmProof": {"https://gw/p.png"},
		"QmPrev":  {"https://gw/prev.png"},
	}})

	result, err := p.Verify(context.Background(), testJob(), testTask(1), "QmPrev")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Confidence, 0.78)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Remediation, "consistency")
}

func TestVerifyDegradedAnalysisUsesNeutralDefaults(t *testing.T) {
	oc := &scriptedOracle{
		byOp: map[string]string{
			"verify_requirements": reqPayload(0.9, 0.9, 0.9),
		},
		errsOn: map[string]bool{"verify_authenticity": true},
	}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{"QmProof": {"https://gw/p.png"}}})

	result, err := p.Verify(context.Background(), testJob(), testTask(0), "")
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Scores.Authenticity)
	assert.Equal(t, []string{"authenticity"}, result.Degraded)
	// Neutral authenticity is below the floor, so the judgment cannot approve.
	assert.False(t, result.Approved)
}

func TestVerifyRequirementsFailureZeroesTrio(t *testing.T) {
	oc := &scriptedOracle{
		byOp: map[string]string{
			"verify_authenticity": authPayload(0.95),
		},
		errsOn: map[string]bool{"verify_requirements": true},
	}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{"QmProof": {"https://gw/p.png"}}})

	result, err := p.Verify(context.Background(), testJob(), testTask(0), "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Scores.Relevance)
	assert.Equal(t, 0.0, result.Scores.Completeness)
	assert.Equal(t, 0.0, result.Scores.Quality)
	assert.Contains(t, result.Degraded, "requirements")
	assert.False(t, result.Approved)
}

func TestVerifyBadReferenceShortCircuits(t *testing.T) {
	oc := &scriptedOracle{byOp: map[string]string{}}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{}})

	task := testTask(0)
	task.ProofRef = "not-a-ref"
	result, err := p.Verify(context.Background(), testJob(), task, "")
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Zero(t, result.Confidence)
	assert.Contains(t, result.Remediation, "proof reference")
}

func TestVerifyConsistencyFailureIsDegradedNotFatal(t *testing.T) {
	oc := &scriptedOracle{
		byOp: map[string]string{
			"verify_authenticity": authPayload(0.95),
			"verify_requirements": reqPayload(0.95, 0.95, 0.95),
		},
		errsOn: map[string]bool{"verify_consistency": true},
	}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{
		"QmProof": {"https://gw/p.png"},
		"QmPrev":  {"https://gw/prev.png"},
	}})

	result, err := p.Verify(context.Background(), testJob(), testTask(1), "QmPrev")
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Scores.Consistency)
	assert.Contains(t, result.Degraded, "consistency")
	assert.False(t, result.Approved) // 0.5 is below the floor
}

func TestVerifyMalformedOraclePayloadDegrades(t *testing.T) {
	oc := &scriptedOracle{byOp: map[string]string{
		"verify_authenticity": "I think it looks fine!",
		"verify_requirements": reqPayload(0.9, 0.9, 0.9),
	}}
	p := newTestPipeline(oc, &fakeResolver{urls: map[string][]string{"QmProof": {"https://gw/p.png"}}})

	result, err := p.Verify(context.Background(), testJob(), testTask(0), "")
	require.NoError(t, err)
	assert.Equal(t, 0.5, result.Scores.Authenticity)
	assert.Contains(t, result.Degraded, "authenticity")
}

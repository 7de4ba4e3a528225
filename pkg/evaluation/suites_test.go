package evaluation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/store"
)

type stubAuthorizer struct {
	mu  sync.Mutex
	got []*policy.Request
}

// Evaluate allows principal 1 and denies everyone else, which mirrors
// the seeded admin fixture.
func (s *stubAuthorizer) Evaluate(_ context.Context, req *policy.Request) *policy.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, req)
	if req.PrincipalID == 1 {
		return &policy.Decision{Allowed: true, Reason: "Access granted"}
	}
	return &policy.Decision{Allowed: false, Reason: "Principal not found"}
}

func (s *stubAuthorizer) requests() []*policy.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*policy.Request(nil), s.got...)
}

func TestRouteIntent(t *testing.T) {
	tests := []struct {
		utterance string
		want      string
	}{
		{"hydrate workspace ws1 from drive", "hydration.run"},
		{"please SYNC the shared folder", "hydration.run"},
		{"link the BOQ items to payment certificate 5", "reasoning.link"},
		{"evaluate the tool router against ground truth", "evaluation.run"},
		{"promote candidate build for the intent router", "regression.check"},
		{"am i allowed to read the cost plan", "pdp.query"},
		{"good morning site team", "general.chat"},
		{"", "general.chat"},
		// First signal group wins on overlap.
		{"sync then link everything", "hydration.run"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RouteIntent(tt.utterance), "utterance %q", tt.utterance)
	}
}

func TestRouteTool(t *testing.T) {
	assert.Equal(t, "hydration_worker", RouteTool("hydration.run"))
	assert.Equal(t, "policy_engine", RouteTool("pdp.query"))
	assert.Equal(t, "assistant", RouteTool("smalltalk.banter"))
	assert.Equal(t, "assistant", RouteTool(""))
}

func TestRenderPrompt(t *testing.T) {
	out := RenderPrompt("Hello {{name}}, workspace {{workspace}} is ready.", map[string]interface{}{
		"name":      "Ada",
		"workspace": "ws1",
	})
	assert.Equal(t, "Hello Ada, workspace ws1 is ready.", out)

	out = RenderPrompt("Retry {{count}} times", map[string]interface{}{"count": 3})
	assert.Equal(t, "Retry 3 times", out)

	// Unknown placeholders pass through, nil vars render nothing.
	assert.Equal(t, "Escalate to {{owner}}", RenderPrompt("Escalate to {{owner}}", nil))
	assert.Equal(t, "plain text", RenderPrompt("plain text", map[string]interface{}{"unused": "x"}))
}

func TestIntentRoutingSuite(t *testing.T) {
	suite := IntentRoutingSuite()
	assert.Equal(t, SuiteIntentRouting, suite.Name())

	pass, err := suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"utterance": "hydrate workspace ws1"},
		Expected: store.JSONMap{"intent": "hydration.run"},
	})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"utterance": "hydrate workspace ws1"},
		Expected: store.JSONMap{"intent": "reasoning.link"},
	})
	require.NoError(t, err)
	assert.False(t, pass)

	_, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{},
		Expected: store.JSONMap{"intent": "hydration.run"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "utterance")
}

func TestLinkQualitySuite(t *testing.T) {
	suite := LinkQualitySuite()

	pass, err := suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input: store.JSONMap{
			"source_text": "Supply and place concrete grade 30 for ground floor slab",
			"target_text": "Concrete grade 30 ground floor slab pour complete",
		},
		Expected: store.JSONMap{"linked": true},
	})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input: store.JSONMap{
			"source_text": "Excavation for basement retaining wall",
			"target_text": "Monthly safety induction attendance register",
		},
		Expected: store.JSONMap{"linked": false},
	})
	require.NoError(t, err)
	assert.True(t, pass)

	_, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"source_text": "only one side"},
		Expected: store.JSONMap{"linked": true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_text")
}

func TestPolicyDecisionSuite(t *testing.T) {
	auth := &stubAuthorizer{}
	suite := PolicyDecisionSuite(auth)

	pass, err := suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input: store.JSONMap{
			"principal_id":  float64(1),
			"action":        "read",
			"resource_type": "document",
			"resource_id":   "42",
			"context":       map[string]interface{}{"project_id": float64(101)},
		},
		Expected: store.JSONMap{"allowed": true},
	})
	require.NoError(t, err)
	assert.True(t, pass)

	got := auth.requests()
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].PrincipalID)
	assert.Equal(t, "read", got[0].Action)
	assert.Equal(t, "document", got[0].ResourceType)
	assert.Equal(t, "42", got[0].ResourceID)
	assert.Equal(t, float64(101), got[0].Context["project_id"])

	// Denial matching the label passes the case.
	pass, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"principal_id": float64(7), "action": "delete", "resource_type": "policy"},
		Expected: store.JSONMap{"allowed": false},
	})
	require.NoError(t, err)
	assert.True(t, pass)

	// Denial contradicting the label fails it.
	pass, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"principal_id": float64(7), "action": "read", "resource_type": "document"},
		Expected: store.JSONMap{"allowed": true},
	})
	require.NoError(t, err)
	assert.False(t, pass)

	_, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"action": "read", "resource_type": "document"},
		Expected: store.JSONMap{"allowed": true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "principal_id")
}

func TestPolicyDecisionSuiteUnwired(t *testing.T) {
	suite := PolicyDecisionSuite(nil)

	_, err := suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"principal_id": float64(1), "action": "read", "resource_type": "document"},
		Expected: store.JSONMap{"allowed": true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not wired")
}

func TestPromptFidelitySuite(t *testing.T) {
	suite := PromptFidelitySuite()

	pass, err := suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input: store.JSONMap{
			"template": "Run {{suite}} at {{tag}}",
			"vars":     map[string]interface{}{"suite": "link_quality", "tag": "baseline:v1"},
		},
		Expected: store.JSONMap{"rendered": "Run link_quality at baseline:v1"},
	})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = suite.Evaluate(context.Background(), "v1", store.GroundTruthCase{
		Input:    store.JSONMap{"template": "Run {{suite}}", "vars": map[string]interface{}{"suite": "x"}},
		Expected: store.JSONMap{"rendered": "Run y"},
	})
	require.NoError(t, err)
	assert.False(t, pass)
}

func TestDefaultsRegistersComponentSuites(t *testing.T) {
	r := Defaults(nil)
	assert.Equal(t, []string{
		SuiteIntentRouting,
		SuiteLinkQuality,
		SuitePolicyDecisions,
		SuitePromptFidelity,
		SuiteToolRouting,
	}, r.Names())
}

// Every seeded case must pass against the in-process implementations, or
// a fresh deployment would start with a failing baseline.
func TestSeededCasesPassTheirSuites(t *testing.T) {
	r := Defaults(&stubAuthorizer{})
	for name, cases := range seedCases {
		suite, ok := r.Get(name)
		require.True(t, ok, "suite %s", name)
		for i, c := range cases {
			pass, err := suite.Evaluate(context.Background(), "baseline:v1", c)
			require.NoError(t, err, "suite %s case %d", name, i)
			assert.True(t, pass, "suite %s case %d", name, i)
		}
	}
}

type fakeSeeder struct {
	mu       sync.Mutex
	counts   map[string]int
	inserted []store.GroundTruthCase
}

func (f *fakeSeeder) CountBySuite(_ context.Context, suiteName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[suiteName], nil
}

func (f *fakeSeeder) Insert(_ context.Context, c *store.GroundTruthCase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, *c)
	f.counts[c.SuiteName]++
	return nil
}

func TestSeedGroundTruth(t *testing.T) {
	seeder := &fakeSeeder{counts: map[string]int{}}

	require.NoError(t, SeedGroundTruth(context.Background(), seeder))

	want := 0
	for name, cases := range seedCases {
		assert.Equal(t, len(cases), seeder.counts[name], "suite %s", name)
		want += len(cases)
	}
	assert.Len(t, seeder.inserted, want)
	for _, c := range seeder.inserted {
		assert.NotEmpty(t, c.SuiteName)
	}

	// Seeding again is a no-op once cases exist.
	require.NoError(t, SeedGroundTruth(context.Background(), seeder))
	assert.Len(t, seeder.inserted, want)
}

func TestSeedGroundTruthSkipsCuratedSuites(t *testing.T) {
	seeder := &fakeSeeder{counts: map[string]int{SuiteIntentRouting: 12}}

	require.NoError(t, SeedGroundTruth(context.Background(), seeder))

	for _, c := range seeder.inserted {
		assert.NotEqual(t, SuiteIntentRouting, c.SuiteName)
	}
	assert.Equal(t, 12, seeder.counts[SuiteIntentRouting])
}

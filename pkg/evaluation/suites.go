package evaluation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gantrylabs/gantry/pkg/linking"
	"github.com/gantrylabs/gantry/pkg/policy"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Suite names for the built-in component suites. The regression guard
// maps promotable components onto these.
const (
	SuiteIntentRouting   = "intent_routing"
	SuiteToolRouting     = "tool_routing"
	SuiteLinkQuality     = "link_quality"
	SuitePolicyDecisions = "policy_decisions"
	SuitePromptFidelity  = "prompt_fidelity"
)

// Authorizer answers decision requests. Evaluate never fails; engine
// errors surface as deny decisions.
type Authorizer interface {
	Evaluate(ctx context.Context, req *policy.Request) *policy.Decision
}

// FuncSuite adapts a case-scoring function into a Suite.
type FuncSuite struct {
	name string
	fn   func(ctx context.Context, tag string, c store.GroundTruthCase) (bool, error)
}

func NewFuncSuite(name string, fn func(ctx context.Context, tag string, c store.GroundTruthCase) (bool, error)) *FuncSuite {
	return &FuncSuite{name: name, fn: fn}
}

func (s *FuncSuite) Name() string { return s.name }

func (s *FuncSuite) Evaluate(ctx context.Context, tag string, c store.GroundTruthCase) (bool, error) {
	return s.fn(ctx, tag, c)
}

// Defaults returns a registry with the five component suites registered.
// The authorizer backs the policy suite; the other suites score the
// in-process implementations, so the tag is recorded but does not change
// what runs.
func Defaults(authorize Authorizer) *Registry {
	r := NewRegistry()
	for _, s := range []Suite{
		IntentRoutingSuite(),
		ToolRoutingSuite(),
		LinkQualitySuite(),
		PolicyDecisionSuite(authorize),
		PromptFidelitySuite(),
	} {
		if err := r.Register(s); err != nil {
			panic(fmt.Sprintf("evaluation: register %s: %v", s.Name(), err))
		}
	}
	return r
}

// intentSignals maps utterance keywords onto intents, first group wins.
var intentSignals = []struct {
	intent   string
	keywords []string
}{
	{"hydration.run", []string{"hydrate", "sync", "ingest", "refresh"}},
	{"reasoning.link", []string{"link", "relate", "cross-reference", "match"}},
	{"evaluation.run", []string{"evaluate", "score", "benchmark"}},
	{"regression.check", []string{"promote", "regression", "baseline"}},
	{"pdp.query", []string{"allowed", "permission", "access", "can i"}},
}

const intentFallback = "general.chat"

// RouteIntent maps an utterance onto the intent taxonomy. Unmatched
// utterances fall back to general chat.
func RouteIntent(utterance string) string {
	lower := strings.ToLower(utterance)
	for _, sig := range intentSignals {
		for _, kw := range sig.keywords {
			if strings.Contains(lower, kw) {
				return sig.intent
			}
		}
	}
	return intentFallback
}

// toolRoutes binds each intent to the worker that serves it.
var toolRoutes = map[string]string{
	"hydration.run":    "hydration_worker",
	"reasoning.link":   "linking_engine",
	"evaluation.run":   "evaluation_harness",
	"regression.check": "regression_guard",
	"pdp.query":        "policy_engine",
}

const toolFallback = "assistant"

// RouteTool picks the tool that serves an intent.
func RouteTool(intent string) string {
	if tool, ok := toolRoutes[intent]; ok {
		return tool
	}
	return toolFallback
}

// linkThreshold is the keyword score at which two texts count as linked.
const linkThreshold = 0.3

// IntentRoutingSuite scores the intent router against labeled utterances.
// Cases: input {utterance}, expected {intent}.
func IntentRoutingSuite() Suite {
	return NewFuncSuite(SuiteIntentRouting, func(_ context.Context, _ string, c store.GroundTruthCase) (bool, error) {
		utterance, err := caseString(c.Input, "utterance")
		if err != nil {
			return false, err
		}
		want, err := caseString(c.Expected, "intent")
		if err != nil {
			return false, err
		}
		return RouteIntent(utterance) == want, nil
	})
}

// ToolRoutingSuite scores intent to tool dispatch. Cases: input {intent},
// expected {tool}.
func ToolRoutingSuite() Suite {
	return NewFuncSuite(SuiteToolRouting, func(_ context.Context, _ string, c store.GroundTruthCase) (bool, error) {
		intent, err := caseString(c.Input, "intent")
		if err != nil {
			return false, err
		}
		want, err := caseString(c.Expected, "tool")
		if err != nil {
			return false, err
		}
		return RouteTool(intent) == want, nil
	})
}

// LinkQualitySuite scores pairwise link detection with the linking
// engine's weighted keyword match. Cases: input {source_text,
// target_text}, expected {linked}.
func LinkQualitySuite() Suite {
	return NewFuncSuite(SuiteLinkQuality, func(_ context.Context, _ string, c store.GroundTruthCase) (bool, error) {
		source, err := caseString(c.Input, "source_text")
		if err != nil {
			return false, err
		}
		target, err := caseString(c.Input, "target_text")
		if err != nil {
			return false, err
		}
		want, err := caseBool(c.Expected, "linked")
		if err != nil {
			return false, err
		}
		score, _ := linking.KeywordScore(linking.Tokenize(source), linking.Tokenize(target))
		return (score >= linkThreshold) == want, nil
	})
}

// PolicyDecisionSuite replays labeled decision requests through the PDP.
// Cases: input {principal_id, action, resource_type, resource_id?,
// context?}, expected {allowed}.
func PolicyDecisionSuite(authorize Authorizer) Suite {
	return NewFuncSuite(SuitePolicyDecisions, func(ctx context.Context, _ string, c store.GroundTruthCase) (bool, error) {
		if authorize == nil {
			return false, fmt.Errorf("policy engine not wired")
		}
		req, err := decisionRequest(c.Input)
		if err != nil {
			return false, err
		}
		want, err := caseBool(c.Expected, "allowed")
		if err != nil {
			return false, err
		}
		dec := authorize.Evaluate(ctx, req)
		if dec == nil {
			return false, fmt.Errorf("no decision returned")
		}
		return dec.Allowed == want, nil
	})
}

// PromptFidelitySuite scores template rendering against the expected
// output. Cases: input {template, vars?}, expected {rendered}.
func PromptFidelitySuite() Suite {
	return NewFuncSuite(SuitePromptFidelity, func(_ context.Context, _ string, c store.GroundTruthCase) (bool, error) {
		template, err := caseString(c.Input, "template")
		if err != nil {
			return false, err
		}
		want, err := caseString(c.Expected, "rendered")
		if err != nil {
			return false, err
		}
		vars, _ := c.Input["vars"].(map[string]interface{})
		return RenderPrompt(template, vars) == want, nil
	})
}

// RenderPrompt substitutes {{key}} placeholders with vars. Keys apply in
// sorted order so rendering is deterministic.
func RenderPrompt(template string, vars map[string]interface{}) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := template
	for _, k := range keys {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", vars[k]))
	}
	return out
}

func decisionRequest(input store.JSONMap) (*policy.Request, error) {
	action, err := caseString(input, "action")
	if err != nil {
		return nil, err
	}
	resourceType, err := caseString(input, "resource_type")
	if err != nil {
		return nil, err
	}
	req := &policy.Request{Action: action, ResourceType: resourceType}
	switch v := input["principal_id"].(type) {
	case float64:
		req.PrincipalID = int64(v)
	case int64:
		req.PrincipalID = v
	case int:
		req.PrincipalID = int64(v)
	default:
		return nil, fmt.Errorf("case field %q missing or not a number", "principal_id")
	}
	if s, ok := input["resource_id"].(string); ok {
		req.ResourceID = s
	}
	if m, ok := input["context"].(map[string]interface{}); ok {
		req.Context = m
	}
	return req, nil
}

func caseString(m store.JSONMap, key string) (string, error) {
	v, ok := m[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("case field %q missing or not a string", key)
	}
	return v, nil
}

func caseBool(m store.JSONMap, key string) (bool, error) {
	v, ok := m[key].(bool)
	if !ok {
		return false, fmt.Errorf("case field %q missing or not a bool", key)
	}
	return v, nil
}

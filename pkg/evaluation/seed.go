package evaluation

import (
	"context"
	"fmt"
	"sort"

	"github.com/gantrylabs/gantry/pkg/store"
)

// CaseSeeder is the slice of store.GroundTruthRepo seeding needs.
type CaseSeeder interface {
	CountBySuite(ctx context.Context, suiteName string) (int, error)
	Insert(ctx context.Context, c *store.GroundTruthCase) error
}

// seedCases is the starter ground truth for the component suites. The
// labels agree with the in-process implementations, so a healthy build
// scores 1.0 on every suite.
var seedCases = map[string][]store.GroundTruthCase{
	SuiteIntentRouting: {
		{Input: store.JSONMap{"utterance": "hydrate workspace ws1 from drive"}, Expected: store.JSONMap{"intent": "hydration.run"}},
		{Input: store.JSONMap{"utterance": "link the BOQ items to payment certificate 5"}, Expected: store.JSONMap{"intent": "reasoning.link"}},
		{Input: store.JSONMap{"utterance": "evaluate the tool router against ground truth"}, Expected: store.JSONMap{"intent": "evaluation.run"}},
		{Input: store.JSONMap{"utterance": "promote candidate build for the intent router"}, Expected: store.JSONMap{"intent": "regression.check"}},
		{Input: store.JSONMap{"utterance": "am i allowed to read the cost plan"}, Expected: store.JSONMap{"intent": "pdp.query"}},
		{Input: store.JSONMap{"utterance": "good morning site team"}, Expected: store.JSONMap{"intent": "general.chat"}},
	},
	SuiteToolRouting: {
		{Input: store.JSONMap{"intent": "hydration.run"}, Expected: store.JSONMap{"tool": "hydration_worker"}},
		{Input: store.JSONMap{"intent": "reasoning.link"}, Expected: store.JSONMap{"tool": "linking_engine"}},
		{Input: store.JSONMap{"intent": "evaluation.run"}, Expected: store.JSONMap{"tool": "evaluation_harness"}},
		{Input: store.JSONMap{"intent": "regression.check"}, Expected: store.JSONMap{"tool": "regression_guard"}},
		{Input: store.JSONMap{"intent": "pdp.query"}, Expected: store.JSONMap{"tool": "policy_engine"}},
		{Input: store.JSONMap{"intent": "smalltalk.banter"}, Expected: store.JSONMap{"tool": "assistant"}},
	},
	SuiteLinkQuality: {
		{
			Input: store.JSONMap{
				"source_text": "Supply and place concrete grade 30 for ground floor slab",
				"target_text": "Concrete grade 30 ground floor slab pour complete",
			},
			Expected: store.JSONMap{"linked": true},
		},
		{
			Input: store.JSONMap{
				"source_text": "Install galvanized steel handrails to staircase",
				"target_text": "Galvanized steel handrail installation at stair core",
			},
			Expected: store.JSONMap{"linked": true},
		},
		{
			Input: store.JSONMap{
				"source_text": "Excavation for basement retaining wall",
				"target_text": "Monthly safety induction attendance register",
			},
			Expected: store.JSONMap{"linked": false},
		},
		{
			Input: store.JSONMap{
				"source_text": "Progress report for March excavation works",
				"target_text": "Progress claim number twelve",
			},
			Expected: store.JSONMap{"linked": false},
		},
	},
	SuitePolicyDecisions: {
		{
			Input: store.JSONMap{
				"principal_id":  1,
				"action":        "read",
				"resource_type": "document",
				"resource_id":   "1",
				"context":       map[string]interface{}{"project_id": 101},
			},
			Expected: store.JSONMap{"allowed": true},
		},
		{
			Input: store.JSONMap{
				"principal_id":  1,
				"action":        "regression.approve",
				"resource_type": "promotion",
			},
			Expected: store.JSONMap{"allowed": true},
		},
		{
			Input: store.JSONMap{
				"principal_id":  999999,
				"action":        "delete",
				"resource_type": "policy",
			},
			Expected: store.JSONMap{"allowed": false},
		},
	},
	SuitePromptFidelity: {
		{
			Input: store.JSONMap{
				"template": "Hello {{name}}, workspace {{workspace}} is ready.",
				"vars":     map[string]interface{}{"name": "Ada", "workspace": "ws1"},
			},
			Expected: store.JSONMap{"rendered": "Hello Ada, workspace ws1 is ready."},
		},
		{
			Input: store.JSONMap{
				"template": "Run {{suite}} at {{tag}}",
				"vars":     map[string]interface{}{"suite": "link_quality", "tag": "baseline:v1"},
			},
			Expected: store.JSONMap{"rendered": "Run link_quality at baseline:v1"},
		},
		{
			Input: store.JSONMap{
				"template": "Retry {{count}} times before paging {{owner}}",
				"vars":     map[string]interface{}{"count": 3, "owner": "oncall"},
			},
			Expected: store.JSONMap{"rendered": "Retry 3 times before paging oncall"},
		},
		{
			// Unknown placeholders pass through unchanged.
			Input: store.JSONMap{
				"template": "Escalate to {{owner}}",
				"vars":     map[string]interface{}{},
			},
			Expected: store.JSONMap{"rendered": "Escalate to {{owner}}"},
		},
	},
}

// SeedGroundTruth inserts the starter cases for any suite that has none.
// Suites with existing cases are left untouched, so operators can curate
// ground truth without fighting the seeder.
func SeedGroundTruth(ctx context.Context, repo CaseSeeder) error {
	names := make([]string, 0, len(seedCases))
	for name := range seedCases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n, err := repo.CountBySuite(ctx, name)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		for i := range seedCases[name] {
			c := seedCases[name][i]
			c.SuiteName = name
			if err := repo.Insert(ctx, &c); err != nil {
				return fmt.Errorf("seed %s case: %w", name, err)
			}
		}
	}
	return nil
}

// Package protocol defines the on-disk emergency-protocol contract
// produced by the offline extraction pipeline and consumed by the decision
// engine. The JSON field names round-trip the pipeline output exactly.
package protocol

import (
	"fmt"
	"sort"
)

// Document is the top-level protocol library file shape.
type Document struct {
	Protocols []Protocol `json:"protocols"`
}

// Protocol is one named emergency decision tree.
type Protocol struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Keywords []string        `json:"keywords"`
	Tree     map[string]Step `json:"tree"`
}

// Step is one node of a protocol tree. Options map a user reply intent to
// the next step id; DefaultNext applies when no option matches.
type Step struct {
	VoiceText   string            `json:"voice"`
	VisualMode  bool              `json:"visual_mode,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	DefaultNext string            `json:"next,omitempty"`
}

// Validate enforces protocol invariants: identity fields, a non-empty
// tree, and referential integrity of every options/next step reference.
func (p Protocol) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("protocol id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("protocol %s: name is required", p.ID)
	}
	if len(p.Tree) == 0 {
		return fmt.Errorf("protocol %s: tree is empty", p.ID)
	}
	for _, stepID := range sortedStepIDs(p.Tree) {
		step := p.Tree[stepID]
		if step.VoiceText == "" {
			return fmt.Errorf("protocol %s: step %s has no voice text", p.ID, stepID)
		}
		for _, intent := range sortedIntents(step.Options) {
			next := step.Options[intent]
			if _, ok := p.Tree[next]; !ok {
				return fmt.Errorf("protocol %s: step %s option %q references unknown step %q", p.ID, stepID, intent, next)
			}
		}
		if step.DefaultNext != "" {
			if _, ok := p.Tree[step.DefaultNext]; !ok {
				return fmt.Errorf("protocol %s: step %s next references unknown step %q", p.ID, stepID, step.DefaultNext)
			}
		}
	}
	return nil
}

// EntryStepID returns the tree entry point: "step_1" when present, else
// the lexicographically first step id for deterministic traversal.
func (p Protocol) EntryStepID() string {
	if _, ok := p.Tree["step_1"]; ok {
		return "step_1"
	}
	ids := sortedStepIDs(p.Tree)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func sortedStepIDs(tree map[string]Step) []string {
	ids := make([]string, 0, len(tree))
	for id := range tree {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedIntents(options map[string]string) []string {
	intents := make([]string, 0, len(options))
	for intent := range options {
		intents = append(intents, intent)
	}
	sort.Strings(intents)
	return intents
}

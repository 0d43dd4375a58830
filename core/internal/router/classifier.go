package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"assistant-orchestrator/core/internal/models"
)

// Classification lists candidate targets for free text, best first.
type Classification struct {
	Workflows    []string
	Capabilities []string
}

func (c Classification) Empty() bool {
	return len(c.Workflows) == 0 && len(c.Capabilities) == 0
}

// Classifier turns message text into candidate workflows and capability tags.
type Classifier interface {
	Classify(ctx context.Context, text string) Classification
}

type KeywordRule struct {
	Keywords   []string `json:"keywords"`
	Capability string   `json:"capability,omitempty"`
	Workflow   string   `json:"workflow,omitempty"`
}

type KeywordTable struct {
	Rules []KeywordRule `json:"rules"`
}

// LoadKeywords reads a JSON keyword table. Every rule needs keywords and exactly one target.
func LoadKeywords(path string) (KeywordTable, error) {
	if strings.TrimSpace(path) == "" {
		return KeywordTable{}, errors.New("keywords path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return KeywordTable{}, fmt.Errorf("read keywords: %w", err)
	}
	var table KeywordTable
	if err := json.Unmarshal(b, &table); err != nil {
		return KeywordTable{}, fmt.Errorf("parse keywords: %w", err)
	}
	for i, rule := range table.Rules {
		if len(rule.Keywords) == 0 {
			return KeywordTable{}, fmt.Errorf("rule %d must define keywords", i)
		}
		hasCap := strings.TrimSpace(rule.Capability) != ""
		hasWf := strings.TrimSpace(rule.Workflow) != ""
		if hasCap == hasWf {
			return KeywordTable{}, fmt.Errorf("rule %d must define exactly one of capability or workflow", i)
		}
	}
	return table, nil
}

type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]models.Workflow, error)
}

type AgentLister interface {
	List() []models.Agent
}

// KeywordClassifier matches whole words or phrases against the keyword table, workflow
// trigger keywords and agent keywords, in that order of precedence within each kind.
type KeywordClassifier struct {
	table     KeywordTable
	workflows WorkflowLister
	agents    AgentLister
}

func NewKeywordClassifier(table KeywordTable, workflows WorkflowLister, agents AgentLister) *KeywordClassifier {
	return &KeywordClassifier{table: table, workflows: workflows, agents: agents}
}

func (c *KeywordClassifier) Classify(ctx context.Context, text string) Classification {
	haystack := " " + normalizeText(text) + " "
	var out Classification
	seenWf := map[string]bool{}
	seenCap := map[string]bool{}
	addWf := func(name string) {
		key := strings.ToLower(strings.TrimSpace(name))
		if key != "" && !seenWf[key] {
			seenWf[key] = true
			out.Workflows = append(out.Workflows, strings.TrimSpace(name))
		}
	}
	addCap := func(tag string) {
		tag = models.NormalizeCapability(tag)
		if tag != "" && !seenCap[tag] {
			seenCap[tag] = true
			out.Capabilities = append(out.Capabilities, tag)
		}
	}

	for _, rule := range c.table.Rules {
		if !containsAny(haystack, rule.Keywords) {
			continue
		}
		if rule.Workflow != "" {
			addWf(rule.Workflow)
		} else {
			addCap(rule.Capability)
		}
	}
	if c.workflows != nil {
		if wfs, err := c.workflows.ListWorkflows(ctx); err == nil {
			for _, wf := range wfs {
				if containsAny(haystack, wf.TriggerKeywords) {
					addWf(wf.Name)
				}
			}
		}
	}
	if c.agents != nil {
		for _, a := range c.agents.List() {
			if !a.Enabled || len(a.Capabilities) == 0 {
				continue
			}
			if containsAny(haystack, a.Keywords) {
				addCap(a.Capabilities[0])
			}
		}
	}
	return out
}

func containsAny(haystack string, keywords []string) bool {
	for _, kw := range keywords {
		kw = normalizeText(kw)
		if kw != "" && strings.Contains(haystack, " "+kw+" ") {
			return true
		}
	}
	return false
}

// normalizeText lowercases and collapses every run of non-alphanumerics to one space.
func normalizeText(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

package tools

import (
	"sort"
	"strings"
)

// Strategy selects how the catalogue is narrowed for a request.
type Strategy string

const (
	// StrategyMinimal keyword-matches the request text against per-tool
	// keyword sets.
	StrategyMinimal Strategy = "minimal"
	// StrategyAgentProfile intersects the agent's declared tool list with
	// the catalogue.
	StrategyAgentProfile Strategy = "agent_profile"
	// StrategyProgressive unions minimal with the agent's top-priority
	// tools.
	StrategyProgressive Strategy = "progressive"
	// StrategyFull returns the entire catalogue. Diagnostic mode only.
	StrategyFull Strategy = "full"
)

// ParseStrategy maps a config string to a Strategy, defaulting to minimal.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyAgentProfile, StrategyProgressive, StrategyFull:
		return Strategy(s)
	default:
		return StrategyMinimal
	}
}

// DiscloseRequest carries the inputs of one disclosure query.
type DiscloseRequest struct {
	Strategy Strategy
	// Text is the free-form request used by minimal and progressive.
	Text string
	// AgentTools is the agent's declared tool list (server-qualified
	// names) used by agent_profile and progressive.
	AgentTools []string
	// MaxTools caps the result; 0 means the catalogue default of 30.
	MaxTools int
}

const defaultMaxTools = 30

// Disclose returns at most MaxTools descriptors relevant to the request.
// For a given catalogue snapshot and input the output is deterministic and
// order-stable; there are no side effects.
func (c *Catalogue) Disclose(req DiscloseRequest) []Descriptor {
	limit := req.MaxTools
	if limit <= 0 {
		limit = defaultMaxTools
	}

	switch req.Strategy {
	case StrategyFull:
		all := c.All()
		if len(all) > limit {
			all = all[:limit]
		}
		return all
	case StrategyAgentProfile:
		return truncate(c.profileTools(req.AgentTools), limit)
	case StrategyProgressive:
		merged := c.profileTools(req.AgentTools)
		seen := make(map[string]struct{}, len(merged))
		for _, d := range merged {
			seen[d.Qualified()] = struct{}{}
		}
		for _, d := range c.keywordTools(req.Text) {
			if _, ok := seen[d.Qualified()]; ok {
				continue
			}
			merged = append(merged, d)
		}
		return truncate(merged, limit)
	default:
		return truncate(c.keywordTools(req.Text), limit)
	}
}

// profileTools resolves declared tool names against the catalogue,
// preserving the declared order and dropping unknown names.
func (c *Catalogue) profileTools(names []string) []Descriptor {
	out := make([]Descriptor, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if d, ok := c.Lookup(name); ok {
			out = append(out, d)
		}
	}
	return out
}

// keywordTools scores tools by keyword overlap with the request text and
// returns matches ordered by (score desc, catalogue order).
func (c *Catalogue) keywordTools(text string) []Descriptor {
	terms := tokenize(text)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		d     Descriptor
		score int
		pos   int
	}
	var matches []scored
	for pos, d := range c.All() {
		score := 0
		for _, kw := range d.Keywords {
			kw = strings.ToLower(kw)
			for _, term := range terms {
				if term == kw {
					score++
				}
			}
		}
		if score > 0 {
			matches = append(matches, scored{d: d, score: score, pos: pos})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].pos < matches[j].pos
	})

	out := make([]Descriptor, len(matches))
	for i, m := range matches {
		out[i] = m.d
	}
	return out
}

func truncate(ds []Descriptor, limit int) []Descriptor {
	if len(ds) > limit {
		return ds[:limit]
	}
	return ds
}

package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateDefinition checks a definition before it is saved: struct level
// rules on every config, unique step ids, resolvable references, an acyclic
// graph and every step reachable from the entry step.
func ValidateDefinition(def *domain.WorkflowDefinition) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	problems = append(problems, structProblems("definition", def)...)
	for _, f := range def.Trigger.Filters {
		if f.Operator != "" && !KnownOperator(f.Operator) {
			add("trigger filter %q: unknown operator %q", f.Field, f.Operator)
		}
	}
	if def.Settings.GoalType == domain.GoalCustom && def.Settings.GoalOperator != "" && !KnownOperator(def.Settings.GoalOperator) {
		add("settings: unknown goal operator %q", def.Settings.GoalOperator)
	}

	if len(def.Steps) == 0 {
		add("definition has no steps")
		return &GraphValidationError{Problems: problems}
	}

	ids := make(map[string]*domain.Step, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			add("step %d has an empty id", i)
			continue
		}
		if _, dup := ids[s.ID]; dup {
			add("duplicate step id %q", s.ID)
			continue
		}
		ids[s.ID] = s
		problems = append(problems, stepProblems(s)...)
	}

	entry := def.EntryStepID()
	if _, ok := ids[entry]; !ok {
		add("start step %q does not exist", entry)
	}
	for _, s := range ids {
		for _, next := range s.Successors() {
			if _, ok := ids[next]; !ok {
				add("step %q references missing step %q", s.ID, next)
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &GraphValidationError{Problems: problems}
	}

	if cycle := findCycle(def, ids); cycle != "" {
		add("cycle detected at step %q", cycle)
	}
	reached := map[string]bool{}
	walk(entry, ids, reached)
	for id := range ids {
		if !reached[id] {
			add("step %q is unreachable from start step %q", id, entry)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &GraphValidationError{Problems: problems}
	}
	return nil
}

func stepProblems(s *domain.Step) []string {
	var problems []string
	if s.Config == nil {
		return []string{fmt.Sprintf("step %q has no config", s.ID)}
	}
	if s.Config.StepType() != s.Type {
		problems = append(problems, fmt.Sprintf("step %q: %s config on a %s step", s.ID, s.Config.StepType(), s.Type))
	}
	problems = append(problems, structProblems("step "+s.ID, s.Config)...)

	switch cfg := s.Config.(type) {
	case *domain.ConditionConfig:
		if len(s.NextSteps) > 0 {
			problems = append(problems, fmt.Sprintf("step %q: condition steps route through yesPath/noPath, not nextSteps", s.ID))
		}
		if cfg.ConditionType == domain.ConditionCustom && cfg.ConditionOperator != "" && !KnownOperator(cfg.ConditionOperator) {
			problems = append(problems, fmt.Sprintf("step %q: unknown operator %q", s.ID, cfg.ConditionOperator))
		}
	case *domain.SplitConfig:
		if len(s.NextSteps) > 0 {
			problems = append(problems, fmt.Sprintf("step %q: split steps route through paths, not nextSteps", s.ID))
		}
		seen := map[string]bool{}
		var total float64
		for _, p := range cfg.Paths {
			if seen[p.ID] {
				problems = append(problems, fmt.Sprintf("step %q: duplicate split path %q", s.ID, p.ID))
			}
			seen[p.ID] = true
			if cfg.SplitType == domain.SplitWeighted && p.Percentage <= 0 {
				problems = append(problems, fmt.Sprintf("step %q: split path %q needs a positive percentage", s.ID, p.ID))
			}
			total += p.Percentage
		}
		if cfg.SplitType == domain.SplitWeighted && total > 100.0001 {
			problems = append(problems, fmt.Sprintf("step %q: split percentages add up to %.2f", s.ID, total))
		}
	case *domain.ActionConfig:
		problems = append(problems, actionProblems(s.ID, cfg)...)
		if len(s.NextSteps) > 1 {
			problems = append(problems, fmt.Sprintf("step %q: only one next step is allowed", s.ID))
		}
	default:
		if len(s.NextSteps) > 1 {
			problems = append(problems, fmt.Sprintf("step %q: only one next step is allowed", s.ID))
		}
	}
	return problems
}

func actionProblems(stepID string, cfg *domain.ActionConfig) []string {
	missing := func(field string) []string {
		return []string{fmt.Sprintf("step %q: %s action requires %s", stepID, cfg.ActionType, field)}
	}
	switch cfg.ActionType {
	case domain.ActionAddTag, domain.ActionRemoveTag:
		if cfg.Tag == "" {
			return missing("tag")
		}
	case domain.ActionAddToList, domain.ActionRemoveFromList:
		if cfg.ListID == "" {
			return missing("listId")
		}
	case domain.ActionUpdateField:
		if cfg.Field == "" {
			return missing("field")
		}
	case domain.ActionWebhook:
		if cfg.URL == "" {
			return missing("url")
		}
	case domain.ActionNotify:
		if cfg.Message == "" {
			return missing("message")
		}
	}
	return nil
}

func structProblems(scope string, v any) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", scope, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s: field %s failed %q", scope, fe.Namespace(), fe.Tag()))
	}
	return out
}

// findCycle returns a step id on a cycle, or "" for an acyclic graph.
func findCycle(def *domain.WorkflowDefinition, ids map[string]*domain.Step) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))
	var visit func(id string) string
	visit = func(id string) string {
		state[id] = visiting
		for _, next := range ids[id].Successors() {
			switch state[next] {
			case visiting:
				return next
			case unvisited:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		state[id] = done
		return ""
	}
	// iterate in declaration order so the reported step is stable
	for _, s := range def.Steps {
		if _, ok := ids[s.ID]; !ok || state[s.ID] != unvisited {
			continue
		}
		if c := visit(s.ID); c != "" {
			return c
		}
	}
	return ""
}

func walk(id string, ids map[string]*domain.Step, reached map[string]bool) {
	s, ok := ids[id]
	if !ok || reached[id] {
		return
	}
	reached[id] = true
	for _, next := range s.Successors() {
		walk(next, ids, reached)
	}
}

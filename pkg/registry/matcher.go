package registry

import (
	"sort"
	"strings"

	"github.com/fleetor/fleetor/pkg/models"
)

// CapabilityMatcher decides whether an agent can serve a requirement set
type CapabilityMatcher struct{}

// NewCapabilityMatcher creates a new capability matcher
func NewCapabilityMatcher() *CapabilityMatcher {
	return &CapabilityMatcher{}
}

// Match checks if an agent advertises every required capability
func (m *CapabilityMatcher) Match(required []string, available []string) bool {
	if len(required) == 0 {
		return true
	}

	availableSet := make(map[string]bool, len(available))
	for _, cap := range available {
		availableSet[strings.ToLower(cap)] = true
	}

	for _, req := range required {
		if !availableSet[strings.ToLower(req)] {
			return false
		}
	}

	return true
}

// NoAgentError is returned when no suitable agent is found
type NoAgentError struct {
	Capabilities []string
	Message      string
}

func (e *NoAgentError) Error() string {
	if len(e.Capabilities) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Capabilities, ", ")
}

// Selector picks the best eligible agent for a task requirement set
type Selector struct {
	matcher *CapabilityMatcher
}

// NewSelector creates a new agent selector
func NewSelector() *Selector {
	return &Selector{matcher: NewCapabilityMatcher()}
}

// Eligible filters agents down to the ones that can accept a new task:
// online, advertising every required capability, and below their
// concurrency limit.
func (s *Selector) Eligible(agents []AgentInfo, required []string) []AgentInfo {
	result := make([]AgentInfo, 0, len(agents))
	for _, agent := range agents {
		if agent.Status != models.AgentOnline {
			continue
		}
		if agent.ActiveTasks >= agent.MaxConcurrentTasks {
			continue
		}
		if !s.matcher.Match(required, agent.Capabilities) {
			continue
		}
		result = append(result, agent)
	}
	return result
}

// Select returns the eligible agent with the lowest efficiency-weighted
// load. Agents tied on load are broken by earliest last-assigned time, so
// assignments rotate across equally loaded agents.
func (s *Selector) Select(agents []AgentInfo, required []string) (*AgentInfo, error) {
	eligible := s.Eligible(agents, required)
	if len(eligible) == 0 {
		return nil, &NoAgentError{
			Capabilities: required,
			Message:      "no eligible agent",
		}
	}

	sorted := make([]AgentInfo, len(eligible))
	copy(sorted, eligible)

	sort.Slice(sorted, func(i, j int) bool {
		loadI := weightedLoad(sorted[i])
		loadJ := weightedLoad(sorted[j])
		if loadI != loadJ {
			return loadI < loadJ
		}
		return sorted[i].LastAssigned.Before(sorted[j].LastAssigned)
	})

	return &sorted[0], nil
}

// weightedLoad scales current load by the inverse of the agent's efficiency
// score, so a struggling agent looks busier than a healthy one at the same
// task count.
func weightedLoad(agent AgentInfo) float64 {
	load := float64(agent.ActiveTasks) + agent.Metrics.CPUPercent/100
	efficiency := agent.EfficiencyScore
	if efficiency < 1 {
		efficiency = 1
	}
	return load * (100 / efficiency)
}

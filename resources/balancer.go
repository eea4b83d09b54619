package resources

import "sort"

// LoadBalancer distributes workflow work across agents by tracking a
// per-agent load score and always assigning the least loaded agents.
type LoadBalancer struct {
	agentLoads  map[string]float64
	assignments map[string][]string
}

// NewLoadBalancer creates an empty balancer.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		agentLoads:  make(map[string]float64),
		assignments: make(map[string][]string),
	}
}

// AssignAgents picks the `required` least-loaded agents from the
// available set, bumps their load, and records the assignment.
func (b *LoadBalancer) AssignAgents(workflowID string, availableAgents []string, required int) []string {
	sorted := make([]string, len(availableAgents))
	copy(sorted, availableAgents)
	sort.SliceStable(sorted, func(i, j int) bool {
		return b.agentLoads[sorted[i]] < b.agentLoads[sorted[j]]
	})

	if required > len(sorted) {
		required = len(sorted)
	}
	assigned := sorted[:required]
	for _, agentID := range assigned {
		b.agentLoads[agentID]++
		b.assignments[workflowID] = append(b.assignments[workflowID], agentID)
	}
	return assigned
}

// ReleaseAgents drops a workflow's assignment and decrements the load
// of each agent it held, clamped at zero.
func (b *LoadBalancer) ReleaseAgents(workflowID string) {
	assigned := b.assignments[workflowID]
	delete(b.assignments, workflowID)
	for _, agentID := range assigned {
		if b.agentLoads[agentID] <= 1 {
			b.agentLoads[agentID] = 0
			continue
		}
		b.agentLoads[agentID]--
	}
}

// LoadStatistics summarizes balancer state.
type LoadStatistics struct {
	AgentLoads          map[string]float64 `json:"agent_loads"`
	ActiveAssignments   int                `json:"active_assignments"`
	TotalAssignedAgents int                `json:"total_assigned_agents"`
}

// Statistics returns a copy of the balancer's load view.
func (b *LoadBalancer) Statistics() LoadStatistics {
	loads := make(map[string]float64, len(b.agentLoads))
	for agentID, load := range b.agentLoads {
		loads[agentID] = load
	}
	total := 0
	for _, agents := range b.assignments {
		total += len(agents)
	}
	return LoadStatistics{
		AgentLoads:          loads,
		ActiveAssignments:   len(b.assignments),
		TotalAssignedAgents: total,
	}
}

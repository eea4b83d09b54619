// Package resources schedules workflows against typed resource pools:
// admission control, priority queues, load balancing across agents, and
// background scheduling and monitoring loops.
package resources

import "time"

// ResourceType enumerates the allocatable resource kinds.
type ResourceType string

const (
	ResourceCPU                  ResourceType = "cpu"
	ResourceMemory               ResourceType = "memory"
	ResourceNetwork              ResourceType = "network"
	ResourceAgentSlots           ResourceType = "agent_slots"
	ResourceConcurrentWorkflows  ResourceType = "concurrent_workflows"
	ResourceMessageQueueCapacity ResourceType = "message_queue_capacity"
)

// Pool is a capacity ledger for one resource type.
type Pool struct {
	ResourceType      ResourceType `json:"resource_type"`
	TotalCapacity     float64      `json:"total_capacity"`
	AllocatedCapacity float64      `json:"allocated_capacity"`
	ReservedCapacity  float64      `json:"reserved_capacity"`
}

// Available returns the capacity not yet allocated or reserved.
func (p *Pool) Available() float64 {
	return p.TotalCapacity - p.AllocatedCapacity - p.ReservedCapacity
}

// Utilization returns the allocated+reserved share as a percentage.
func (p *Pool) Utilization() float64 {
	if p.TotalCapacity <= 0 {
		return 0
	}
	return (p.AllocatedCapacity + p.ReservedCapacity) / p.TotalCapacity * 100.0
}

// CanAllocate reports whether amount fits in the remaining capacity.
func (p *Pool) CanAllocate(amount float64) bool {
	return p.Available() >= amount
}

// Allocation records one workflow's hold on one pool.
type Allocation struct {
	WorkflowID      string       `json:"workflow_id"`
	ResourceType    ResourceType `json:"resource_type"`
	AllocatedAmount float64      `json:"allocated_amount"`
	MaxAmount       float64      `json:"max_amount"`
	AllocatedAt     time.Time    `json:"allocated_at"`
	LastUsed        time.Time    `json:"last_used"`
}

// Utilization returns this allocation's share of its pool's total.
func (a *Allocation) Utilization() float64 {
	if a.MaxAmount <= 0 {
		return 0
	}
	return a.AllocatedAmount / a.MaxAmount * 100.0
}

// defaultPools builds the six standard pools.
func defaultPools(maxConcurrentWorkflows int) map[ResourceType]*Pool {
	return map[ResourceType]*Pool{
		ResourceCPU:                 {ResourceType: ResourceCPU, TotalCapacity: 100.0},
		ResourceMemory:              {ResourceType: ResourceMemory, TotalCapacity: 8192.0},
		ResourceNetwork:             {ResourceType: ResourceNetwork, TotalCapacity: 1000.0},
		ResourceAgentSlots:          {ResourceType: ResourceAgentSlots, TotalCapacity: 50.0},
		ResourceConcurrentWorkflows: {ResourceType: ResourceConcurrentWorkflows, TotalCapacity: float64(maxConcurrentWorkflows)},
		ResourceMessageQueueCapacity: {
			ResourceType:  ResourceMessageQueueCapacity,
			TotalCapacity: 10000.0,
		},
	}
}

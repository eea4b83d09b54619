package coordinator

import (
	"fmt"
	"strings"

	"github.com/c360studio/agentcore/agent"
)

// DefaultKeyPrefix namespaces all coordinator state in the shared store.
const DefaultKeyPrefix = "ao"

// keyspace renders the canonical key layout. The layout is part of the
// wire contract: validators and coordinators in other processes address
// the same keys.
//
//	{pfx}:queue:{type}:{instance}                 FIFO mirror list
//	{pfx}:sched:{type}:{instance}:prio:{P}        score-ordered set, score = enqueue_time_us
//	{pfx}:reserved:{type}:{instance}              hash: token -> JSON(QueueMessage)
//	{pfx}:reserved_deadlines:{type}:{instance}    score-ordered set: token -> deadline_us
//	{pfx}:dlq:{type}:{instance}                   dead-letter list
//	{pfx}:wf:metrics                              hash of numeric counters
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keyspace{prefix: strings.TrimRight(prefix, ":")}
}

func (k keyspace) queue(id agent.ID) string {
	return fmt.Sprintf("%s:queue:%s:%s", k.prefix, id.Type, id.InstanceOrDefault())
}

func (k keyspace) sched(id agent.ID, p agent.Priority) string {
	return fmt.Sprintf("%s:sched:%s:%s:prio:%d", k.prefix, id.Type, id.InstanceOrDefault(), p)
}

func (k keyspace) reserved(id agent.ID) string {
	return fmt.Sprintf("%s:reserved:%s:%s", k.prefix, id.Type, id.InstanceOrDefault())
}

func (k keyspace) reservedDeadlines(id agent.ID) string {
	return fmt.Sprintf("%s:reserved_deadlines:%s:%s", k.prefix, id.Type, id.InstanceOrDefault())
}

func (k keyspace) dlq(id agent.ID) string {
	return fmt.Sprintf("%s:dlq:%s:%s", k.prefix, id.Type, id.InstanceOrDefault())
}

func (k keyspace) metrics() string {
	return k.prefix + ":wf:metrics"
}

func (k keyspace) reservedPattern(t agent.Type) string {
	return fmt.Sprintf("%s:reserved:%s:*", k.prefix, t)
}

func (k keyspace) reservedDeadlinesPattern(t agent.Type) string {
	return fmt.Sprintf("%s:reserved_deadlines:%s:*", k.prefix, t)
}

// instanceFromKey extracts the trailing instance segment from a reserved
// or deadline key. Instances never contain ':'.
func instanceFromKey(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return ""
	}
	return key[idx+1:]
}

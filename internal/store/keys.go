package store

import "fmt"

// Resource names Redis/Postgres collections.
type Resource string

const (
	ResourceTask  Resource = "tasks"
	ResourceAgent Resource = "agents"
	ResourcePhase Resource = "phases"
)

// ProjectKey constructs a fully qualified Redis key for a project-scoped
// resource. Format: swarmctl:projects:{projectID}:{resource}:{id}
func ProjectKey(projectID string, resource Resource, id string) string {
	return fmt.Sprintf("swarmctl:projects:%s:%s:%s", projectID, resource, id)
}

// ProjectPrefix constructs a search pattern prefix for a project-scoped
// resource. Format: swarmctl:projects:{projectID}:{resource}:
func ProjectPrefix(projectID string, resource Resource) string {
	return fmt.Sprintf("swarmctl:projects:%s:%s:", projectID, resource)
}

// LockKey names the claim lock held on a task for the duration of an
// in-progress claim.
func LockKey(projectID string, taskID string) string {
	return fmt.Sprintf("swarmctl:lock:%s:%s", projectID, taskID)
}

// MergeQueueKey names the per-project merge FIFO list.
func MergeQueueKey(projectID string) string {
	return fmt.Sprintf("swarmctl:projects:%s:merge_queue", projectID)
}

// ActiveMergeKey names the hash tracking the in-flight merge, if any.
func ActiveMergeKey(projectID string) string {
	return fmt.Sprintf("swarmctl:projects:%s:active_merge", projectID)
}

// NotificationChannel names the pub/sub channel for an agent's live events.
func NotificationChannel(projectID, agentID string) string {
	return fmt.Sprintf("swarmctl:projects:%s:agent:%s:notifications", projectID, agentID)
}

// NotificationPendingKey names the durable pending list for an agent so
// late subscribers do not miss events published while they were offline.
func NotificationPendingKey(projectID, agentID string) string {
	return fmt.Sprintf("swarmctl:projects:%s:agent:%s:notifications:pending", projectID, agentID)
}

// BacklogCompleteKey names the flag set once every phase has completed.
func BacklogCompleteKey(projectID string) string {
	return fmt.Sprintf("swarmctl:projects:%s:backlog_complete", projectID)
}

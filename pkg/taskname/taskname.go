package taskname

const (
	// Outbox tasks
	OutboxEventFailed = "outbox:event:failed"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

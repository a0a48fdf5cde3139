package taskname

const (
	// Escrow tasks
	EscrowPayout      = "escrow:payout"
	EscrowPayoutSweep = "escrow:payout:sweep"
	EscrowReconcile   = "escrow:reconcile"

	// Outbox tasks
	OutboxDispatch = "outbox:dispatch"

	// Assignment tasks
	AssignmentViewsFlush = "assignment:views:flush"

	// Skill test tasks
	SkillTestFinalizeExpired = "skilltest:finalize:expired"

	// Dispute tasks
	DisputeOverdueSweep = "dispute:overdue:sweep"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

package events

// Topic constants for payment lifecycle hooks.
const (
	TopicPaymentCreated    = "payment.created"
	TopicPaymentProcessing = "payment.processing"
	TopicPaymentCompleted  = "payment.completed"
	TopicPaymentFailed     = "payment.failed"
	TopicPaymentCancelled  = "payment.cancelled"
)

// DefaultTopics returns every lifecycle topic the orchestrator emits.
func DefaultTopics() []string {
	return []string{
		TopicPaymentCreated,
		TopicPaymentProcessing,
		TopicPaymentCompleted,
		TopicPaymentFailed,
		TopicPaymentCancelled,
	}
}

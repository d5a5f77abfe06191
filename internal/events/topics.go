package events

// Topic constants for domain events emitted by the platform.
const (
	TopicOrderCreated   = "order.created"
	TopicOrderPaid      = "order.paid"
	TopicPaymentFailed  = "payment.failed"
	TopicPaymentExpired = "payment.expired"
	TopicIntentCreated  = "intent.created"
	TopicIntentExpired  = "intent.expired"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderPaid,
		TopicPaymentFailed,
		TopicPaymentExpired,
		TopicIntentCreated,
		TopicIntentExpired,
	}
}

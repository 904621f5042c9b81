package events

// Topic constants for domain events emitted by the payment handshake.
const (
	TopicSessionCreated  = "payment.session_created"
	TopicOrderPaid       = "order.paid"
	TopicOrderCanceled   = "order.canceled"
	TopicPaymentFailed   = "payment.failed"
	TopicPaymentConflict = "payment.conflict"
)

// DefaultTopics returns the canonical list of topics.
func DefaultTopics() []string {
	return []string{
		TopicSessionCreated,
		TopicOrderPaid,
		TopicOrderCanceled,
		TopicPaymentFailed,
		TopicPaymentConflict,
	}
}

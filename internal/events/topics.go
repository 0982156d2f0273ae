package events

// Topic constants for booking lifecycle events.
const (
	TopicBookingPending   = "booking.pending"
	TopicBookingConfirmed = "booking.confirmed"
	TopicBookingCancelled = "booking.cancelled"
	TopicBookingFailed    = "booking.failed"
	TopicBulkCheckout     = "bulk.checkout"
	TopicBulkInvoiced     = "bulk.invoiced"
	TopicBulkSettled      = "bulk.settled"
	TopicLedgerFrozen     = "ledger.frozen"
)

// TopicConfirmationRequested carries a booking.Summary for the member's confirmation notice.
const TopicConfirmationRequested = "notification.confirmation"

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicBookingPending,
		TopicBookingConfirmed,
		TopicBookingCancelled,
		TopicBookingFailed,
		TopicBulkCheckout,
		TopicBulkInvoiced,
		TopicBulkSettled,
		TopicLedgerFrozen,
		TopicConfirmationRequested,
	}
}

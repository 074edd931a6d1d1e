package notifier

import "fmt"

// WebhookDeliveryError is returned when a webhook POST did not succeed. It is
// recorded on the delivery attempt and never on the job.
type WebhookDeliveryError struct {
	DeliveryID string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("webhook delivery %s failed (HTTP %d)", e.DeliveryID, e.StatusCode)
	}

	return fmt.Sprintf("webhook delivery %s failed: %v", e.DeliveryID, e.Err)
}

func (e *WebhookDeliveryError) Unwrap() error {
	return e.Err
}

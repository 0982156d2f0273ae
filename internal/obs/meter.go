package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meterOnce    sync.Once
	creditHours  metric.Float64Counter
	meterInitErr error
)

func ledgerMeter() {
	meterOnce.Do(func() {
		creditHours, meterInitErr = otel.Meter("training-booking/ledger").Float64Counter(
			"ledger.credit_hours",
			metric.WithDescription("Credit hours moved through the ledger."),
			metric.WithUnit("{hour}"),
		)
	})
}

// RecordCreditHours adds hours to the OpenTelemetry ledger counter, tagged with the
// direction of the movement (debit, credit or reversal).
func RecordCreditHours(ctx context.Context, direction string, hours float64) {
	ledgerMeter()
	if meterInitErr != nil || creditHours == nil {
		return
	}
	creditHours.Add(ctx, hours, metric.WithAttributes(attribute.String("direction", direction)))
}

package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersFailed      Counter
	OpensPartial      Counter
	OpensFailed       Counter
	UnwindsTriggered  Counter
	UnwindsFailed     Counter
	AutoCloseFired    Counter
	FundingGuardFired Counter
	LiquidationFired  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:      n,
		OrdersFailed:      n,
		OpensPartial:      n,
		OpensFailed:       n,
		UnwindsTriggered:  n,
		UnwindsFailed:     n,
		AutoCloseFired:    n,
		FundingGuardFired: n,
		LiquidationFired:  n,
	}
}

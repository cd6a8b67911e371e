package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	CyclesCompleted  Counter
	CyclesRejected   Counter
	CyclesAborted    Counter
	OrdersPlaced     Counter
	OrdersFailed     Counter
	ClassifierFailed Counter
	DipSignals       Counter
	CryptoValueUSD   Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesCompleted:  n,
		CyclesRejected:   n,
		CyclesAborted:    n,
		OrdersPlaced:     n,
		OrdersFailed:     n,
		ClassifierFailed: n,
		DipSignals:       n,
		CryptoValueUSD:   noopGauge{},
	}
}

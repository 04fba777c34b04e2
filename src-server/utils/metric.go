package utils

type Metric struct {
	DatabaseRead                  chan float64
	DatabaseWrite                 chan float64
	DatabaseReadForAuthMiddleware chan float64
	EventIngested                 chan float64
	ExportDuration                chan float64
}

func NewMetric() *Metric {
	return &Metric{
		DatabaseRead:                  make(chan float64, 16),
		DatabaseWrite:                 make(chan float64, 16),
		DatabaseReadForAuthMiddleware: make(chan float64, 16),
		EventIngested:                 make(chan float64, 16),
		ExportDuration:                make(chan float64, 16),
	}
}

// send without blocking the caller; samples are dropped when the
// collector isn't keeping up (or isn't running, e.g. in tests)
func (m *Metric) Send(ch chan float64, value float64) {
	select {
	case ch <- value:
	default:
	}
}

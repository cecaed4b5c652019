package mooncake

// MultiObserver fans out slice-completion observations to every configured
// Observer, letting the homegrown atomic Metrics and a Prometheus exporter
// (internal/obs.PrometheusObserver) subscribe to the same completion events.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver returns an Observer that forwards to all of observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

func (m *MultiObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m.observers {
		o.ObserveRead(bytes, latencyNs, success)
	}
}

func (m *MultiObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	for _, o := range m.observers {
		o.ObserveWrite(bytes, latencyNs, success)
	}
}

func (m *MultiObserver) ObserveRetry() {
	for _, o := range m.observers {
		o.ObserveRetry()
	}
}

func (m *MultiObserver) ObserveQPDepth(depth uint32) {
	for _, o := range m.observers {
		o.ObserveQPDepth(depth)
	}
}

var _ Observer = (*MultiObserver)(nil)

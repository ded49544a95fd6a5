package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "relaystate"

// Register registers c with reg and returns the collector that ends up
// exported. When an identical collector was registered earlier, for example
// by another tenant in the same process, the existing one is reused. A nil
// reg leaves c unregistered.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

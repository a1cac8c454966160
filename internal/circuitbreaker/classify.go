package circuitbreaker

import gateway "github.com/eugener/radagast/internal"

// Weight maps a backend result classification to an error weight for the
// sliding window. Heavier weights trip the breaker faster.
//
// Transient failures and auth loss count fully: both mean the provider
// cannot serve traffic right now. Rate limiting is the provider shedding
// load, not being broken, so it counts at half. Permanent errors are
// usually the request's fault and barely register.
func Weight(kind gateway.ResultKind) float64 {
	switch kind {
	case gateway.ResultSuccess:
		return 0
	case gateway.ResultTransient, gateway.ResultAuthRequired:
		return 1.0
	case gateway.ResultRateLimited:
		return 0.5
	case gateway.ResultPermanent:
		return 0.1
	default:
		return 1.0
	}
}

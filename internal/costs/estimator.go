// Package costs converts token counts into estimated USD amounts.
//
// The estimator is a pure function over the per-service rate table built at
// startup. Token counting itself happens at the caller (typically a rough
// character-length approximation); this package only turns counts into
// money.
package costs

// Estimator holds USD-per-1K-token rates keyed by service name. Services
// absent from the table are not token-metered and always estimate to zero,
// which keeps them invisible to the spend budgets.
type Estimator struct {
	ratesPerKTokens map[string]float64
}

func NewEstimator(ratesPerKTokens map[string]float64) *Estimator {
	rates := make(map[string]float64, len(ratesPerKTokens))
	for svc, rate := range ratesPerKTokens {
		if rate > 0 {
			rates[svc] = rate
		}
	}
	return &Estimator{ratesPerKTokens: rates}
}

// Estimate returns the cost of a call in USD. It is total: negative counts
// clamp to zero and unknown services cost nothing.
func (e *Estimator) Estimate(service string, promptTokens, completionTokens int) float64 {
	rate, ok := e.ratesPerKTokens[service]
	if !ok {
		return 0
	}
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	return float64(promptTokens+completionTokens) / 1000.0 * rate
}

// Metered reports whether a service participates in the daily/monthly spend
// checks. Unmetered services still count toward the hourly request ceiling.
func (e *Estimator) Metered(service string) bool {
	_, ok := e.ratesPerKTokens[service]
	return ok
}

package engine

// Metrics carries scalar measurements out of a batch operation, keyed by
// name ("loss", "grad_norm", "ppo_kl", ...). Callbacks return one Metrics
// per micro batch; the engine merges them into a single map for the whole
// call.
type Metrics map[string]float64

// Merge folds other into m, summing values that share a key. Summing keeps
// count-like keys ("tokens", "samples") exact; mean-like keys are the
// caller's to divide by the number of micro batches.
func (m Metrics) Merge(other Metrics) {
	for k, v := range other {
		m[k] += v
	}
}

// Clone returns an independent copy of m.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

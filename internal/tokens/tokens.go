// Package tokens provides the approximate token estimator used for every
// budget decision in the module. Roughly 4 characters per token; the same
// heuristic must be applied everywhere or budget math drifts.
package tokens

// Estimate returns ceil(len(text)/4). Empty text yields 0.
func Estimate(text string) int {
	return (len(text) + 3) / 4
}

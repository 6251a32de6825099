// Package metrics exposes prometheus instruments for the billing loops.
package metrics

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

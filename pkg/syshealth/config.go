package syshealth

// Config holds configuration for the memory admission gate.
type Config struct {
	// Threshold is the heap fraction of the ceiling at which admission is deferred (default: 0.9).
	Threshold float64
	// MaxHeapBytes is the admission ceiling. When zero the ceiling is GOMEMLIMIT
	// if set, otherwise total host memory.
	MaxHeapBytes uint64
}

// DefaultConfig returns a Config with the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Threshold: 0.9,
	}
}

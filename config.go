package cc

// Config holds the tunables consulted before every eviction decision.
type Config struct {
	// Enabled turns caching on or off. When false, Lookup always misses
	// and Store is a soft no-op.
	Enabled bool

	// MaxEntries caps the number of Index entries. Zero means unlimited,
	// chosen for symmetry with MaxSizeBytes: it is not a way to disable
	// the cache, only its entry-count cap.
	MaxEntries int

	// MaxSizeBytes caps the sum of CodeSize across entries. Zero means
	// unlimited.
	MaxSizeBytes uint64

	// TimeoutSeconds, if positive, ages out any entry not accessed for
	// more than this many seconds. Zero disables age-based eviction.
	TimeoutSeconds int64
}

const (
	// DefaultMaxEntries is the default entry-count cap.
	DefaultMaxEntries = 1000
	// DefaultMaxSizeBytes is the default total-size cap: 100 MiB.
	DefaultMaxSizeBytes uint64 = 100 << 20
	// DefaultTimeoutSeconds is the default age-eviction window: one hour.
	DefaultTimeoutSeconds int64 = 3600
)

// DefaultConfig returns the default configuration: caching enabled, an
// entry cap of 1000, a total-size cap of 100 MiB, and a one-hour
// access-timeout window.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MaxEntries:     DefaultMaxEntries,
		MaxSizeBytes:   DefaultMaxSizeBytes,
		TimeoutSeconds: DefaultTimeoutSeconds,
	}
}

package store

// Store holds computed task values.
// Values are opaque byte slices; their encoding is the
// responsibility of the task runner.
type Store interface {
	// Store a value for a key. An existing value is replaced.
	Put(key string, value []byte) error

	// Returns the value for a key.
	Get(key string) ([]byte, error)

	// Returns true if the store holds a value for the key.
	Has(key string) bool

	// Remove the value for a key, if present.
	Delete(key string) error

	// Number of stored keys.
	Len() int

	// Total size of all stored values in bytes.
	NBytes() int64

	// All stored keys.
	Keys() []string
}

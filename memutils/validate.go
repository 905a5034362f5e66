package memutils

// Validatable is implemented by every metadata and allocator type that can check its own
// bookkeeping, so that DebugValidate can run after each allocation and free in debug builds
type Validatable interface {
	Validate() error
}

//go:build debug_mem_utils

package memutils

// DebugValidate runs Validate and panics on the first inconsistency it reports
func DebugValidate(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(err)
	}
}

// Package fence describes the GPU completion timeline that gates every deferred reclamation in this module.
package fence

//go:generate mockgen -source fence.go -destination ./mocks/fence.go -package mocks

// CompletionFence is a monotonically increasing counter advanced by the GPU timeline.
//
// CurrentValue is the value that will be signaled by the next submission: work recorded now is
// complete once LastCompletedValue reaches it.
type CompletionFence interface {
	CurrentValue() uint64
	LastCompletedValue() uint64
	IsCompleteUpTo(value uint64) bool
}

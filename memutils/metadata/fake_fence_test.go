package metadata_test

// A fence whose progress is driven directly by the test
type fakeFence struct {
	current   uint64
	completed uint64
}

func (f *fakeFence) CurrentValue() uint64 { return f.current }
func (f *fakeFence) IsCompleteUpTo(value uint64) bool {
	return value <= f.completed
}

func (f *fakeFence) signal() {
	f.current++
}

func (f *fakeFence) completeAll() {
	f.completed = f.current - 1
}

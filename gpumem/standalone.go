package gpumem

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
)

// standAloneResource is a committed resource owned directly by a ResourceLocation
type standAloneResource struct {
	owner    *Device
	resource device.Resource
	size     int

	listed bool
	prev   *standAloneResource
	next   *standAloneResource
}

func (r *standAloneResource) release() {
	r.owner.releaseStandAlone(r)
}

type standAloneList struct {
	mutex utils.OptionalRWMutex

	count int
	head  *standAloneResource
	tail  *standAloneResource
}

func (l *standAloneList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *standAloneList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actualCount := 0
	var prev *standAloneResource
	for item := l.head; item != nil; item = item.next {
		if item.prev != prev {
			return errors.Errorf("stand-alone resource list is broken at entry %d", actualCount)
		}
		prev = item
		actualCount++
	}

	if l.count != actualCount {
		return errors.Errorf("the listed number of stand-alone resources in the list (%d) does not match the actual number of resources (%d)", l.count, actualCount)
	}
	if l.tail != prev {
		return errors.New("the stand-alone resource list tail is not the last entry in the list")
	}

	return nil
}

func (l *standAloneList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count
}

func (l *standAloneList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.head; item != nil; item = item.next {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += item.size
		stats.AddAllocation(item.size)
	}
}

func (l *standAloneList) BuildStatsString(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := writer.Array()
	defer s.End()

	for item := l.head; item != nil; item = item.next {
		o := s.Object()
		o.Name("Size").Int(item.size)
		o.Name("HeapType").String(item.resource.HeapType().String())
		o.Name("Dimension").String(item.resource.Dimension().String())
		o.Name("Flags").String(item.resource.Flags().String())
		o.End()
	}
}

func (l *standAloneList) Register(item *standAloneResource) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	item.listed = true
	if l.count == 0 {
		l.head = item
		l.tail = item
		l.count = 1
		return
	}

	item.prev = l.tail
	l.tail.next = item
	l.tail = item
	l.count++
}

// Unregister removes item from the list and reports whether it was still listed. Items taken by
// takeAll are no longer listed.
func (l *standAloneList) Unregister(item *standAloneResource) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !item.listed {
		return false
	}
	l.remove(item)
	return true
}

func (l *standAloneList) remove(item *standAloneResource) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		l.head = item.next
	}

	if item.next != nil {
		item.next.prev = item.prev
	} else {
		l.tail = item.prev
	}

	item.listed = false
	item.prev = nil
	item.next = nil
	l.count--
}

// takeAll empties the list and returns everything that was in it
func (l *standAloneList) takeAll() []*standAloneResource {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	items := make([]*standAloneResource, 0, l.count)
	for l.head != nil {
		item := l.head
		l.remove(item)
		items = append(items, item)
	}

	return items
}

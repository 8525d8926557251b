package registry

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/clusterkit/directory"
)

// Picker 在同一名称的多个句柄中选择一个
//
// handles 非空，按注册 ID 排序，Pick 不能修改它。
type Picker interface {
	Pick(name string, handles []*directory.Handle) *directory.Handle
}

// PickerFunc 函数形式的 Picker
type PickerFunc func(name string, handles []*directory.Handle) *directory.Handle

func (f PickerFunc) Pick(name string, handles []*directory.Handle) *directory.Handle {
	return f(name, handles)
}

// RandomPicker 均匀随机选择，默认策略
func RandomPicker() Picker {
	return PickerFunc(func(_ string, handles []*directory.Handle) *directory.Handle {
		return handles[rand.IntN(len(handles))]
	})
}

// RoundRobinPicker 按名称轮询
func RoundRobinPicker() Picker {
	return &roundRobin{}
}

type roundRobin struct {
	counters sync.Map // name -> *atomic.Uint64
}

func (r *roundRobin) Pick(name string, handles []*directory.Handle) *directory.Handle {
	v, _ := r.counters.LoadOrStore(name, new(atomic.Uint64))
	n := v.(*atomic.Uint64).Add(1) - 1
	return handles[n%uint64(len(handles))]
}

// FixedPicker 总是选择第 i 个句柄（超出时取模），用于需要确定性的场景
func FixedPicker(i int) Picker {
	if i < 0 {
		i = 0
	}
	return PickerFunc(func(_ string, handles []*directory.Handle) *directory.Handle {
		return handles[i%len(handles)]
	})
}

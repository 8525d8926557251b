package registry

import (
	"slices"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/ceyewan/clusterkit/directory"
	"github.com/ceyewan/clusterkit/xerrors"
)

// handleCache 名称到句柄集合的解析缓存
//
// snapshots 保存按注册 ID 排序的只读切片，供 Consume 无锁读取，条目可能因容量或 TTL 被淘汰；
// held 记录所有尚未归还目录的句柄，淘汰后再次解析到同一注册 ID 时复用原句柄；
// detached 保存已交给调用方但未进入缓存的句柄，关闭时统一归还。
// 除 get 外的方法都必须在 registry.mu 内调用。
type handleCache struct {
	snapshots *otter.Cache[string, []*directory.Handle]
	held      map[string]map[string]*directory.Handle // name -> registrationID -> handle
	detached  []*directory.Handle
}

func newHandleCache(size int, ttl time.Duration) (*handleCache, error) {
	opts := &otter.Options[string, []*directory.Handle]{
		MaximumSize: size,
	}
	if ttl > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, []*directory.Handle](ttl)
	}

	snapshots, err := otter.New(opts)
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to build otter cache")
	}
	return &handleCache{
		snapshots: snapshots,
		held:      make(map[string]map[string]*directory.Handle),
	}, nil
}

func (c *handleCache) get(name string) ([]*directory.Handle, bool) {
	hs, ok := c.snapshots.GetIfPresent(name)
	return hs, ok && len(hs) > 0
}

// merge 把 handles 并入 name 的集合，已存在的注册 ID 保留原句柄
//
// 返回合并后的集合，以及因重复而未被采用、需要归还目录的句柄。
func (c *handleCache) merge(name string, handles []*directory.Handle) (set, dups []*directory.Handle) {
	current, _ := c.snapshots.GetIfPresent(name)
	byID := make(map[string]*directory.Handle, len(current)+len(handles))
	for _, h := range current {
		byID[h.ID()] = h
	}

	held, ok := c.held[name]
	if !ok {
		held = make(map[string]*directory.Handle, len(handles))
		c.held[name] = held
	}
	for _, h := range handles {
		id := h.ID()
		if _, ok := byID[id]; ok {
			dups = append(dups, h)
			continue
		}
		if prev, ok := held[id]; ok {
			byID[id] = prev
			dups = append(dups, h)
			continue
		}
		byID[id] = h
		held[id] = h
	}

	set = sortByID(byID)
	c.snapshots.Set(name, set)
	return set, dups
}

// removeID 移除 name 下注册 ID 为 id 的句柄，集合为空时删除整个条目
func (c *handleCache) removeID(name, id string) *directory.Handle {
	held := c.held[name]
	h, ok := held[id]
	if !ok {
		return nil
	}
	delete(held, id)
	if len(held) == 0 {
		delete(c.held, name)
	}

	current, ok := c.snapshots.GetIfPresent(name)
	if !ok {
		return h
	}
	rest := slices.DeleteFunc(slices.Clone(current), func(x *directory.Handle) bool { return x.ID() == id })
	if len(rest) == 0 {
		c.snapshots.Invalidate(name)
	} else {
		c.snapshots.Set(name, rest)
	}
	return h
}

// removeName 删除 name 的整个条目
func (c *handleCache) removeName(name string) []*directory.Handle {
	c.snapshots.Invalidate(name)
	held, ok := c.held[name]
	if !ok {
		return nil
	}
	delete(c.held, name)

	out := make([]*directory.Handle, 0, len(held))
	for _, h := range held {
		out = append(out, h)
	}
	return out
}

// adopt 保管不进入缓存的句柄
func (c *handleCache) adopt(handles ...*directory.Handle) {
	c.detached = append(c.detached, handles...)
}

// drain 清空缓存并返回所有未归还的句柄
func (c *handleCache) drain() []*directory.Handle {
	out := c.detached
	c.detached = nil
	for name := range c.held {
		out = append(out, c.removeName(name)...)
	}
	return out
}

func (c *handleCache) close() {
	c.snapshots.StopAllGoroutines()
}

func sortByID(byID map[string]*directory.Handle) []*directory.Handle {
	out := make([]*directory.Handle, 0, len(byID))
	for _, h := range byID {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *directory.Handle) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

func indexByID(handles []*directory.Handle) map[string]*directory.Handle {
	out := make(map[string]*directory.Handle, len(handles))
	for _, h := range handles {
		out[h.ID()] = h
	}
	return out
}

package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/xerrors"
)

// Memory 进程内目录
//
// 发布时广播 UP，名称下最后一条记录注销时广播 DOWN。事件在调用方协程中同步派发，
// 派发时不持有内部锁。Resolve 出去的句柄按注册 ID 计数，由 Release 归还。
type Memory struct {
	logger clog.Logger

	mu      sync.RWMutex
	records map[string]Record              // registrationID -> record
	byName  map[string]map[string]struct{} // name -> registrationIDs
	usage   map[string]int                 // registrationID -> 未归还句柄数
	subs    map[uint64]func(Event)
	subSeq  uint64
	failure error
	latency time.Duration
	closed  bool

	resolves atomic.Int64
}

// NewMemory 创建进程内目录
func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	return &Memory{
		logger:  o.logger.WithNamespace("memory"),
		records: make(map[string]Record),
		byName:  make(map[string]map[string]struct{}),
		usage:   make(map[string]int),
		subs:    make(map[uint64]func(Event)),
	}
}

// SetFailure 模拟与集群断开，之后的每次调用都返回 err，传入 nil 恢复
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// SetLatency 为 Resolve 增加固定延迟，模拟一次发现往返
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Resolves 返回 Resolve 被调用的次数
func (m *Memory) Resolves() int64 {
	return m.resolves.Load()
}

// Usage 返回某个注册 ID 未归还的句柄数
func (m *Memory) Usage(registrationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[registrationID]
}

// Notify 向所有订阅者派发一个事件，用于模拟外部的存活通知
func (m *Memory) Notify(ev Event) {
	m.dispatch(ev)
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	return m.failure
}

func (m *Memory) Publish(ctx context.Context, record Record) (string, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return "", err
	}
	record = record.clone()
	record.RegistrationID = uuid.NewString()
	record.Status = StatusUp
	m.records[record.RegistrationID] = record
	ids, ok := m.byName[record.Name]
	if !ok {
		ids = make(map[string]struct{})
		m.byName[record.Name] = ids
	}
	ids[record.RegistrationID] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("record published",
		clog.String("name", record.Name),
		clog.String("registration_id", record.RegistrationID))
	m.dispatch(Event{Name: record.Name, Status: StatusUp, RegistrationID: record.RegistrationID})
	return record.RegistrationID, nil
}

func (m *Memory) Unpublish(ctx context.Context, registrationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return err
	}
	record, ok := m.records[registrationID]
	if !ok {
		m.mu.Unlock()
		return xerrors.Wrapf(ErrNotFound, "registration %s", registrationID)
	}
	delete(m.records, registrationID)
	ids := m.byName[record.Name]
	delete(ids, registrationID)
	last := len(ids) == 0
	if last {
		delete(m.byName, record.Name)
	}
	m.mu.Unlock()

	m.logger.Debug("record unpublished",
		clog.String("name", record.Name),
		clog.String("registration_id", registrationID))
	if last {
		m.dispatch(Event{Name: record.Name, Status: StatusDown, RegistrationID: registrationID})
	}
	return nil
}

func (m *Memory) Resolve(ctx context.Context, name string) ([]*Handle, error) {
	m.resolves.Add(1)

	m.mu.RLock()
	latency := m.latency
	m.mu.RUnlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}
	ids := m.byName[name]
	if len(ids) == 0 {
		return nil, xerrors.Wrapf(ErrNotFound, "name %s", name)
	}

	handles := make([]*Handle, 0, len(ids))
	for id := range ids {
		handles = append(handles, &Handle{Record: m.records[id].clone()})
		m.usage[id]++
	}
	return handles, nil
}

// Release 归还句柄，计数不会低于 0
func (m *Memory) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := h.ID()
	if m.usage[id] > 1 {
		m.usage[id]--
	} else {
		delete(m.usage, id)
	}
	return nil
}

func (m *Memory) Subscribe(fn func(Event)) (Subscription, error) {
	if fn == nil {
		return nil, xerrors.New("directory: nil event handler")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.subSeq++
	id := m.subSeq
	m.subs[id] = fn

	return subscriptionFunc(func() error {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		return nil
	}), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.subs = make(map[uint64]func(Event))
	return nil
}

func (m *Memory) dispatch(ev Event) {
	m.mu.RLock()
	handlers := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	m.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

package directory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/clusterkit/clog"
	"github.com/ceyewan/clusterkit/connector"
	"github.com/ceyewan/clusterkit/xerrors"
)

// announcer 在内层目录之上通过 NATS 广播状态变化
//
// 发布成功后广播 UP，注销成功后广播 DOWN；订阅者同时收到内层目录的事件和广播事件。
// 广播失败只记录日志，不影响发布结果。
type announcer struct {
	Directory

	conn    *nats.Conn
	subject string
	logger  clog.Logger

	mu    sync.Mutex
	names map[string]string // registrationID -> name
}

// NewAnnouncer 用 NATS 广播包装一个目录，inner 的生命周期随之由 announcer 管理
func NewAnnouncer(inner Directory, conn connector.NATSConnector, cfg *AnnounceConfig, opts ...Option) (Directory, error) {
	if inner == nil {
		return nil, xerrors.New("directory: inner directory is required")
	}
	if conn == nil {
		return nil, xerrors.New("directory: nats connector is required")
	}
	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(connector.ErrNotConnected, "directory: nats connection is nil")
	}
	if cfg == nil {
		cfg = &AnnounceConfig{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	return &announcer{
		Directory: inner,
		conn:      client,
		subject:   cfg.Subject,
		logger:    o.logger.WithNamespace("announce"),
		names:     make(map[string]string),
	}, nil
}

func (a *announcer) Publish(ctx context.Context, record Record) (string, error) {
	id, err := a.Directory.Publish(ctx, record)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.names[id] = record.Name
	a.mu.Unlock()

	a.announce(Event{Name: record.Name, Status: StatusUp, RegistrationID: id})
	return id, nil
}

func (a *announcer) Unpublish(ctx context.Context, registrationID string) error {
	if err := a.Directory.Unpublish(ctx, registrationID); err != nil {
		return err
	}

	a.mu.Lock()
	name, ok := a.names[registrationID]
	delete(a.names, registrationID)
	a.mu.Unlock()

	if ok {
		a.announce(Event{Name: name, Status: StatusDown, RegistrationID: registrationID})
	}
	return nil
}

// Subscribe 合并内层目录事件与广播主题上的事件，无法解析的消息被忽略
func (a *announcer) Subscribe(fn func(Event)) (Subscription, error) {
	if fn == nil {
		return nil, xerrors.New("directory: nil event handler")
	}

	innerSub, err := a.Directory.Subscribe(fn)
	if err != nil {
		return nil, err
	}

	natsSub, err := a.conn.Subscribe(a.subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			a.logger.Warn("ignore malformed announcement", clog.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		_ = innerSub.Cancel()
		return nil, xerrors.Wrapf(err, "subscribe %s", a.subject)
	}

	var once sync.Once
	return subscriptionFunc(func() error {
		var errs []error
		once.Do(func() {
			errs = append(errs, innerSub.Cancel())
			if err := natsSub.Unsubscribe(); err != nil && !xerrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		})
		return xerrors.Combine(errs...)
	}), nil
}

func (a *announcer) announce(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("failed to marshal announcement", clog.Error(err))
		return
	}
	if err := a.conn.Publish(a.subject, data); err != nil {
		a.logger.Warn("failed to announce",
			clog.String("name", ev.Name),
			clog.String("status", string(ev.Status)),
			clog.Error(err))
		return
	}
	a.logger.Debug("announced",
		clog.String("name", ev.Name),
		clog.String("status", string(ev.Status)))
}

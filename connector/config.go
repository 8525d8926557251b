package connector

import (
	"fmt"
	"time"

	"github.com/ceyewan/clusterkit/xerrors"
)

// EtcdConfig Etcd 连接配置
type EtcdConfig struct {
	Name      string   `json:"name" yaml:"name" mapstructure:"name"`                // 连接器名称 (默认: "default")
	Endpoints []string `json:"endpoints" yaml:"endpoints" mapstructure:"endpoints"` // [必填] 连接地址列表
	Username  string   `json:"username" yaml:"username" mapstructure:"username"`
	Password  string   `json:"password" yaml:"password" mapstructure:"password"`

	DialTimeout      time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`                   // 默认: 5s
	KeepAliveTime    time.Duration `json:"keep_alive_time" yaml:"keep_alive_time" mapstructure:"keep_alive_time"`          // 默认: 10s
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout" yaml:"keep_alive_timeout" mapstructure:"keep_alive_timeout"` // 默认: 3s
}

func (c *EtcdConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.KeepAliveTime == 0 {
		c.KeepAliveTime = 10 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 3 * time.Second
	}
}

func (c *EtcdConfig) validate() error {
	if c == nil {
		return xerrors.Wrap(ErrConfig, "etcd config is nil")
	}
	c.setDefaults()
	if len(c.Endpoints) == 0 {
		return xerrors.Wrap(ErrConfig, "etcd endpoints are empty")
	}
	return nil
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"` // 连接器名称 (默认: "default")
	URL      string `json:"url" yaml:"url" mapstructure:"url"`    // [必填] 如 "nats://127.0.0.1:4222"
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
	Token    string `json:"token" yaml:"token" mapstructure:"token"`

	Timeout       time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`                      // 默认: 5s
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects" mapstructure:"max_reconnects"` // 默认: 60
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" mapstructure:"reconnect_wait"` // 默认: 2s
	PingInterval  time.Duration `json:"ping_interval" yaml:"ping_interval" mapstructure:"ping_interval"`    // 默认: 2m
	MaxPingsOut   int           `json:"max_pings_out" yaml:"max_pings_out" mapstructure:"max_pings_out"`    // 默认: 2
}

func (c *NATSConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 2
	}
}

func (c *NATSConfig) validate() error {
	if c == nil {
		return xerrors.Wrap(ErrConfig, "nats config is nil")
	}
	c.setDefaults()
	if c.URL == "" {
		return xerrors.Wrap(ErrConfig, "nats url is empty")
	}
	return nil
}

func connectorLabel(kind, name string) string {
	return fmt.Sprintf("%s/%s", kind, name)
}

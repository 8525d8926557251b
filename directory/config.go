package directory

import (
	"strings"
	"time"

	"github.com/ceyewan/clusterkit/xerrors"
)

// EtcdConfig etcd 目录配置
type EtcdConfig struct {
	// Namespace 键前缀，默认 "/clusterkit/services"
	Namespace string `json:"namespace" yaml:"namespace" mapstructure:"namespace"`

	// TTL 租约时长，进程异常退出后记录在 TTL 内自动删除，默认 30s，最小 1s
	TTL time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`

	// RetryInterval Watch 断开后的重连间隔，默认 1s
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval" mapstructure:"retry_interval"`
}

func (c *EtcdConfig) validate() error {
	if c.Namespace == "" {
		c.Namespace = "/clusterkit/services"
	}
	c.Namespace = strings.TrimRight(c.Namespace, "/")
	if c.TTL == 0 {
		c.TTL = 30 * time.Second
	}
	if c.TTL < time.Second {
		return xerrors.Wrapf(xerrors.New("directory: invalid config"), "ttl %s is shorter than 1s", c.TTL)
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return nil
}

// AnnounceConfig NATS 广播配置
type AnnounceConfig struct {
	// Subject 广播主题，默认 "clusterkit.announce"
	Subject string `json:"subject" yaml:"subject" mapstructure:"subject"`
}

func (c *AnnounceConfig) validate() error {
	if c.Subject == "" {
		c.Subject = "clusterkit.announce"
	}
	return nil
}

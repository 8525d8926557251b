package endpoint

import (
	"github.com/ceyewan/clusterkit/breaker"
)

// Config 端点池配置
type Config struct {
	// PublicHost 外部访问使用的主机，默认 "localhost"
	PublicHost string `json:"public_host" yaml:"public_host" mapstructure:"public_host"`

	// PrivateHost 集群内部访问使用的主机，默认 "localhost"
	PrivateHost string `json:"private_host" yaml:"private_host" mapstructure:"private_host"`

	// Policy 每个熔断器的策略，零值字段使用 breaker.DefaultPolicy；
	// NotificationInterval 小于 0 时关闭状态上报
	Policy breaker.Policy `json:"policy" yaml:"policy" mapstructure:"policy"`

	// BreakerPrefix 熔断器名称前缀，用于在日志和指标中区分不同的池
	BreakerPrefix string `json:"breaker_prefix" yaml:"breaker_prefix" mapstructure:"breaker_prefix"`
}

func (c *Config) setDefaults() {
	if c.PublicHost == "" {
		c.PublicHost = "localhost"
	}
	if c.PrivateHost == "" {
		c.PrivateHost = "localhost"
	}

	def := breaker.DefaultPolicy()
	if c.Policy.MaxFailures == 0 {
		c.Policy.MaxFailures = def.MaxFailures
	}
	if c.Policy.CallTimeout == 0 {
		c.Policy.CallTimeout = def.CallTimeout
	}
	if c.Policy.ResetTimeout <= 0 {
		c.Policy.ResetTimeout = def.ResetTimeout
	}
	if c.Policy.NotificationInterval == 0 {
		c.Policy.NotificationInterval = def.NotificationInterval
	}
}

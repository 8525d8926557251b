package metrics

// Config 指标系统配置
//
// 典型配置示例（YAML）：
//
//	metrics:
//	  enabled: true
//	  service_name: "orders"
//	  version: "v1.2.3"
//	  port: 9090
//	  path: "/metrics"
type Config struct {
	// Enabled 为 false 时 New 返回空实现
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// ServiceName 作为 Resource 的 service.name 属性
	ServiceName string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`

	// Version 作为 Resource 的 service.version 属性
	Version string `json:"version" yaml:"version" mapstructure:"version"`

	// Port 大于 0 时启动 Prometheus HTTP 服务
	Port int `json:"port" yaml:"port" mapstructure:"port"`

	// Path Prometheus 抓取路径，默认 /metrics
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

func (c *Config) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "clusterkit"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

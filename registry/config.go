package registry

import "time"

// Config Registry 配置
type Config struct {
	// CacheSize 解析缓存最多保存的名称数，默认 1024
	CacheSize int `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`

	// CacheTTL 解析缓存的过期时间（从写入开始计算），0 表示只依靠存活事件失效
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`

	// ResolveTimeout 单次目录解析的超时，与发起解析的调用方无关，默认 5s
	ResolveTimeout time.Duration `json:"resolve_timeout" yaml:"resolve_timeout" mapstructure:"resolve_timeout"`

	// ResolveRate 每秒最多发起的目录解析次数，0 表示不限制
	ResolveRate float64 `json:"resolve_rate" yaml:"resolve_rate" mapstructure:"resolve_rate"`

	// ResolveBurst 目录解析的突发上限，默认取 ResolveRate 向上取整且至少为 1
	ResolveBurst int `json:"resolve_burst" yaml:"resolve_burst" mapstructure:"resolve_burst"`
}

func (c *Config) setDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 0
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 5 * time.Second
	}
	if c.ResolveRate < 0 {
		c.ResolveRate = 0
	}
	if c.ResolveRate > 0 && c.ResolveBurst <= 0 {
		c.ResolveBurst = int(c.ResolveRate)
		if float64(c.ResolveBurst) < c.ResolveRate {
			c.ResolveBurst++
		}
	}
}

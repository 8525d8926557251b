package metrics

// Label 指标标签，为指标添加维度信息
//
// 标签值应保持低基数：服务名、结果、原因都可以，注册 ID 不行。
type Label struct {
	Key   string
	Value string
}

// L 便捷构造函数
//
//	counter.Inc(ctx, metrics.L("result", "hit"))
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

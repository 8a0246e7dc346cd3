package pluginconfig

// Before 判断版本是否早于 other，配置行时间优先比较。
func (r Revision) Before(other Revision) bool {
	if r.ConfigUpdatedAt != other.ConfigUpdatedAt {
		return r.ConfigUpdatedAt < other.ConfigUpdatedAt
	}
	return r.PluginUpdatedAt < other.PluginUpdatedAt
}

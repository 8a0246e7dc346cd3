// Package api 暴露插件服务的管理接口：触发 reload、同步提交事件、查看运行计数，
// 以及 Prometheus 指标与存活/就绪探针。
package api

// Package config 加载插件服务的 YAML 配置：解析文件后由 struct tag 填充默认值，
// 相对路径按配置文件所在目录解析，最后校验字段取值与组件间的依赖。
package config

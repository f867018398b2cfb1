package middleware

import "github.com/gin-gonic/gin"

// ServiceNameKey 健康检查读取的服务名键
const ServiceNameKey = "service_name"

// ServiceName 在上下文中写入服务名
func ServiceName(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ServiceNameKey, name)
		c.Next()
	}
}

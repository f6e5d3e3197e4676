package main

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/newstide/newstide/internal/api"
	"github.com/newstide/newstide/internal/config"
	"github.com/newstide/newstide/internal/logging"
	"github.com/newstide/newstide/internal/storage"
)

// 只读查询服务：与采集 worker 分开部署，共享同一套存储
func main() {
	log := logging.New("api")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config failed")
	}

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr, log)
	if err != nil {
		log.WithError(err).Fatal("init store failed")
	}

	r := gin.Default()
	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}

	apiServer := api.NewServer(store)
	apiServer.RegisterRoutes(r)

	addr := ":" + cfg.AppPort
	log.WithField("addr", addr).Info("starting api server")
	if err := r.Run(addr); err != nil {
		log.WithError(err).Fatal("server exit")
	}
}

// basicAuthMiddleware 为整个站点增加一个简单的 Basic Auth 访问密码。
// 仅当配置了 APP_BASIC_USER / APP_BASIC_PASS 时启用。
// /health 不做认证，便于健康检查。
func basicAuthMiddleware(user, pass string) gin.HandlerFunc {
	const realm = "Restricted"
	uBytes := []byte(user)
	pBytes := []byte(pass)

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		u, p, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="`+realm+`"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

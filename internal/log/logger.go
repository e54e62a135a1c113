package log

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New 构造 logger：dev 环境输出彩色控制台格式并开启 debug，其他环境输出 JSON。
func New(env string, w io.Writer) zerolog.Logger {
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		return zerolog.New(cw).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// Init 替换全局 logger，服务启动时调用一次。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = New(env, os.Stdout)
}

// Requests 记录每个 HTTP 请求，5xx 记为 error。
func Requests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := log.Debug()
		if status >= 500 {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("http request")
	}
}

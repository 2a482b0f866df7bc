package devservice

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rtloftin/discrete-bam/internal/logger"
)

// socketOutcomeKey carries how a /ws request ended, set by handleSocket.
const socketOutcomeKey = "devservice.socket"

// accessLog writes one line per request. A socket logs its outcome and the
// sessions it ran at info; API calls log the session they asked about at
// debug.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start).Round(time.Millisecond)

		if c.FullPath() == "/ws" {
			outcome := c.GetString(socketOutcomeKey)
			if outcome == "" {
				outcome = "not upgraded"
			}
			logger.Infof("devservice: socket from %s %s after %v, %d active",
				c.ClientIP(), outcome, elapsed, s.Active())
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unrouted " + c.Request.URL.Path
		}
		if id := c.Param("id"); id != "" {
			route = strings.Replace(route, ":id", id, 1)
		}
		logger.Debugf("devservice: %s %s %d (%v)", c.Request.Method, route, c.Writer.Status(), elapsed)
	}
}

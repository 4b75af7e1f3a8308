package services

import (
	"strings"
	"time"

	"arttic/utils"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
)

const (
	reqIDKey    = "reqId"
	reqIDHeader = "X-Request-Id"
	maxReqIDLen = 64
)

// quietPrefixes are polled or asset routes, logged at debug only.
var quietPrefixes = []string{"/health", "/metrics", "/outputs/", "/api/status"}

func quiet(path string) bool {
	for _, p := range quietPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// completionLevel picks the level for a finished request.
func completionLevel(path string, status int) log.Level {
	switch {
	case status >= fiber.StatusInternalServerError:
		return log.ErrorLevel
	case status >= fiber.StatusBadRequest:
		return log.WarnLevel
	case quiet(path):
		return log.DebugLevel
	default:
		return log.InfoLevel
	}
}

// RequestLogger tags every request with an id (the caller's X-Request-Id
// when it is usable) and logs its outcome.
func RequestLogger() fiber.Handler {
	base := log.With("component", "http")

	return func(c *fiber.Ctx) error {
		id := c.Get(reqIDHeader)
		if id == "" || len(id) > maxReqIDLen {
			id = utils.NewJobID()
		}
		c.Locals(reqIDKey, id)
		c.Set(reqIDHeader, id)

		reqLog := base.With("reqId", id, "method", c.Method(), "path", c.Path())
		reqLog.Debug("request started", "ip", c.IP())

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			reqLog.Error("request failed", "status", status, "dur", time.Since(start).String(), "err", err)
			return err
		}
		reqLog.Log(completionLevel(c.Path(), status), "request completed", "status", status, "dur", time.Since(start).String())
		return nil
	}
}

func ReqID(c *fiber.Ctx) string {
	id, _ := c.Locals(reqIDKey).(string)
	return id
}

// HttpLogger is the logger REST handlers use for one action.
func HttpLogger(action string, c *fiber.Ctx) *log.Logger {
	return log.With("component", "api", "action", action, "reqId", ReqID(c))
}

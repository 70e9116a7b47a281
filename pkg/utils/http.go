package utils

import (
	"fmt"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/srand/grid/pkg/log"
)

func HttpLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		log.Tracef("%4s %s %v", c.Request().Method, c.Request().URL, c.Response().Status)
		return err
	}
}

// ParseHttpUrl parses a http or tcp URI and returns the host:port part.
func ParseHttpUrl(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}

	switch u.Scheme {
	case "http", "tcp":
	default:
		return "", fmt.Errorf("%w: unsupported scheme: %s", ErrParse, u.Scheme)
	}

	if u.Port() == "" {
		return u.Hostname() + ":80", nil
	}

	return u.Host, nil
}

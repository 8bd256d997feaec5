package domain

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	SchemeRedis    = "redis"
	SchemeTLS      = "rediss"
	SchemeUnix     = "unix"
	defaultPort    = 6379
	defaultTimeout = 5 * time.Second
)

// ServerEndpoint identifies a pub/sub backend. It is a value type: failover replaces
// the whole endpoint, it is never mutated in place.
type ServerEndpoint struct {
	Scheme   string
	Host     string
	Port     int
	Path     string
	Username string
	Password string
	DB       int
	Timeout  time.Duration
}

// ParseEndpoint parses redis://, rediss:// and unix:// URLs.
//
//	redis://:secret@10.0.0.5:6379/2
//	unix:///var/run/redis.sock?db=1
func ParseEndpoint(raw string) (ServerEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}

	ep := ServerEndpoint{Scheme: strings.ToLower(u.Scheme), Timeout: defaultTimeout}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}

	switch ep.Scheme {
	case SchemeUnix:
		ep.Path = u.Path
		if ep.Path == "" {
			return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: unix socket path is empty", raw)
		}
		if db := u.Query().Get("db"); db != "" {
			if ep.DB, err = strconv.Atoi(db); err != nil {
				return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: bad db: %w", raw, err)
			}
		}
	case SchemeRedis, SchemeTLS:
		ep.Host = u.Hostname()
		if ep.Host == "" {
			return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: host is empty", raw)
		}
		ep.Port = defaultPort
		if p := u.Port(); p != "" {
			if ep.Port, err = strconv.Atoi(p); err != nil {
				return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: bad port: %w", raw, err)
			}
		}
		if db := strings.TrimPrefix(u.Path, "/"); db != "" {
			if ep.DB, err = strconv.Atoi(db); err != nil {
				return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: bad db: %w", raw, err)
			}
		}
	default:
		return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}

	if t := u.Query().Get("timeout"); t != "" {
		if ep.Timeout, err = time.ParseDuration(t); err != nil {
			return ServerEndpoint{}, fmt.Errorf("invalid endpoint %q: bad timeout: %w", raw, err)
		}
	}

	return ep, nil
}

// Network returns the dial network for the endpoint.
func (e ServerEndpoint) Network() string {
	if e.Scheme == SchemeUnix {
		return "unix"
	}
	return "tcp"
}

// Addr returns the socket path or host:port.
func (e ServerEndpoint) Addr() string {
	if e.Scheme == SchemeUnix {
		return e.Path
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// WithAddr returns a copy pointing at another host:port, keeping credentials and DB.
func (e ServerEndpoint) WithAddr(host string, port int) ServerEndpoint {
	e.Host = host
	e.Port = port
	if e.Scheme == SchemeUnix || e.Scheme == "" {
		e.Scheme = SchemeRedis
		e.Path = ""
	}
	return e
}

// String renders the endpoint without credentials, safe for logs.
func (e ServerEndpoint) String() string {
	return e.Scheme + "://" + e.Addr()
}

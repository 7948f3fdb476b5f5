package rabbitstore

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
)

// Endpoint identifies one broker target. It is immutable once a supervisor
// has been built from it.
type Endpoint struct {
	Host        string
	Port        int
	VirtualHost string
	Username    string
	Password    string
}

// DefaultEndpoint builds an endpoint from the RABBITMQ_* environment
// variables, falling back to a local broker with default credentials.
func DefaultEndpoint() Endpoint {
	port := 5672
	if raw := os.Getenv("RABBITMQ_PORT"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			port = n
		}
	}
	return Endpoint{
		Host:        envOr("RABBITMQ_HOST", "localhost"),
		Port:        port,
		VirtualHost: envOr("RABBITMQ_VHOST", "/"),
		Username:    envOr("RABBITMQ_USERNAME", "guest"),
		Password:    envOr("RABBITMQ_PASSWORD", "guest"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// withDefaults fills zero-value fields so a partially specified endpoint
// still dials somewhere sensible.
func (e Endpoint) withDefaults() Endpoint {
	def := DefaultEndpoint()
	if e.Host == "" {
		e.Host = def.Host
	}
	if e.Port == 0 {
		e.Port = def.Port
	}
	if e.VirtualHost == "" {
		e.VirtualHost = def.VirtualHost
	}
	if e.Username == "" {
		e.Username = def.Username
	}
	if e.Password == "" {
		e.Password = def.Password
	}
	return e
}

// URL returns the full AMQP dial string including credentials. The default
// vhost "/" is expressed by omitting the path component; a trailing slash
// would name the empty vhost instead.
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(e.Username, e.Password),
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
	}
	if e.VirtualHost != "" && e.VirtualHost != "/" {
		u.Path = "/" + e.VirtualHost
		u.RawPath = "/" + url.PathEscape(e.VirtualHost)
	}
	return u.String()
}

// Key returns the endpoint's identity for connection sharing: host, port,
// virtual host, and username. The password is required to connect but never
// part of the identity, so it cannot leak through logs or errors.
func (e Endpoint) Key() string {
	return fmt.Sprintf("amqp://%s@%s%s", e.Username, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.vhostPath())
}

func (e Endpoint) vhostPath() string {
	if e.VirtualHost == "" || e.VirtualHost == "/" {
		return "/"
	}
	return "/" + url.PathEscape(e.VirtualHost)
}

package client

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend.
// A ComfyClient owns one client id for its lifetime; the id scopes the websocket
// event stream to the prompts queued by this client.
type ComfyClient struct {
	serverBaseAddress string
	secure            bool
	clientid          string
	httpclient        *http.Client
	logger            zerolog.Logger
	dialRetry         int
}

// Option configures a ComfyClient
type Option func(*ComfyClient)

// WithSecure switches the client to https and wss
func WithSecure(secure bool) Option {
	return func(c *ComfyClient) {
		c.secure = secure
	}
}

// WithTimeout sets the timeout of every HTTP request
func WithTimeout(timeout time.Duration) Option {
	return func(c *ComfyClient) {
		c.httpclient.Timeout = timeout
	}
}

// WithLogger sets the logger used by the client
func WithLogger(logger zerolog.Logger) Option {
	return func(c *ComfyClient) {
		c.logger = logger
	}
}

// WithClientID overrides the generated client id
func WithClientID(id string) Option {
	return func(c *ComfyClient) {
		c.clientid = id
	}
}

// WithDialRetry sets how many times a failed websocket dial is retried
func WithDialRetry(retry int) Option {
	return func(c *ComfyClient) {
		c.dialRetry = retry
	}
}

// NewComfyClient creates a new instance of a ComfyUI client for the server at
// serverAddress ("host:port").
func NewComfyClient(serverAddress string, opts ...Option) *ComfyClient {
	c := &ComfyClient{
		serverBaseAddress: serverAddress,
		clientid:          uuid.New().String(),
		httpclient:        &http.Client{},
		logger:            zerolog.Nop(),
		dialRetry:         3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// ServerAddress returns the host:port the client talks to
func (c *ComfyClient) ServerAddress() string {
	return c.serverBaseAddress
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *ComfyClient) httpURL(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: c.serverBaseAddress, Path: path}
	if c.secure {
		u.Scheme = "https"
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *ComfyClient) wsURL() string {
	u := url.URL{Scheme: "ws", Host: c.serverBaseAddress, Path: "/ws"}
	if c.secure {
		u.Scheme = "wss"
	}
	u.RawQuery = url.Values{"clientId": {c.clientid}}.Encode()
	return u.String()
}

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

const proxyTimeout = 10 * time.Minute

// GitCredentials answers git credential-helper lookups from the host store.
type GitCredentials func(ctx context.Context) (username, password string, err error)

// ProxyConfig configures the host-side credential proxy.
type ProxyConfig struct {
	// AnthropicKey and AnthropicBaseURL back the /v1/messages route.
	AnthropicKey     string
	AnthropicBaseURL string
	// OpenAIKey and OpenAIBaseURL back /v1/chat/completions and
	// /v1/embeddings.
	OpenAIKey     string
	OpenAIBaseURL string

	Git GitCredentials
}

// CredentialProxy is the host HTTP server sandbox containers call instead of
// holding API keys. LLM routes are forwarded to the provider with the host's
// key attached; /git/credentials answers from the host credential store.
type CredentialProxy struct {
	cfg    ProxyConfig
	echo   *echo.Echo
	client *http.Client

	srv  *http.Server
	port int
}

// NewCredentialProxy builds the proxy routes.
func NewCredentialProxy(cfg ProxyConfig) *CredentialProxy {
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = "https://api.openai.com"
	}

	p := &CredentialProxy{
		cfg:    cfg,
		echo:   echo.New(),
		client: &http.Client{Timeout: proxyTimeout},
	}

	p.echo.POST("/v1/messages", p.forwardAnthropic)
	p.echo.POST("/v1/chat/completions", p.forwardOpenAI)
	p.echo.POST("/v1/embeddings", p.forwardOpenAI)
	p.echo.GET("/git/credentials", p.gitCredentials)
	return p
}

// Start listens on an ephemeral loopback port and serves until Stop.
func (p *CredentialProxy) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	p.port = ln.Addr().(*net.TCPAddr).Port
	p.srv = &http.Server{Handler: p.echo}

	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("Credential proxy server failed", "error", err)
		}
	}()
	slog.Info("Credential proxy listening", "port", p.port)
	return nil
}

// Stop shuts the server down within ctx.
func (p *CredentialProxy) Stop(ctx context.Context) error {
	if p.srv == nil {
		return nil
	}
	return p.srv.Shutdown(ctx)
}

// Port returns the bound port. Valid after Start.
func (p *CredentialProxy) Port() int { return p.port }

// ContainerEnv returns the environment entries pointing a container at the
// proxy through the host gateway.
func (p *CredentialProxy) ContainerEnv() []string {
	base := fmt.Sprintf("http://host.docker.internal:%d", p.port)
	return []string{
		"LLM_PROXY_URL=" + base,
		"ANTHROPIC_BASE_URL=" + base,
		"OPENAI_BASE_URL=" + base,
	}
}

// CredentialHelperScript returns the git credential helper placed in the
// container; git invokes it and it answers from the proxy.
func CredentialHelperScript() string {
	return `#!/bin/sh
# git credential helper backed by the host credential proxy.
if [ "$1" = "get" ]; then
  curl -sf "$LLM_PROXY_URL/git/credentials"
fi
`
}

func (p *CredentialProxy) forwardAnthropic(c *echo.Context) error {
	return p.forward(c, p.cfg.AnthropicBaseURL, func(h http.Header) {
		h.Set("x-api-key", p.cfg.AnthropicKey)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", "2023-06-01")
		}
	})
}

func (p *CredentialProxy) forwardOpenAI(c *echo.Context) error {
	return p.forward(c, p.cfg.OpenAIBaseURL, func(h http.Header) {
		h.Set("Authorization", "Bearer "+p.cfg.OpenAIKey)
	})
}

// forward replays the request body to upstream with host credentials
// attached, then copies the upstream response back verbatim.
func (p *CredentialProxy) forward(c *echo.Context, base string, auth func(http.Header)) error {
	req := c.Request()
	out, err := http.NewRequestWithContext(req.Context(), req.Method, base+req.URL.Path, req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "build upstream request")
	}
	out.Header.Set("Content-Type", req.Header.Get("Content-Type"))
	auth(out.Header)

	resp, err := p.client.Do(out)
	if err != nil {
		slog.Error("Upstream request failed", "path", req.URL.Path, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "upstream unreachable")
	}
	defer resp.Body.Close()

	c.Response().Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.Copy(c.Response(), resp.Body)
	return err
}

// gitCredentials answers in git credential protocol format.
func (p *CredentialProxy) gitCredentials(c *echo.Context) error {
	if p.cfg.Git == nil {
		return echo.NewHTTPError(http.StatusNotFound, "git credentials not configured")
	}
	user, pass, err := p.cfg.Git(c.Request().Context())
	if err != nil {
		slog.Error("Git credential lookup failed", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "credential lookup failed")
	}
	return c.String(http.StatusOK, fmt.Sprintf("username=%s\npassword=%s\n", user, pass))
}

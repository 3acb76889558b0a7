package proxy

import (
	"context"
	"log/slog"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/ctxkey"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/auth"
	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// proxyAuthRealm is advertised in Proxy-Authenticate challenges.
const proxyAuthRealm = "titanium"

// ProxyAuth gates proxy access on Proxy-Authorization credentials. The
// scheme is Basic; the secret is verified against the credential store
// through the domain authenticator.
type ProxyAuth struct {
	authenticator *auth.Authenticator
	logger        *slog.Logger
}

// NewProxyAuth creates a proxy authentication gate. A nil logger falls
// back to slog.Default().
func NewProxyAuth(authenticator *auth.Authenticator, logger *slog.Logger) *ProxyAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyAuth{authenticator: authenticator, logger: logger}
}

// Authenticate resolves the request's Proxy-Authorization header to an
// identity. A missing header, a malformed value and bad credentials all
// surface as ErrInvalidCredentials so the challenge response cannot leak
// which part failed.
func (p *ProxyAuth) Authenticate(ctx context.Context, req *httpmsg.Request) (*auth.Identity, error) {
	value, ok := req.Header("Proxy-Authorization")
	if !ok {
		return nil, auth.ErrInvalidCredentials
	}
	username, secret, err := auth.ParseBasicAuthorization(value)
	if err != nil {
		p.logger.Debug("malformed proxy authorization", "error", err)
		return nil, auth.ErrInvalidCredentials
	}
	identity, err := p.authenticator.Authenticate(ctx, username, secret)
	if err != nil {
		p.logger.Debug("proxy authentication failed", "username", username, "error", err)
		return nil, err
	}
	return identity, nil
}

// proxyAuthChallenge builds the 407 sent when authentication is missing
// or fails. The connection stays open so the client can retry with
// credentials.
func proxyAuthChallenge() *httpmsg.Response {
	resp := httpmsg.NewTextResponse(407, "Proxy Authentication Required", "proxy authentication required\n")
	_ = resp.SetHeader("Proxy-Authenticate", `Basic realm="`+proxyAuthRealm+`"`)
	return resp
}

// WithIdentity returns ctx carrying the authenticated identity.
func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, ctxkey.IdentityKey{}, id)
}

// IdentityFrom returns the authenticated identity stored in ctx, if any.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(ctxkey.IdentityKey{}).(*auth.Identity)
	return id, ok && id != nil
}

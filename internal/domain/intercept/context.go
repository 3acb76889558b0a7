package intercept

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// ExchangeContext is the flattened view of a session that rule conditions
// evaluate against. Response fields are zero until a response is
// installed.
type ExchangeContext struct {
	Method         string
	Scheme         string
	Host           string
	Path           string
	Query          string
	URL            string
	ClientIP       string
	SessionID      string
	SessionNumber  uint64
	RequestTime    time.Time
	Header         map[string]string
	Status         int
	ResponseHeader map[string]string
	Tags           []string
}

// Condition is a compiled rule condition.
type Condition interface {
	Eval(ctx context.Context, ex ExchangeContext) (bool, error)
}

// ConditionEvaluator compiles rule condition expressions. Implementations
// live in the adapter layer.
type ConditionEvaluator interface {
	Compile(expr string) (Condition, error)
	Validate(expr string) error
}

// ExchangeContextFor flattens a session into the shape conditions see.
func ExchangeContextFor(s *session.Session) ExchangeContext {
	req := s.Request()
	ex := ExchangeContext{
		Method:        req.Method(),
		ClientIP:      clientIP(s.ClientAddr),
		SessionID:     s.ID,
		SessionNumber: s.Number,
		RequestTime:   s.CreatedAt,
		Header:        headerMap(req.Headers()),
		Tags:          s.Tags(),
	}
	if u := req.URL(); u != nil {
		ex.Scheme = u.Scheme
		ex.Host = u.Hostname()
		ex.Path = u.Path
		ex.Query = u.RawQuery
		ex.URL = u.String()
	}
	if ex.Host == "" {
		ex.Host = req.Host()
	}
	if resp := s.Response(); resp != nil {
		ex.Status = resp.StatusCode()
		ex.ResponseHeader = headerMap(resp.Headers())
	}
	return ex
}

// headerMap lowercases names and keeps the first value of each header,
// which is what conditions almost always want to match on.
func headerMap(headers []httpmsg.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		if _, ok := m[name]; !ok {
			m[name] = h.Value
		}
	}
	return m
}

func clientIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

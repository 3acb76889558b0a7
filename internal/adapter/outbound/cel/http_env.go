package cel

import (
	"net"
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/intercept"
)

// NewExchangeEnvironment creates a CEL environment for evaluating rule
// conditions against HTTP exchanges. It includes:
//   - Request variables: method, scheme, host, path, query, url, header
//   - Response variables: status, response_header (zero until a response exists)
//   - Session variables: client_ip, session_id, session_number, request_time, tags
//   - Custom functions: glob, host_matches, ip_in_cidr
//
// Header maps carry lowercase names and the first value of each header.
func NewExchangeEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		// Standard extensions
		ext.Strings(),
		ext.Sets(),

		// === Request variables ===
		cel.Variable("method", cel.StringType),
		cel.Variable("scheme", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("query", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),

		// === Response variables ===
		cel.Variable("status", cel.IntType),
		cel.Variable("response_header", cel.MapType(cel.StringType, cel.StringType)),

		// === Session variables ===
		cel.Variable("client_ip", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("session_number", cel.IntType),
		cel.Variable("request_time", cel.TimestampType),
		cel.Variable("tags", cel.ListType(cel.StringType)),

		// === Custom functions ===

		// glob: shell-style pattern matching.
		// Usage: glob("/api/*", path)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// host_matches: glob match against a hostname.
		// Usage: host_matches(host, "*.example.com")
		cel.Function("host_matches",
			cel.Overload("host_matches_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(hostVal, patternVal ref.Val) ref.Val {
					host := hostVal.Value().(string)
					pattern := patternVal.Value().(string)
					matched, _ := filepath.Match(pattern, host)
					return types.Bool(matched)
				}),
			),
		),

		// ip_in_cidr: checks if an IP is within a CIDR range.
		// Usage: ip_in_cidr(client_ip, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ipStr := ipVal.Value().(string)
					cidrStr := cidrVal.Value().(string)

					ip := net.ParseIP(ipStr)
					if ip == nil {
						return types.Bool(false)
					}

					_, network, err := net.ParseCIDR(cidrStr)
					if err != nil {
						return types.Bool(false)
					}

					return types.Bool(network.Contains(ip))
				}),
			),
		),
	)
}

// BuildActivation creates a CEL activation map from an exchange context,
// populating every variable the environment declares. Maps and lists are
// never nil so conditions can index them without guards.
func BuildActivation(ex intercept.ExchangeContext) map[string]any {
	header := ex.Header
	if header == nil {
		header = map[string]string{}
	}
	respHeader := ex.ResponseHeader
	if respHeader == nil {
		respHeader = map[string]string{}
	}
	tags := ex.Tags
	if tags == nil {
		tags = []string{}
	}

	return map[string]any{
		// Request
		"method": ex.Method,
		"scheme": ex.Scheme,
		"host":   ex.Host,
		"path":   ex.Path,
		"query":  ex.Query,
		"url":    ex.URL,
		"header": header,

		// Response
		"status":          int64(ex.Status),
		"response_header": respHeader,

		// Session
		"client_ip":      ex.ClientIP,
		"session_id":     ex.SessionID,
		"session_number": int64(ex.SessionNumber),
		"request_time":   ex.RequestTime,
		"tags":           tags,
	}
}

package capture

import (
	"strings"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// FromSession snapshots a finished session into a flow record. Body sizes
// and digests are filled from the session's caches when the bodies were
// read; for streamed bodies the transport layer overrides the sizes with
// its relay counts.
func FromSession(s *session.Session, outcome string, exchangeErr error) Flow {
	req := s.Request()
	f := Flow{
		ID:             NewFlowID(),
		SessionID:      s.ID,
		SessionNumber:  s.Number,
		ClientAddr:     s.ClientAddr,
		StartedAt:      s.CreatedAt,
		DurationMicros: time.Since(s.CreatedAt).Microseconds(),
		Method:         req.Method(),
		HTTPVersion:    req.Version().String(),
		RequestHeaders: RedactSensitiveHeaders(headerMap(req.Headers())),
		Outcome:        outcome,
		Tags:           s.Tags(),
	}

	if u := req.URL(); u != nil {
		f.URL = u.String()
		f.Host = u.Hostname()
		f.Scheme = u.Scheme
	}
	if f.Host == "" {
		f.Host = req.Host()
	}

	if body, ok := req.Body(); ok {
		f.RequestBytes = int64(len(body))
		f.RequestDigest = BodyDigest(body)
	} else if cl := req.ContentLength(); cl > 0 {
		f.RequestBytes = cl
	}

	if resp := s.Response(); resp != nil {
		f.Status = resp.StatusCode()
		f.ResponseHeaders = RedactSensitiveHeaders(headerMap(resp.Headers()))
		f.ContentType, _ = resp.Header("Content-Type")
		if body, ok := resp.Body(); ok {
			f.ResponseBytes = int64(len(body))
			f.ResponseDigest = BodyDigest(body)
		} else if cl := resp.ContentLength(); cl > 0 {
			f.ResponseBytes = cl
		}
	}

	if exchangeErr != nil {
		f.Error = exchangeErr.Error()
	}
	return f
}

func headerMap(headers []httpmsg.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		if _, ok := m[name]; !ok {
			m[name] = h.Value
		}
	}
	return m
}

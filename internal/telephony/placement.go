// Package telephony owns both sides of the Twilio integration: the REST
// client that places and ends calls, and the WebSocket endpoint that
// carries the call's bidirectional media stream.
package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/postak/lead-agent/internal/config"
	"github.com/postak/lead-agent/internal/lead"
	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/resilience"
)

// ErrPlacement marks call placement failures after retries are exhausted.
var ErrPlacement = errors.New("call placement failed")

// Status callback events requested when placing a call.
var statusCallbackEvents = []string{
	"initiated", "ringing", "answered", "completed", "failed", "busy", "no-answer",
}

// twimlResponse is the TwiML document handed to Twilio at call creation: a
// Connect verb opening a bidirectional media stream back to this service,
// carrying the encoded lead context as a custom parameter.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Placer creates and terminates call legs through the Twilio REST API.
type Placer struct {
	cfg     *config.Config
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewPlacer creates a Twilio REST client with the configured timeouts and
// failure handling.
func NewPlacer(cfg *config.Config) *Placer {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	return &Placer{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.TwilioTimeout(),
		},
		breaker: resilience.NewCircuitBreaker("twilio",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		retry:  retry,
		logger: observability.GetLogger().With().Str("component", "telephony").Logger(),
	}
}

// StreamURL returns the WebSocket endpoint Twilio connects the media stream
// to, derived from the public base URL.
func (p *Placer) StreamURL() string {
	base := p.cfg.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/twilio_stream"
}

// statusCallbackURL is where Twilio posts call lifecycle updates.
func (p *Placer) statusCallbackURL() string {
	return p.cfg.BaseURL + "/api/twilio_status"
}

// PlaceCall dials the lead's number and instructs Twilio to connect the
// answered call's media stream back to this service. Returns the Twilio
// call SID.
func (p *Placer) PlaceCall(ctx context.Context, req *lead.CallRequest) (string, error) {
	encoded, err := lead.EncodeContext(req)
	if err != nil {
		return "", fmt.Errorf("encode lead context: %w", err)
	}

	doc := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL: p.StreamURL(),
				Parameters: []twimlParam{
					{Name: "lead_info", Value: encoded},
				},
			},
		},
	}
	twiml, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal twiml: %w", err)
	}

	form := url.Values{}
	form.Set("To", req.PhoneNumber)
	form.Set("From", p.cfg.TwilioFromNumber)
	form.Set("Twiml", string(twiml))
	form.Set("StatusCallback", p.statusCallbackURL())
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range statusCallbackEvents {
		form.Add("StatusCallbackEvent", ev)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json",
		p.cfg.TwilioAPIBaseURL, p.cfg.TwilioAccountSID)

	var callSid string
	err = p.breaker.Call(func() error {
		return resilience.Retry(func() error {
			sid, reqErr := p.postForm(ctx, endpoint, form)
			if reqErr != nil {
				return reqErr
			}
			callSid = sid
			return nil
		}, p.retry, isRetryableHTTP)
	})
	observability.UpdateCircuitBreakerState(p.breaker.Name(), int(p.breaker.State()))
	if err != nil {
		observability.RecordCallPlacement("failed")
		p.logger.Error().Err(err).
			Str("lead_id", req.LeadID).
			Msg("call placement failed")
		return "", fmt.Errorf("%w: %v", ErrPlacement, err)
	}

	observability.RecordCallPlacement("placed")
	p.logger.Info().
		Str("lead_id", req.LeadID).
		Str("call_sid", callSid).
		Msg("outbound call placed")
	return callSid, nil
}

// EndCall completes an in-progress call leg.
func (p *Placer) EndCall(ctx context.Context, callSid string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json",
		p.cfg.TwilioAPIBaseURL, p.cfg.TwilioAccountSID, callSid)

	form := url.Values{}
	form.Set("Status", "completed")

	err := p.breaker.Call(func() error {
		return resilience.Retry(func() error {
			_, reqErr := p.postForm(ctx, endpoint, form)
			return reqErr
		}, p.retry, isRetryableHTTP)
	})
	observability.UpdateCircuitBreakerState(p.breaker.Name(), int(p.breaker.State()))
	if err != nil {
		p.logger.Error().Err(err).Str("call_sid", callSid).Msg("end call failed")
		return fmt.Errorf("end call %s: %w", callSid, err)
	}
	p.logger.Info().Str("call_sid", callSid).Msg("call leg completed")
	return nil
}

// httpStatusError carries a non-2xx response for retry classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("twilio api status %d: %s", e.status, e.body)
}

// isRetryableHTTP retries network failures and server-side errors; client
// errors are permanent.
func isRetryableHTTP(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return true
}

func (p *Placer) postForm(ctx context.Context, endpoint string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.TwilioAccountSID, p.cfg.TwilioAuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	return payload.Sid, nil
}

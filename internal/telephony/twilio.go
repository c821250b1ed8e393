package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// twilioTimeLayout is the RFC 2822 variant Twilio uses in REST responses.
const twilioTimeLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// TwilioOptions configures the Twilio REST adapter.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string

	// BaseURL overrides the API origin for tests.
	BaseURL string

	HTTPClient *http.Client
}

// Twilio implements Provider against the Twilio Voice REST API.
//
// Idempotent commands (terminate, fetch, list recordings) are retried at
// most once on transport errors or 5xx responses. A 404 maps to
// ErrCallNotFound so callers can treat already-ended calls as normal.
type Twilio struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

func NewTwilio(opts TwilioOptions) *Twilio {
	base := opts.BaseURL
	if base == "" {
		base = "https://api.twilio.com"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Twilio{
		accountSID: opts.AccountSID,
		authToken:  opts.AuthToken,
		baseURL:    strings.TrimRight(base, "/"),
		http:       hc,
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.To == "" || req.From == "" {
		return PlaceCallResult{}, fmt.Errorf("telephony: place call requires from and to")
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	if req.FallbackURL != "" {
		form.Set("FallbackUrl", req.FallbackURL)
	}
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if req.Record {
		form.Set("Record", "true")
		form.Set("RecordingChannels", "dual")
		if req.RecordingCallbackURL != "" {
			form.Set("RecordingStatusCallback", req.RecordingCallbackURL)
		}
	}
	if req.MachineDetect {
		form.Set("MachineDetection", "Enable")
		form.Set("AsyncAmd", "true")
		if req.AMDCallbackURL != "" {
			form.Set("AsyncAmdStatusCallback", req.AMDCallbackURL)
		}
	}
	if req.TimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	}

	// Not retried: re-posting a failed create could dial the callee twice.
	body, err := t.do(ctx, http.MethodPost, t.callsURL(""), form, false)
	if err != nil {
		return PlaceCallResult{}, err
	}

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: decode place call response: %w", err)
	}
	return PlaceCallResult{CallSID: out.SID, Status: out.Status, QueuedAt: time.Now().UTC()}, nil
}

func (t *Twilio) TerminateCall(ctx context.Context, callSID string) error {
	if callSID == "" {
		return fmt.Errorf("telephony: call sid is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	_, err := t.do(ctx, http.MethodPost, t.callsURL(callSID), form, true)
	return err
}

func (t *Twilio) FetchCall(ctx context.Context, callSID string) (CallResource, error) {
	if callSID == "" {
		return CallResource{}, fmt.Errorf("telephony: call sid is required")
	}
	body, err := t.do(ctx, http.MethodGet, t.callsURL(callSID), nil, true)
	if err != nil {
		return CallResource{}, err
	}

	var raw struct {
		SID       string `json:"sid"`
		Status    string `json:"status"`
		Direction string `json:"direction"`
		From      string `json:"from"`
		To        string `json:"to"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		Duration  string `json:"duration"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return CallResource{}, fmt.Errorf("telephony: decode call resource: %w", err)
	}

	out := CallResource{
		CallSID:   raw.SID,
		Status:    raw.Status,
		Direction: raw.Direction,
		From:      raw.From,
		To:        raw.To,
	}
	out.StartedAt = parseTwilioTime(raw.StartTime)
	out.EndedAt = parseTwilioTime(raw.EndTime)
	if raw.Duration != "" {
		out.Duration, _ = strconv.Atoi(raw.Duration)
	}
	return out, nil
}

func (t *Twilio) ListRecordings(ctx context.Context, callSID string) ([]RecordingResource, error) {
	if callSID == "" {
		return nil, fmt.Errorf("telephony: call sid is required")
	}
	u := t.callResource(callSID) + "/Recordings.json"
	body, err := t.do(ctx, http.MethodGet, u, nil, true)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Recordings []struct {
			SID      string `json:"sid"`
			CallSID  string `json:"call_sid"`
			Status   string `json:"status"`
			Duration string `json:"duration"`
			Channels int    `json:"channels"`
			URI      string `json:"uri"`
		} `json:"recordings"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("telephony: decode recordings: %w", err)
	}

	out := make([]RecordingResource, 0, len(raw.Recordings))
	for _, r := range raw.Recordings {
		rec := RecordingResource{
			RecordingSID: r.SID,
			CallSID:      r.CallSID,
			Status:       r.Status,
			Channels:     r.Channels,
			MediaURL:     t.baseURL + strings.TrimSuffix(r.URI, ".json") + ".mp3",
		}
		rec.Duration, _ = strconv.Atoi(r.Duration)
		out = append(out, rec)
	}
	return out, nil
}

func (t *Twilio) callsURL(callSID string) string {
	return t.callResource(callSID) + ".json"
}

// callResource is the call path without the .json representation suffix, for
// building subresource URLs like /Calls/<sid>/Recordings.json.
func (t *Twilio) callResource(callSID string) string {
	base := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls", t.baseURL, t.accountSID)
	if callSID == "" {
		return base
	}
	return base + "/" + callSID
}

// do executes one request, retrying exactly once when the command is
// idempotent and the failure looks transient.
func (t *Twilio) do(ctx context.Context, method, rawURL string, form url.Values, idempotent bool) ([]byte, error) {
	body, err := t.doOnce(ctx, method, rawURL, form)
	if err != nil && idempotent && isRetryable(err) && ctx.Err() == nil {
		body, err = t.doOnce(ctx, method, rawURL, form)
	}
	return body, err
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("telephony: twilio returned %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrCallNotFound) {
		return false
	}
	if se, ok := err.(*httpStatusError); ok {
		return se.status >= 500
	}
	// Transport-level failure.
	return true
}

func (t *Twilio) doOnce(ctx context.Context, method, rawURL string, form url.Values) ([]byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telephony: read twilio response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrCallNotFound
	case resp.StatusCode >= 300:
		return nil, &httpStatusError{status: resp.StatusCode, body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parseTwilioTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	ts, err := time.Parse(twilioTimeLayout, s)
	if err != nil {
		return nil
	}
	u := ts.UTC()
	return &u
}

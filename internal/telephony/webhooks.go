package telephony

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Typed webhook payloads, one per callback kind the provider delivers.
// Twilio posts application/x-www-form-urlencoded; each parser pulls the
// fields its kind requires and rejects payloads without a CallSid at the
// boundary, before anything reaches the registry.

var ErrMissingCallSID = errors.New("telephony: webhook payload missing CallSid")

// StatusCallback reports a call lifecycle transition.
type StatusCallback struct {
	CallSID        string
	AccountSID     string
	From           string
	To             string
	Direction      string
	CallStatus     string
	CallDuration   int
	SequenceNumber int
	CallbackSource string
}

func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallback{}, err
	}
	cb := StatusCallback{
		CallSID:        formValue(r, "CallSid"),
		AccountSID:     formValue(r, "AccountSid"),
		From:           formValue(r, "From"),
		To:             formValue(r, "To"),
		Direction:      formValue(r, "Direction"),
		CallStatus:     formValue(r, "CallStatus"),
		CallbackSource: formValue(r, "CallbackSource"),
	}
	cb.CallDuration, _ = strconv.Atoi(formValue(r, "CallDuration"))
	cb.SequenceNumber, _ = strconv.Atoi(formValue(r, "SequenceNumber"))
	if cb.CallSID == "" {
		return StatusCallback{}, ErrMissingCallSID
	}
	return cb, nil
}

// RecordingCallback reports progress of one audio capture.
type RecordingCallback struct {
	CallSID           string
	RecordingSID      string
	RecordingStatus   string
	RecordingDuration int
	RecordingChannels int
	RecordingURL      string
}

func ParseRecordingCallback(r *http.Request) (RecordingCallback, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingCallback{}, err
	}
	cb := RecordingCallback{
		CallSID:         formValue(r, "CallSid"),
		RecordingSID:    formValue(r, "RecordingSid"),
		RecordingStatus: formValue(r, "RecordingStatus"),
		RecordingURL:    formValue(r, "RecordingUrl"),
	}
	cb.RecordingDuration, _ = strconv.Atoi(formValue(r, "RecordingDuration"))
	cb.RecordingChannels, _ = strconv.Atoi(formValue(r, "RecordingChannels"))
	if cb.CallSID == "" {
		return RecordingCallback{}, ErrMissingCallSID
	}
	if cb.RecordingSID == "" {
		return RecordingCallback{}, errors.New("telephony: recording callback missing RecordingSid")
	}
	return cb, nil
}

// MachineDetectionCallback carries the async answering-machine-detection
// verdict.
type MachineDetectionCallback struct {
	CallSID    string
	AnsweredBy string
	// MachineDetectionDuration is the analysis window in milliseconds.
	MachineDetectionDuration int
}

func ParseMachineDetectionCallback(r *http.Request) (MachineDetectionCallback, error) {
	if err := r.ParseForm(); err != nil {
		return MachineDetectionCallback{}, err
	}
	cb := MachineDetectionCallback{
		CallSID:    formValue(r, "CallSid"),
		AnsweredBy: formValue(r, "AnsweredBy"),
	}
	cb.MachineDetectionDuration, _ = strconv.Atoi(formValue(r, "MachineDetectionDuration"))
	if cb.CallSID == "" {
		return MachineDetectionCallback{}, ErrMissingCallSID
	}
	return cb, nil
}

// IsMachine reports whether the classification indicates no human picked up.
func (cb MachineDetectionCallback) IsMachine() bool {
	switch cb.AnsweredBy {
	case "machine_start", "machine_end_beep", "machine_end_silence", "machine_end_other", "fax":
		return true
	}
	return false
}

// QualityCallback carries one call-quality measurement.
type QualityCallback struct {
	CallSID       string
	Jitter        float64
	LatencyMS     float64
	PacketLossPct float64
	MOS           float64
	Warnings      []string
}

func ParseQualityCallback(r *http.Request) (QualityCallback, error) {
	if err := r.ParseForm(); err != nil {
		return QualityCallback{}, err
	}
	cb := QualityCallback{CallSID: formValue(r, "CallSid")}
	cb.Jitter, _ = strconv.ParseFloat(formValue(r, "Jitter"), 64)
	cb.LatencyMS, _ = strconv.ParseFloat(formValue(r, "Latency"), 64)
	cb.PacketLossPct, _ = strconv.ParseFloat(formValue(r, "PacketLoss"), 64)
	cb.MOS, _ = strconv.ParseFloat(formValue(r, "MOS"), 64)
	if w := formValue(r, "Warnings"); w != "" {
		for _, part := range strings.Split(w, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cb.Warnings = append(cb.Warnings, part)
			}
		}
	}
	if cb.CallSID == "" {
		return QualityCallback{}, ErrMissingCallSID
	}
	return cb, nil
}

// FallbackCallback is delivered when the provider could not run the primary
// call instructions.
type FallbackCallback struct {
	CallSID      string
	ErrorCode    string
	ErrorMessage string
	ErrorURL     string
}

func ParseFallbackCallback(r *http.Request) (FallbackCallback, error) {
	if err := r.ParseForm(); err != nil {
		return FallbackCallback{}, err
	}
	cb := FallbackCallback{
		CallSID:      formValue(r, "CallSid"),
		ErrorCode:    formValue(r, "ErrorCode"),
		ErrorMessage: formValue(r, "ErrorMessage"),
		ErrorURL:     formValue(r, "ErrorUrl"),
	}
	if cb.CallSID == "" {
		return FallbackCallback{}, ErrMissingCallSID
	}
	return cb, nil
}

func formValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.PostFormValue(key))
}

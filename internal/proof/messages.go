package proof

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Queue message envelopes. Versioned so unknown payloads can be skipped
// rather than failed.
const (
	versionRequest     = "proof.request.v1"
	versionFulfillment = "proof.fulfillment.v1"
	versionFailure     = "proof.failure.v1"
)

// RequestMessage asks the proving worker for one proof.
type RequestMessage struct {
	Program  []byte
	Input    []byte
	Mode     Mode
	Deadline time.Time
}

// FulfillmentMessage reports a finished proof.
type FulfillmentMessage struct {
	Fingerprint common.Hash
	Proof       []byte
	Mode        Mode
	FromCache   bool
	Elapsed     time.Duration
}

// FailureMessage reports a terminal failure.
type FailureMessage struct {
	Fingerprint common.Hash
	ErrorCode   string
	Retryable   bool
	Message     string
}

func EncodeRequestMessage(msg RequestMessage) ([]byte, error) {
	if len(msg.Program) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrSerialization)
	}
	if _, err := ParseMode(msg.Mode.String()); err != nil {
		return nil, err
	}
	out := struct {
		Version  string `json:"version"`
		Program  string `json:"program"`
		Input    string `json:"input"`
		Mode     string `json:"mode"`
		Deadline string `json:"deadline,omitempty"`
	}{
		Version: versionRequest,
		Program: "0x" + hex.EncodeToString(msg.Program),
		Input:   "0x" + hex.EncodeToString(msg.Input),
		Mode:    msg.Mode.String(),
	}
	if !msg.Deadline.IsZero() {
		out.Deadline = msg.Deadline.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

func DecodeRequestMessage(payload []byte) (RequestMessage, error) {
	var raw struct {
		Version  string `json:"version"`
		Program  string `json:"program"`
		Input    string `json:"input"`
		Mode     string `json:"mode"`
		Deadline string `json:"deadline"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RequestMessage{}, fmt.Errorf("%w: decode request payload: %v", ErrSerialization, err)
	}
	if strings.TrimSpace(raw.Version) != versionRequest {
		return RequestMessage{}, fmt.Errorf("%w: unexpected request version %q", ErrSerialization, raw.Version)
	}
	program, err := decodeHexBytes(raw.Program)
	if err != nil {
		return RequestMessage{}, fmt.Errorf("%w: invalid program hex", ErrSerialization)
	}
	if len(program) == 0 {
		return RequestMessage{}, fmt.Errorf("%w: empty program", ErrSerialization)
	}
	input, err := decodeHexBytes(raw.Input)
	if err != nil {
		return RequestMessage{}, fmt.Errorf("%w: invalid input hex", ErrSerialization)
	}
	mode, err := ParseMode(raw.Mode)
	if err != nil {
		return RequestMessage{}, err
	}

	msg := RequestMessage{Program: program, Input: input, Mode: mode}
	if strings.TrimSpace(raw.Deadline) != "" {
		deadline, err := time.Parse(time.RFC3339, strings.TrimSpace(raw.Deadline))
		if err != nil {
			return RequestMessage{}, fmt.Errorf("%w: invalid deadline", ErrSerialization)
		}
		msg.Deadline = deadline.UTC()
	}
	return msg, nil
}

func EncodeFulfillmentMessage(msg FulfillmentMessage) ([]byte, error) {
	out := struct {
		Version     string `json:"version"`
		Fingerprint string `json:"fingerprint"`
		Proof       string `json:"proof"`
		Mode        string `json:"mode"`
		FromCache   bool   `json:"from_cache,omitempty"`
		ElapsedMS   int64  `json:"elapsed_ms"`
	}{
		Version:     versionFulfillment,
		Fingerprint: msg.Fingerprint.Hex(),
		Proof:       "0x" + hex.EncodeToString(msg.Proof),
		Mode:        msg.Mode.String(),
		FromCache:   msg.FromCache,
		ElapsedMS:   msg.Elapsed.Milliseconds(),
	}
	return json.Marshal(out)
}

func DecodeFulfillmentMessage(payload []byte) (FulfillmentMessage, error) {
	var raw struct {
		Version     string `json:"version"`
		Fingerprint string `json:"fingerprint"`
		Proof       string `json:"proof"`
		Mode        string `json:"mode"`
		FromCache   bool   `json:"from_cache"`
		ElapsedMS   int64  `json:"elapsed_ms"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return FulfillmentMessage{}, fmt.Errorf("%w: decode fulfillment payload: %v", ErrSerialization, err)
	}
	if strings.TrimSpace(raw.Version) != versionFulfillment {
		return FulfillmentMessage{}, fmt.Errorf("%w: unexpected fulfillment version %q", ErrSerialization, raw.Version)
	}
	fingerprint, err := decodeHash32(raw.Fingerprint)
	if err != nil {
		return FulfillmentMessage{}, err
	}
	proofBytes, err := decodeHexBytes(raw.Proof)
	if err != nil {
		return FulfillmentMessage{}, fmt.Errorf("%w: invalid proof hex", ErrSerialization)
	}
	mode, err := ParseMode(raw.Mode)
	if err != nil {
		return FulfillmentMessage{}, err
	}
	return FulfillmentMessage{
		Fingerprint: fingerprint,
		Proof:       proofBytes,
		Mode:        mode,
		FromCache:   raw.FromCache,
		Elapsed:     time.Duration(raw.ElapsedMS) * time.Millisecond,
	}, nil
}

func EncodeFailureMessage(msg FailureMessage) ([]byte, error) {
	out := struct {
		Version     string `json:"version"`
		Fingerprint string `json:"fingerprint"`
		ErrorCode   string `json:"error_code"`
		Retryable   bool   `json:"retryable"`
		Message     string `json:"message,omitempty"`
	}{
		Version:     versionFailure,
		Fingerprint: msg.Fingerprint.Hex(),
		ErrorCode:   strings.TrimSpace(msg.ErrorCode),
		Retryable:   msg.Retryable,
		Message:     strings.TrimSpace(msg.Message),
	}
	return json.Marshal(out)
}

func decodeHash32(v string) (common.Hash, error) {
	s := strings.TrimSpace(v)
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return common.Hash{}, fmt.Errorf("%w: hash must be 32-byte 0x hex", ErrSerialization)
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: invalid hash", ErrSerialization)
	}
	return common.BytesToHash(b), nil
}

func decodeHexBytes(v string) ([]byte, error) {
	s := strings.TrimSpace(strings.TrimPrefix(v, "0x"))
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

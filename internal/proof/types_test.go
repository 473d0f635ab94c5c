package proof

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "local", want: ModeLocal},
		{in: " Network ", want: ModeNetwork},
		{in: "NETWORK", want: ModeNetwork},
		{in: "", wantErr: true},
		{in: "remote", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("ParseMode(%q): got err %v want ErrInvalidConfig", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMode(%q): got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	valid := Job{
		Fingerprint: common.HexToHash("0x01"),
		ProgramID:   common.HexToHash("0x02"),
		InputID:     common.HexToHash("0x03"),
		Mode:        ModeLocal,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid job: %v", err)
	}

	missing := valid
	missing.ProgramID = common.Hash{}
	if err := missing.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing program id: got %v", err)
	}

	badMode := valid
	badMode.Mode = "hybrid"
	if err := badMode.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad mode: got %v", err)
	}
}

func TestRequestError_UnwrapAndContext(t *testing.T) {
	t.Parallel()

	err := &RequestError{
		Fingerprint: common.HexToHash("0xab"),
		RemoteJobID: "job-7",
		Attempts:    3,
		Err:         ErrTransport,
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected RequestError to unwrap to ErrTransport")
	}
	msg := err.Error()
	for _, want := range []string{"job-7", "attempts 3", ErrTransport.Error()} {
		if !bytes.Contains([]byte(msg), []byte(want)) {
			t.Fatalf("error message %q missing %q", msg, want)
		}
	}
}

func TestRequestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	in := RequestMessage{
		Program:  []byte{0x01, 0x02},
		Input:    []byte{0x03},
		Mode:     ModeNetwork,
		Deadline: time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
	}
	payload, err := EncodeRequestMessage(in)
	if err != nil {
		t.Fatalf("EncodeRequestMessage: %v", err)
	}
	out, err := DecodeRequestMessage(payload)
	if err != nil {
		t.Fatalf("DecodeRequestMessage: %v", err)
	}
	if !bytes.Equal(out.Program, in.Program) || !bytes.Equal(out.Input, in.Input) {
		t.Fatalf("payload bytes changed: %+v", out)
	}
	if out.Mode != in.Mode || !out.Deadline.Equal(in.Deadline) {
		t.Fatalf("mode/deadline changed: %+v", out)
	}
}

func TestDecodeRequestMessage_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "not-json"},
		{name: "wrong version", payload: `{"version":"proof.request.v2","program":"0x01","mode":"local"}`},
		{name: "empty program", payload: `{"version":"proof.request.v1","program":"0x","mode":"local"}`},
		{name: "bad mode", payload: `{"version":"proof.request.v1","program":"0x01","mode":"warp"}`},
		{name: "bad deadline", payload: `{"version":"proof.request.v1","program":"0x01","mode":"local","deadline":"tomorrow"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeRequestMessage([]byte(tc.payload)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestFulfillmentMessageRoundTrip(t *testing.T) {
	t.Parallel()

	in := FulfillmentMessage{
		Fingerprint: common.HexToHash("0xfe"),
		Proof:       []byte{0xaa, 0xbb, 0xcc},
		Mode:        ModeLocal,
		FromCache:   true,
		Elapsed:     1500 * time.Millisecond,
	}
	payload, err := EncodeFulfillmentMessage(in)
	if err != nil {
		t.Fatalf("EncodeFulfillmentMessage: %v", err)
	}
	out, err := DecodeFulfillmentMessage(payload)
	if err != nil {
		t.Fatalf("DecodeFulfillmentMessage: %v", err)
	}
	if out.Fingerprint != in.Fingerprint || !bytes.Equal(out.Proof, in.Proof) {
		t.Fatalf("fulfillment changed: %+v", out)
	}
	if !out.FromCache || out.Elapsed != in.Elapsed || out.Mode != ModeLocal {
		t.Fatalf("fulfillment metadata changed: %+v", out)
	}
}

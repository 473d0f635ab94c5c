package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/provenet/provenet/internal/fingerprint"
	"github.com/provenet/provenet/internal/proof"
)

func TestRunMain_PublishesRequest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	programPath := filepath.Join(dir, "program.elf")
	inputPath := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(programPath, []byte("elf-bytes"), 0o600); err != nil {
		t.Fatalf("write program: %v", err)
	}
	if err := os.WriteFile(inputPath, []byte("input-bytes"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}

	var out bytes.Buffer
	err := runMain([]string{
		"--program", programPath,
		"--input", inputPath,
		"--mode", "local",
		"--queue-driver", "stdio",
	}, &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	// The stdio driver frames the fingerprint key ahead of the payload.
	line := bytes.TrimSpace(out.Bytes())
	keyHex, payload, found := bytes.Cut(line, []byte("\t"))
	if !found {
		t.Fatalf("expected keyed frame, got %q", line)
	}
	wantFP := fingerprint.RequestV1(
		fingerprint.ProgramIDV1([]byte("elf-bytes")),
		fingerprint.InputIDV1([]byte("input-bytes")),
	)
	if got := string(keyHex); got != hex.EncodeToString(wantFP.Bytes()) {
		t.Fatalf("frame key: got %s want %s", got, hex.EncodeToString(wantFP.Bytes()))
	}

	msg, err := proof.DecodeRequestMessage(payload)
	if err != nil {
		t.Fatalf("DecodeRequestMessage: %v", err)
	}
	if string(msg.Program) != "elf-bytes" || string(msg.Input) != "input-bytes" || msg.Mode != proof.ModeLocal {
		t.Fatalf("message: %+v", msg)
	}
}

func TestRunMain_Validation(t *testing.T) {
	t.Parallel()

	if err := runMain([]string{"--queue-driver", "stdio"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for missing artifact paths")
	}
	if err := runMain([]string{
		"--program", "p", "--input", "i", "--mode", "gpu", "--queue-driver", "stdio",
	}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for bad mode")
	}
}

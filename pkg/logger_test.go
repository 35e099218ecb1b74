package pkg

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestComponentLogging(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Component("bootcfg").WithField("path", "/etc/modprobe.d/vfio.conf").Info("wrote artifact")
	Component("orchestrator").Warnf("activation pending for %s", "0000:0a:00.0")

	output := buf.String()
	if !strings.Contains(output, "component=bootcfg") {
		t.Errorf("component field not found in output: %s", output)
	}
	if !strings.Contains(output, "path=/etc/modprobe.d/vfio.conf") {
		t.Errorf("path field not found in output: %s", output)
	}
	if !strings.Contains(output, "activation pending for 0000:0a:00.0") {
		t.Errorf("formatted warning not found in output: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer func() { _ = SetLogLevelFromString("info") }()

	if err := SetLogLevelFromString("debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	Component("binder").Debug("unbind skipped")
	if !strings.Contains(buf.String(), "unbind skipped") {
		t.Error("debug entry should be written at debug level")
	}

	buf.Reset()
	if err := SetLogLevelFromString("warn"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	Component("binder").Info("bound to vfio-pci")
	if buf.Len() != 0 {
		t.Errorf("info entry written at warn level: %s", buf.String())
	}

	if err := SetLogLevelFromString("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    log.Level
		wantErr bool
	}{
		{in: "debug", want: log.DebugLevel},
		{in: "", want: log.InfoLevel},
		{in: "WARNING", want: log.WarnLevel},
		{in: "error", want: log.ErrorLevel},
		{in: "loud", want: log.InfoLevel, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestErrorLogging(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	WithError(errors.New("update-initramfs exited 1")).Error("activation failed")

	if !strings.Contains(buf.String(), "update-initramfs exited 1") {
		t.Error("Error message not found in log output")
	}
}

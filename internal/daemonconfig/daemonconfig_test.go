package daemonconfig

import "testing"

func TestParsePackFlagsRequiresInputMode(t *testing.T) {
	if _, err := ParsePackFlags(nil); err == nil {
		t.Fatalf("ParsePackFlags: want error with no -input-mode, got nil")
	}
}

func TestParsePackFlagsAppliesDefaultsAndMinimums(t *testing.T) {
	c, err := ParsePackFlags([]string{"-input-mode", "network-pdu", "-file-cache-size", "1"})
	if err != nil {
		t.Fatalf("ParsePackFlags: %v", err)
	}
	if c.OutputMode != "direct" {
		t.Fatalf("OutputMode = %q, want default %q", c.OutputMode, "direct")
	}
	if c.FileCacheSize != 4 {
		t.Fatalf("FileCacheSize = %d, want clamped minimum 4", c.FileCacheSize)
	}
}

func TestParseAppendFlagsRequiresDirectories(t *testing.T) {
	if _, err := ParseAppendFlags(nil); err == nil {
		t.Fatalf("ParseAppendFlags: want error with no directories set, got nil")
	}
	if _, err := ParseAppendFlags([]string{"-incoming-directory", "/tmp/in"}); err == nil {
		t.Fatalf("ParseAppendFlags: want error with -root-directory missing, got nil")
	}
}

func TestParseAppendFlagsClampsThreads(t *testing.T) {
	c, err := ParseAppendFlags([]string{
		"-incoming-directory", "/tmp/in",
		"-root-directory", "/tmp/out",
		"-threads", "0",
	})
	if err != nil {
		t.Fatalf("ParseAppendFlags: %v", err)
	}
	if c.Threads != 1 {
		t.Fatalf("Threads = %d, want clamped minimum 1", c.Threads)
	}
}

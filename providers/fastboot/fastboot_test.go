package fastboot

import "testing"

func TestParseDevicesOutput(t *testing.T) {
	out := "serial-a\tfastboot\nserial-b\tfastboot\n\n"
	serials := parseDevicesOutput(out)
	if len(serials) != 2 || serials[0] != "serial-a" || serials[1] != "serial-b" {
		t.Fatalf("parsed %v, want [serial-a serial-b]", serials)
	}
}

func TestParseDevicesOutputIgnoresNoise(t *testing.T) {
	out := "< waiting for any device >\nserial-a\tfastboot\nfinished. total time: 0.001s\n"
	serials := parseDevicesOutput(out)
	if len(serials) != 1 || serials[0] != "serial-a" {
		t.Fatalf("parsed %v, want [serial-a]", serials)
	}
	if got := parseDevicesOutput(""); got != nil {
		t.Fatalf("empty output parsed to %v", got)
	}
}

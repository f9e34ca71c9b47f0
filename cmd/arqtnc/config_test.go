package main

import (
	"testing"
)

func validConfig() *appConfig {
	return &appConfig{
		mycallsign:            "DB1AAA",
		mygrid:                "JO31",
		backend:               "null",
		baud:                  115200,
		signallingPayload:     32,
		dataPayloadHi:         256,
		dataPayloadLo:         64,
		nPerBurst:             1,
		sessionConnectRetries: 5,
		dataChannelRetries:    5,
		logFormat:             "text",
		logLevel:              "info",
	}
}

func TestConfigValidateOK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"noCallsign", func(c *appConfig) { c.mycallsign = "" }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badPayload", func(c *appConfig) { c.signallingPayload = 0 }},
		{"badNPerBurst", func(c *appConfig) { c.nPerBurst = 0 }},
		{"badSessionRetries", func(c *appConfig) { c.sessionConnectRetries = 0 }},
		{"badDCRetries", func(c *appConfig) { c.dataChannelRetries = 0 }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestApplyEnvOverridesSkipsExplicitFlags(t *testing.T) {
	t.Setenv("ARQTNC_CALLSIGN", "DB9ZZZ")
	c := validConfig()
	set := map[string]struct{}{"mycallsign": {}}
	if err := applyEnvOverrides(c, set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.mycallsign != "DB1AAA" {
		t.Errorf("expected flag to win, got %q", c.mycallsign)
	}
}

func TestApplyEnvOverridesAppliesUnsetFlags(t *testing.T) {
	t.Setenv("ARQTNC_BAUD", "57600")
	c := validConfig()
	if err := applyEnvOverrides(c, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.baud != 57600 {
		t.Errorf("baud = %d, want 57600", c.baud)
	}
}

func TestApplyEnvOverridesInvalidDuration(t *testing.T) {
	t.Setenv("ARQTNC_SESSION_TIMEOUT", "not-a-duration")
	c := validConfig()
	if err := applyEnvOverrides(c, map[string]struct{}{}); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

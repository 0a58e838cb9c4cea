package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRun_SingleValue(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-pm", "12.0"}, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "AQI:        50 (Good)") {
		t.Errorf("output = %q, want AQI 50", got)
	}
	if !strings.Contains(got, "EPA PM2.5:  11.990") {
		t.Errorf("output = %q, want EPA 11.990", got)
	}
	if strings.Contains(got, "Confidence") {
		t.Error("confidence should only be printed for a pair")
	}
}

func TestRun_PairConfidence(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-pm", "10", "-pm", "16", "-rh", "50"}, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Confidence: LOW") {
		t.Errorf("output = %q, want LOW confidence", out.String())
	}
}

func TestRun_Errors(t *testing.T) {
	tests := [][]string{
		nil,
		{"-pm", "abc"},
		{"-pm", "600"},
	}
	for _, args := range tests {
		if err := run(args, &bytes.Buffer{}); err == nil {
			t.Errorf("run(%v) should fail", args)
		}
	}
}

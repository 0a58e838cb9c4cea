package notify

import (
	"strings"
	"testing"
	"time"
)

func testData() MessageData {
	return MessageData{
		StationID:    "9338",
		StationName:  "Temescal Valley",
		At:           time.Date(2024, 1, 15, 14, 5, 0, 0, time.FixedZone("PST", -8*60*60)),
		AQI:          152,
		Category:     "Unhealthy",
		Confidence:   "GOOD",
		EPA:          48.21,
		RegionalMean: 141.5,
		Average:      139.25,
		RateOfChange: 12.3,
		Samples:      16,
		Span:         150 * time.Minute,
		Window:       "open",
	}
}

func TestTemplates_ThresholdText(t *testing.T) {
	msg, err := DefaultTemplates().ThresholdText(testData())
	if err != nil {
		t.Fatalf("ThresholdText() error = %v", err)
	}
	want := "AQ alert Temescal Valley: AQI 152 (Unhealthy), regional 142, trend +12.3/hr at Mon 14:05 PST."
	if msg.Body != want {
		t.Errorf("Body = %q\nwant %q", msg.Body, want)
	}
	if msg.Subject != "" {
		t.Errorf("Subject = %q, want empty for text", msg.Subject)
	}
}

func TestTemplates_ThresholdEmail(t *testing.T) {
	msg, err := DefaultTemplates().ThresholdEmail(testData())
	if err != nil {
		t.Fatalf("ThresholdEmail() error = %v", err)
	}
	if msg.Subject != "Air quality alert: AQI 152 (Unhealthy) at Temescal Valley" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{"open alert threshold", "150-minute average: 139.2", "+12.3 AQI/hour", "48.2 ug/m3"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("Body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestTemplates_Daily(t *testing.T) {
	tmpl := DefaultTemplates()
	d := testData()
	d.RateOfChange = -4

	text, err := tmpl.DailyText(d)
	if err != nil {
		t.Fatalf("DailyText() error = %v", err)
	}
	if !strings.Contains(text.Body, "trend -4.0/hr") || !strings.Contains(text.Body, "16 samples") {
		t.Errorf("DailyText body = %q", text.Body)
	}

	email, err := tmpl.DailyEmail(d)
	if err != nil {
		t.Fatalf("DailyEmail() error = %v", err)
	}
	if email.Subject != "Daily air quality summary for Temescal Valley" {
		t.Errorf("Subject = %q", email.Subject)
	}
	if !strings.Contains(email.Body, "16 over 150 minutes") {
		t.Errorf("Body = %q", email.Body)
	}
}

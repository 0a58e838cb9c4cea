package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/afroash/aq-notify/internal/aqi"
)

// pmList collects repeated -pm flags
type pmList []float64

func (p *pmList) String() string {
	parts := make([]string, len(*p))
	for i, v := range *p {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (p *pmList) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*p = append(*p, v)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "aqicalc: %v\n", err)
		os.Exit(2)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("aqicalc", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var pm pmList
	fs.Var(&pm, "pm", "PM2.5 concentration in ug/m3 (repeat for each channel)")
	rh := fs.Float64("rh", 0, "relative humidity in percent, used for the EPA correction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(pm) == 0 {
		return errors.New("at least one -pm value is required")
	}

	index, err := aqi.AQI(pm[0], pm[1:]...)
	if err != nil {
		return fmt.Errorf("aqi: %w", err)
	}
	epa, err := aqi.EPA(*rh, pm[0], pm[1:]...)
	if err != nil {
		return fmt.Errorf("epa: %w", err)
	}

	fmt.Fprintf(out, "AQI:        %d (%s)\n", index, aqi.Category(index))
	fmt.Fprintf(out, "EPA PM2.5:  %.3f ug/m3 at %.0f%% RH\n", epa, *rh)
	if len(pm) == 2 {
		score := aqi.ScorePair(pm[0], pm[1])
		fmt.Fprintf(out, "Confidence: %s (diff %.2f, %.1f%%)\n", score.Level, score.AbsoluteDiff, score.RelativeDiff*100)
	}
	return nil
}

// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package telstatus

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guppi-daq/guppi-shm/pkg/card"
)

func gbtFields() Fields {
	return Fields{
		"observer":   "Jane Astronomer",
		"data_dir":   "AGBT08A_001",
		"receiver":   "Rcvr1_2",
		"rcvr_pol":   "Linear",
		"freq":       "1400.0",
		"source":     "B1937+21",
		"ant_motion": "Tracking",
		"epoch":      "J2000",
		"major":      "294.9 d",
		"minor":      "21.58 d",
		"major_str":  "19:39:38.56",
		"minor_str":  "+21:34:59.1",
		"lst":        "01:02:03.6",
		"az_actual":  "180.5",
		"el_actual":  "45.25",
	}
}

func TestFold(t *testing.T) {
	tbl := card.NewTable()
	if err := Fold(tbl, gbtFields()); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}

	strs := map[string]string{
		"OBSERVER": "Jane Astronomer",
		"PROJID":   "AGBT08A_001",
		"FRONTEND": "Rcvr1_2",
		"FD_POLN":  "LIN",
		"SRC_NAME": "B1937+21",
		"TRK_MODE": "TRACK",
		"RA_STR":   "19:39:38.56",
		"DEC_STR":  "+21:34:59.1",
	}
	for k, want := range strs {
		if got, _ := tbl.Str(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	floats := map[string]float64{
		"OBSFREQ": 1400,
		"RA":      294.9,
		"DEC":     21.58,
		"AZ":      180.5,
		"ZA":      44.75,
	}
	for k, want := range floats {
		if got, _ := tbl.Float(k); got != want {
			t.Errorf("%s = %v, want %v", k, got, want)
		}
	}
	if n, _ := tbl.Int("LST"); n != 3724 {
		t.Errorf("LST = %d, want 3724", n)
	}
	if n, _ := tbl.Int("NRCVR"); n != 2 {
		t.Errorf("NRCVR = %d, want 2", n)
	}
	// 1.2 lambda / D at 1400 MHz on a 100 m dish, in degrees.
	beam, _ := tbl.Float("BMAJ")
	if math.Abs(beam-0.147) > 0.001 {
		t.Errorf("BMAJ = %v, want about 0.147", beam)
	}
}

func TestFoldPartial(t *testing.T) {
	tbl := card.NewTable()
	tbl.MustUpdate("SRC_NAME", card.String("KEEP"))
	f := Fields{"rcvr_pol": "Circular", "ant_motion": "Slewing", "epoch": "B1950", "major": "1"}

	if err := Fold(tbl, f); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if s, _ := tbl.Str("SRC_NAME"); s != "KEEP" {
		t.Errorf("SRC_NAME overwritten: %q", s)
	}
	if s, _ := tbl.Str("FD_POLN"); s != "CIRC" {
		t.Errorf("FD_POLN = %q", s)
	}
	if s, _ := tbl.Str("TRK_MODE"); s != "UNKNOWN" {
		t.Errorf("TRK_MODE = %q", s)
	}
	if _, ok := tbl.Get("RA"); ok {
		t.Error("RA set for a non-J2000 epoch")
	}
}

func TestFoldReportsBadFieldsAndAppliesRest(t *testing.T) {
	tbl := card.NewTable()
	err := Fold(tbl, Fields{"freq": "high", "lst": "noon", "az_actual": "12.5"})
	if err == nil {
		t.Fatal("expected parse errors")
	}
	if !strings.Contains(err.Error(), "freq") || !strings.Contains(err.Error(), "lst") {
		t.Errorf("error does not name bad fields: %v", err)
	}
	if az, _ := tbl.Float("AZ"); az != 12.5 {
		t.Errorf("AZ = %v, want 12.5", az)
	}
}

func TestFoldClipsLongStrings(t *testing.T) {
	tbl := card.NewTable()
	long := strings.Repeat("x", 100) + "\n"
	if err := Fold(tbl, Fields{"observer": long}); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if s, _ := tbl.Str("OBSERVER"); len(s) != card.MaxStringLen {
		t.Errorf("len = %d, want %d", len(s), card.MaxStringLen)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"source": "B0329+54", "freq": 960.5, "tracking": true}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second)
	f, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if f["source"] != "B0329+54" || f["freq"] != "960.5" || f["tracking"] != "true" {
		t.Errorf("fields = %v", f)
	}
}

func TestHTTPSourceFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/bad":
			w.Write([]byte("not json"))
		default:
			http.Error(w, "down", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/down", "/bad", "/slow"} {
		src := NewHTTPSource(srv.URL+path, 50*time.Millisecond)
		if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrUnavailable) {
			t.Errorf("%s: err = %v, want ErrUnavailable", path, err)
		}
	}

	src := NewHTTPSource("http://127.0.0.1:1/status", 50*time.Millisecond)
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("unreachable: err = %v, want ErrUnavailable", err)
	}
}

func TestMQTTSourceCache(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewMQTTSource("tcp://localhost:1883", "gbt/status", 5*time.Second)
	src.now = func() time.Time { return now }

	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Fetch before any message = %v, want ErrUnavailable", err)
	}

	src.handle([]byte("garbage"))
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("malformed message was cached")
	}

	src.handle([]byte(`{"source": "J0437-4715"}`))
	f, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if f["source"] != "J0437-4715" {
		t.Errorf("source = %q", f["source"])
	}

	// Returned map is a copy.
	f["source"] = "changed"
	f2, _ := src.Fetch(context.Background())
	if f2["source"] != "J0437-4715" {
		t.Error("Fetch exposed the cached map")
	}

	now = now.Add(6 * time.Second)
	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("stale Fetch = %v, want ErrUnavailable", err)
	}
}

func TestStaticAndNone(t *testing.T) {
	s := Static{"source": "X"}
	f, _ := s.Fetch(context.Background())
	f["source"] = "Y"
	if s["source"] != "X" {
		t.Error("Static exposed its map")
	}
	f, err := None{}.Fetch(context.Background())
	if err != nil || len(f) != 0 {
		t.Errorf("None = %v, %v", f, err)
	}
}

package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stockbot-io/stockbot/types"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"table", FormatTable, false},
		{"yaml", FormatYAML, false},
		{"", "", false},
		{"xml", "", true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseFormat(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, true, &buf)
	if err := r.Render(map[string]any{"job_id": "r1"}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if doc["job_id"] != "r1" {
		t.Errorf("doc = %v", doc)
	}
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, true, &buf)
	if err := r.Render(map[string]string{"status": "ok"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "status: ok") {
		t.Errorf("yaml = %q", buf.String())
	}
}

func TestRenderSliceTable(t *testing.T) {
	frames := []types.StatusFrame{
		{ID: "r1", Type: types.RunTypeTrain, Status: types.StatusSucceeded},
		{ID: "r2", Type: types.RunTypeBacktest, Status: types.StatusFailed},
	}

	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render(frames); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "id") || !strings.Contains(lines[0], "status") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "r1") || !strings.Contains(lines[1], "SUCCEEDED") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestRenderEmptySliceTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render([]types.StatusFrame{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("out = %q", buf.String())
	}
}

func TestStatusColorRespectsNoColor(t *testing.T) {
	frame := types.StatusFrame{ID: "r1", Status: types.StatusFailed}

	var plain bytes.Buffer
	if err := NewRendererWithWriter(FormatTable, true, &plain).Render(frame); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(plain.String(), "\x1b[") {
		t.Errorf("no-color output carries escapes: %q", plain.String())
	}
	if !strings.Contains(plain.String(), "FAILED") {
		t.Errorf("status missing: %q", plain.String())
	}
}

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		env       string
		wantJSON  bool
		wantDebug bool
	}{
		{"dev", false, true},
		{"prod", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(tt.env, &buf)
			logger.Debug().Msg("debug line")
			logger.Info().Uint("channel_id", 7).Msg("info line")

			out := buf.String()
			if got := strings.Contains(out, "debug line"); got != tt.wantDebug {
				t.Errorf("debug emitted = %v, want %v", got, tt.wantDebug)
			}
			last := strings.TrimSpace(out[strings.LastIndex(strings.TrimSpace(out), "\n")+1:])
			var m map[string]interface{}
			isJSON := json.Unmarshal([]byte(last), &m) == nil
			if isJSON != tt.wantJSON {
				t.Errorf("json output = %v, want %v: %q", isJSON, tt.wantJSON, last)
			}
			if tt.wantJSON && m["channel_id"].(float64) != 7 {
				t.Errorf("channel_id field = %v", m["channel_id"])
			}
		})
	}
}

package markers_test

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/automn-run/automn/internal/markers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PlainStdoutUntouched(t *testing.T) {
	p := markers.Parse("hi\n", "")
	assert.Equal(t, "hi", p.Stdout)
	assert.Equal(t, "", p.Stderr)
	assert.Nil(t, p.ReturnData)
	assert.Empty(t, p.Logs)
	assert.Empty(t, p.Notifications)
}

func TestParse_ReturnMarkerStripped(t *testing.T) {
	p := markers.Parse("hi\n__SCRIPTRETURN__{\"ok\":true}\n", "")
	assert.Equal(t, "hi", p.Stdout)
	assert.JSONEq(t, `{"ok":true}`, string(p.ReturnData))
	assert.NotContains(t, p.Stdout, markers.MarkerReturn)
}

func TestParse_SecondReturnIgnored(t *testing.T) {
	stdout := "__SCRIPTRETURN__1\n__SCRIPTRETURN__2\n"
	p := markers.Parse(stdout, "")
	assert.Equal(t, "1", string(p.ReturnData))
	assert.NotContains(t, p.Stdout, markers.MarkerReturn)
}

func TestParse_BadReturnJSON(t *testing.T) {
	p := markers.Parse("__SCRIPTRETURN__{oops\n", "")
	assert.Nil(t, p.ReturnData)
	assert.Contains(t, p.Stderr, "Bad return JSON")
	assert.NotContains(t, p.Stdout, markers.MarkerReturn)
}

func TestParse_LogNormalization(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantLevel string
		wantType  string
	}{
		{"plain info", `{"message":"m","level":"info","type":"audit"}`, "info", "audit"},
		{"warning alias", `{"message":"m","level":"warning"}`, "warn", "general"},
		{"unknown level", `{"message":"m","level":"shout"}`, "info", "general"},
		{"uppercase type trimmed", `{"message":"m","level":"error","type":" Audit "}`, "error", "audit"},
		{"success kept", `{"message":"m","level":"success"}`, "success", "general"},
		{"debug kept", `{"message":"m","level":"debug"}`, "debug", "general"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := markers.Parse("__SCRIPTLOG__"+tt.payload+"\n", "")
			require.Len(t, p.Logs, 1)
			assert.Equal(t, tt.wantLevel, p.Logs[0].Level)
			assert.Equal(t, tt.wantType, p.Logs[0].Type)
			assert.Equal(t, "m", p.Logs[0].Message)
		})
	}
}

func TestParse_LogContextWrapsScalars(t *testing.T) {
	p := markers.Parse(`__SCRIPTLOG__{"message":"m","context":5}`+"\n", "")
	require.Len(t, p.Logs, 1)
	assert.Equal(t, map[string]any{"value": float64(5)}, p.Logs[0].Context)

	p = markers.Parse(`__SCRIPTLOG__{"message":"m","context":{"k":1}}`+"\n", "")
	require.Len(t, p.Logs, 1)
	assert.Equal(t, map[string]any{"k": float64(1)}, p.Logs[0].Context)

	p = markers.Parse(`__SCRIPTLOG__{"message":"m"}`+"\n", "")
	require.Len(t, p.Logs, 1)
	assert.Equal(t, map[string]any{}, p.Logs[0].Context)
}

func TestParse_LogOrderIsEmissionOrder(t *testing.T) {
	stdout := `__SCRIPTLOG__{"message":"a"}` + "\n" +
		`__SCRIPTNOTIFY__{"message":"n"}` + "\n" +
		`__SCRIPTLOG__{"message":"b"}` + "\n"
	p := markers.Parse(stdout, "")
	require.Len(t, p.Logs, 2)
	require.Len(t, p.Notifications, 1)
	// Independent 0-based counters per stream.
	assert.Equal(t, 0, p.Logs[0].Order)
	assert.Equal(t, 1, p.Logs[1].Order)
	assert.Equal(t, 0, p.Notifications[0].Order)
}

func TestParse_UnparseableMarkerLinesReinjected(t *testing.T) {
	stdout := "before\n__SCRIPTLOG__{nope\nafter\n"
	p := markers.Parse(stdout, "")
	assert.Empty(t, p.Logs)
	assert.Equal(t, "before\n__SCRIPTLOG__{nope\nafter", p.Stdout)
}

func TestParse_NotificationAudienceAliases(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"audience":"Admins","message":"m"}`, "Admins"},
		{`{"target":"Ops","message":"m"}`, "Ops"},
		{`{"user":"alice","message":"m"}`, "alice"},
		{`{"scope":"all","message":"m"}`, "all"},
		{`{"audience":"  padded  ","message":"m"}`, "padded"},
	}
	for _, tt := range tests {
		p := markers.Parse("__SCRIPTNOTIFY__"+tt.payload+"\n", "")
		require.Len(t, p.Notifications, 1, tt.payload)
		assert.Equal(t, tt.want, p.Notifications[0].Audience)
	}
}

func TestParse_NotificationTruncation(t *testing.T) {
	longAud := strings.Repeat("a", 500)
	longMsg := strings.Repeat("b", 5000)
	payload := fmt.Sprintf(`{"audience":%q,"message":%q,"level":"warning"}`, longAud, longMsg)
	p := markers.Parse("__SCRIPTNOTIFY__"+payload+"\n", "")
	require.Len(t, p.Notifications, 1)
	assert.Len(t, p.Notifications[0].Audience, 256)
	assert.Len(t, p.Notifications[0].Message, 2000)
	assert.Equal(t, "warn", p.Notifications[0].Level)
}

func TestParse_TruncationKeepsValidUTF8(t *testing.T) {
	// 3-byte runes, so the 256 and 2000 byte boundaries both land mid-rune.
	longAud := strings.Repeat("世", 100)
	longMsg := strings.Repeat("世", 1200)
	payload := fmt.Sprintf(`{"audience":%q,"message":%q}`, longAud, longMsg)
	p := markers.Parse("__SCRIPTNOTIFY__"+payload+"\n", "")
	require.Len(t, p.Notifications, 1)

	aud := p.Notifications[0].Audience
	msg := p.Notifications[0].Message
	assert.True(t, utf8.ValidString(aud), "audience %q", aud)
	assert.True(t, utf8.ValidString(msg), "message %q", msg)
	assert.LessOrEqual(t, len(aud), 256)
	assert.LessOrEqual(t, len(msg), 2000)
}

func TestParse_NotificationCapAt50(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, `__SCRIPTNOTIFY__{"message":"n%d"}`+"\n", i)
	}
	p := markers.Parse(b.String(), "")
	assert.Len(t, p.Notifications, 50)
	// Entries beyond the cap stay as literal text.
	assert.Contains(t, p.Stdout, `__SCRIPTNOTIFY__{"message":"n50"}`)
	assert.Contains(t, p.Stdout, `__SCRIPTNOTIFY__{"message":"n59"}`)
}

func TestParse_StderrCarriedThrough(t *testing.T) {
	p := markers.Parse("", "boom\n")
	assert.Equal(t, "boom", p.Stderr)
}

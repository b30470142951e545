// Package markers splits a finished run's stdout into plain text and the
// three in-band structured streams scripts emit through reserved line
// prefixes: logs, notifications, and the single return value.
//
// The harness helpers (AutomnReturn, AutomnLog, AutomnNotify) write one
// marker plus one JSON payload per line. The host UI's log viewer recognises
// the same prefixes, so the wire markers are part of the public contract.
package markers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/automn-run/automn/internal/domain"
)

// Reserved line prefixes on script stdout.
const (
	MarkerReturn = "__SCRIPTRETURN__"
	MarkerLog    = "__SCRIPTLOG__"
	MarkerNotify = "__SCRIPTNOTIFY__"
)

// MaxNotifications caps parsed notification entries per run; entries beyond
// the cap stay in stdout as literal text.
const MaxNotifications = 50

const (
	maxAudienceLen = 256
	maxMessageLen  = 2000
)

// Parsed is the outcome of scanning a run's full accumulated stdout.
type Parsed struct {
	Stdout        string
	Stderr        string
	ReturnData    json.RawMessage
	Logs          []domain.ScriptLog
	Notifications []domain.ScriptNotification
}

// Parse scans the full stdout of a finished run. stderr is carried through
// and augmented with a "Bad return JSON" line when the return payload does
// not parse. Marker lines that fail to parse for the log and notify markers
// are reinjected literally into the cleaned stdout.
func Parse(stdout, stderr string) Parsed {
	p := Parsed{
		Logs:          []domain.ScriptLog{},
		Notifications: []domain.ScriptNotification{},
	}

	lines := strings.Split(stdout, "\n")
	kept := make([]string, 0, len(lines))
	returnSeen := false
	now := time.Now().UTC()

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, MarkerReturn):
			payload := strings.TrimPrefix(line, MarkerReturn)
			if returnSeen {
				// Keep-first: repeated AutomnReturn calls are swallowed.
				continue
			}
			returnSeen = true
			var v json.RawMessage
			if err := json.Unmarshal([]byte(payload), &v); err != nil {
				stderr = appendLine(stderr, fmt.Sprintf("Bad return JSON: %v", err))
				continue
			}
			p.ReturnData = v

		case strings.HasPrefix(line, MarkerLog):
			payload := strings.TrimPrefix(line, MarkerLog)
			entry, ok := parseLog(payload, len(p.Logs), now)
			if !ok {
				kept = append(kept, line)
				continue
			}
			p.Logs = append(p.Logs, entry)

		case strings.HasPrefix(line, MarkerNotify):
			payload := strings.TrimPrefix(line, MarkerNotify)
			if len(p.Notifications) >= MaxNotifications {
				kept = append(kept, line)
				continue
			}
			entry, ok := parseNotification(payload, len(p.Notifications), now)
			if !ok {
				kept = append(kept, line)
				continue
			}
			p.Notifications = append(p.Notifications, entry)

		default:
			kept = append(kept, line)
		}
	}

	p.Stdout = strings.TrimRight(strings.Join(kept, "\n"), "\r\n")
	p.Stderr = strings.TrimRight(stderr, "\r\n")
	return p
}

// logPayload is the wire shape of a __SCRIPTLOG__ payload before
// normalization.
type logPayload struct {
	Message string `json:"message"`
	Level   string `json:"level"`
	Context any    `json:"context"`
	Type    string `json:"type"`
}

func parseLog(payload string, order int, now time.Time) (domain.ScriptLog, bool) {
	var raw logPayload
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return domain.ScriptLog{}, false
	}

	return domain.ScriptLog{
		Message:   raw.Message,
		Level:     normalizeLogLevel(raw.Level),
		Type:      normalizeLogType(raw.Type),
		Context:   normalizeContext(raw.Context),
		Order:     order,
		Timestamp: now,
	}, true
}

// notifyPayload accepts the audience under any of its historical aliases.
type notifyPayload struct {
	Audience string `json:"audience"`
	Target   string `json:"target"`
	User     string `json:"user"`
	Scope    string `json:"scope"`
	Message  string `json:"message"`
	Level    string `json:"level"`
}

func parseNotification(payload string, order int, now time.Time) (domain.ScriptNotification, bool) {
	var raw notifyPayload
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return domain.ScriptNotification{}, false
	}

	audience := raw.Audience
	for _, alias := range []string{raw.Target, raw.User, raw.Scope} {
		if audience == "" {
			audience = alias
		}
	}
	audience = truncate(strings.TrimSpace(audience), maxAudienceLen)

	return domain.ScriptNotification{
		Audience:  audience,
		Message:   truncate(raw.Message, maxMessageLen),
		Level:     NormalizeNotifyLevel(raw.Level),
		Order:     order,
		Timestamp: now,
		Raw:       json.RawMessage(payload),
	}, true
}

// normalizeLogLevel maps free-form levels onto the five recognised ones.
// "warning" is a common alias for "warn"; anything unknown becomes "info".
func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case domain.LevelWarn, "warning":
		return domain.LevelWarn
	case domain.LevelError:
		return domain.LevelError
	case domain.LevelSuccess:
		return domain.LevelSuccess
	case domain.LevelDebug:
		return domain.LevelDebug
	default:
		return domain.LevelInfo
	}
}

// NormalizeNotifyLevel restricts notification levels to info, warn, error.
func NormalizeNotifyLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case domain.LevelWarn, "warning":
		return domain.LevelWarn
	case domain.LevelError:
		return domain.LevelError
	default:
		return domain.LevelInfo
	}
}

func normalizeLogType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "general"
	}
	return t
}

// normalizeContext guarantees the context is an object: scalars and arrays
// are wrapped as {"value": x}, absent contexts become an empty object.
func normalizeContext(v any) map[string]any {
	switch ctx := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return ctx
	default:
		return map[string]any{"value": ctx}
	}
}

// truncate cuts s to at most n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}

// Package logger provides structured JSON logging with per-category
// filtering and PII redaction. Categories map to the agent's --log-levels
// flag: progress, steps, workorder, debug, websocket.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Category labels a log line with the subsystem that emitted it.
type Category string

const (
	Progress  Category = "progress"
	Steps     Category = "steps"
	WorkOrder Category = "workorder"
	Debug     Category = "debug"
	WebSocket Category = "websocket"
)

// Categories lists every known category, the default filter set.
var Categories = []Category{Progress, Steps, WorkOrder, Debug, WebSocket}

// Logger emits structured JSON log entries to stderr. Lines tagged with a
// disabled category are dropped; error and warning lines always pass.
type Logger struct {
	mu        sync.Mutex
	enabled   map[Category]bool
	redactPII bool
}

// New returns a logger with every category enabled and PII redaction on.
func New() *Logger {
	l := &Logger{enabled: make(map[Category]bool), redactPII: true}
	for _, c := range Categories {
		l.enabled[c] = true
	}
	return l
}

// SetCategories restricts output to the given categories. Unknown names
// are ignored so a typo in --log-levels does not fail startup.
func (l *Logger) SetCategories(names []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range Categories {
		l.enabled[c] = false
	}
	for _, name := range names {
		l.enabled[Category(strings.ToLower(strings.TrimSpace(name)))] = true
	}
}

// SetRedactPII enables or disables email redaction.
func (l *Logger) SetRedactPII(r bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redactPII = r
}

// Log emits an entry for a category; fields are key-value pairs.
func (l *Logger) Log(cat Category, msg string, fields ...interface{}) {
	l.write(string(cat), cat, msg, fields...)
}

// Warn emits a warning entry; warnings bypass the category filter.
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.write("warn", "", msg, fields...)
}

// Error emits an error entry; errors bypass the category filter.
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.write("error", "", msg, fields...)
}

func (l *Logger) write(level string, cat Category, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cat != "" && !l.enabled[cat] {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level,
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redactPII {
			val = redactPIIValue(key, val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	fmt.Fprintln(os.Stderr, string(data))
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || strings.Contains(key, "recipient") || strings.Contains(key, "tester") {
		return RedactEmail(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked.
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

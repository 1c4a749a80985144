package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oamwatch/oamwatch/monitor/codes"
)

// multilineKeys may span physical lines when their value opens a bracket.
var multilineKeys = map[string]bool{
	"CODES_JSON": true,
}

var trueWords = map[string]bool{"1": true, "true": true, "yes": true, "y": true, "on": true, "t": true}
var falseWords = map[string]bool{"0": true, "false": true, "no": true, "n": true, "off": true, "f": true}

// ParseBool interprets the accepted boolean spellings. Unknown words return
// the fallback.
func ParseBool(raw string, fallback bool) bool {
	w := strings.ToLower(strings.TrimSpace(raw))
	if trueWords[w] {
		return true
	}
	if falseWords[w] {
		return false
	}
	return fallback
}

// Load parses the env file at path into a Config. Duplicate declared codes
// are a fatal, distinguishable error.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv, err := scan(f)
	if err != nil {
		return nil, err
	}
	return build(kv)
}

// scan reads key=value pairs, accumulating bracket-balanced multi-line
// values for the well-known structured keys.
func scan(f *os.File) (map[string]string, error) {
	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		pendingKey string
		pendingVal strings.Builder
		balance    int
	)

	for sc.Scan() {
		line := sc.Text()

		if pendingKey != "" {
			pendingVal.WriteString("\n")
			pendingVal.WriteString(line)
			balance += bracketDelta(line)
			if balance <= 0 {
				kv[pendingKey] = pendingVal.String()
				pendingKey = ""
				pendingVal.Reset()
				balance = 0
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		eq := strings.Index(trimmed, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:eq])
		val := strings.TrimSpace(trimmed[eq+1:])

		if multilineKeys[key] && (strings.HasPrefix(val, "[") || strings.HasPrefix(val, "{")) {
			balance = bracketDelta(val)
			if balance > 0 {
				pendingKey = key
				pendingVal.WriteString(val)
				continue
			}
		}
		kv[key] = unquote(val)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if pendingKey != "" {
		return nil, fmt.Errorf("%w: unterminated value for %s", ErrMalformed, pendingKey)
	}
	return kv, nil
}

// bracketDelta counts bracket openings minus closings, ignoring brackets
// inside JSON string literals.
func bracketDelta(line string) int {
	delta := 0
	inString := false
	escaped := false
	for _, r := range line {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '[', '{':
			if !inString {
				delta++
			}
		case ']', '}':
			if !inString {
				delta--
			}
		}
	}
	return delta
}

func unquote(v string) string {
	if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
		return v[1 : len(v)-1]
	}
	return v
}

func build(kv map[string]string) (*Config, error) {
	cfg := Default()

	if v, ok := kv["HEADLESS"]; ok {
		cfg.Headless = ParseBool(v, cfg.Headless)
	}
	if v, ok := kv["SITE_DIR"]; ok && v != "" {
		cfg.SiteDir = v
	}
	if v, ok := kv["MONITOR_LOG_DIR"]; ok && v != "" {
		cfg.LogDir = v
	} else if v, ok := kv["LOG_DIR"]; ok && v != "" {
		cfg.LogDir = v
	}
	if v, ok := kv["SERVE"]; ok {
		cfg.Serve = ParseBool(v, cfg.Serve)
	}
	if v, ok := kv["SITE_PORT"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SitePort = n
		}
	}
	if v, ok := kv["DEFAULT_FREQ_MINUTES"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultFreqMinutes = n
		}
	}
	if v, ok := kv["WORKERS"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v, ok := kv["EMAIL_MAX_PER_MINUTE"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EmailMaxPerMinute = n
		}
	}
	if v, ok := kv["EMAIL_FIRST_CHECK_DELAY"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.EmailFirstCheckDelay = time.Duration(n) * time.Second
		}
	}

	cfg.SMTP.Host = kv["SMTP_HOST"]
	cfg.SMTP.User = kv["SMTP_USER"]
	cfg.SMTP.Pass = kv["SMTP_PASS"]
	cfg.SMTP.From = kv["SMTP_FROM"]
	if v, ok := kv["SMTP_PORT"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SMTP.Port = n
		}
	}

	specs, err := parseSpecs(kv)
	if err != nil {
		return nil, err
	}
	cfg.Specs = specs
	return cfg, nil
}

// jsonSpec is the wire form of one entry in the CODES_JSON array. Secondary
// codes may arrive pre-decomposed or as a single canonical string in "code".
type jsonSpec struct {
	Code        string `json:"code"`
	Serial      string `json:"serial"`
	Suffix      string `json:"suffix"`
	Type        string `json:"type"`
	Year        string `json:"year"`
	Channel     string `json:"channel"`
	Target      string `json:"target"`
	FreqMinutes *int   `json:"freq_minutes"`
	Note        string `json:"note"`
}

func parseSpecs(kv map[string]string) ([]CodeSpec, error) {
	var specs []CodeSpec

	if raw, ok := kv["CODES_JSON"]; ok && strings.TrimSpace(raw) != "" {
		var entries []jsonSpec
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("%w: CODES_JSON: %v", ErrMalformed, err)
		}
		for i, e := range entries {
			sp, err := specFromJSON(e)
			if err != nil {
				return nil, fmt.Errorf("CODES_JSON[%d]: %w", i, err)
			}
			specs = append(specs, sp)
		}
	}

	// Numbered-suffix family: CODE_1, CODE_2, ... index stops at first gap.
	for i := 1; ; i++ {
		code, ok := kv[fmt.Sprintf("CODE_%d", i)]
		if !ok {
			break
		}
		sp, err := specFromFields(code,
			kv[fmt.Sprintf("CHANNEL_%d", i)],
			kv[fmt.Sprintf("TARGET_%d", i)],
			kv[fmt.Sprintf("FREQ_MINUTES_%d", i)],
			kv[fmt.Sprintf("NOTE_%d", i)])
		if err != nil {
			return nil, fmt.Errorf("CODE_%d: %w", i, err)
		}
		specs = append(specs, sp)
	}

	seen := make(map[string]bool, len(specs))
	for _, sp := range specs {
		if seen[sp.Code] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCode, sp.Code)
		}
		seen[sp.Code] = true
	}
	return specs, nil
}

func specFromJSON(e jsonSpec) (CodeSpec, error) {
	if e.Serial != "" {
		sec := codes.Secondary{
			Serial: strings.ToUpper(e.Serial),
			Suffix: strings.ToUpper(e.Suffix),
			Type:   strings.ToUpper(e.Type),
			Year:   e.Year,
		}
		if sec.Type == "" || sec.Year == "" {
			return CodeSpec{}, fmt.Errorf("%w: secondary code needs type and year", ErrMissingField)
		}
		return finishSpec(sec.String(), codes.QuerySecondary, &sec, e.Channel, e.Target, e.FreqMinutes, e.Note)
	}
	if e.Code == "" {
		return CodeSpec{}, fmt.Errorf("%w: code", ErrMissingField)
	}
	canonical, qt, err := codes.Normalize(e.Code)
	if err != nil {
		return CodeSpec{}, err
	}
	var sec *codes.Secondary
	if qt == codes.QuerySecondary {
		s, _ := codes.ParseSecondary(canonical)
		sec = &s
	}
	return finishSpec(canonical, qt, sec, e.Channel, e.Target, e.FreqMinutes, e.Note)
}

func specFromFields(code, channel, target, freq, note string) (CodeSpec, error) {
	canonical, qt, err := codes.Normalize(code)
	if err != nil {
		return CodeSpec{}, err
	}
	var sec *codes.Secondary
	if qt == codes.QuerySecondary {
		s, _ := codes.ParseSecondary(canonical)
		sec = &s
	}
	var freqPtr *int
	if freq != "" {
		n, err := strconv.Atoi(freq)
		if err != nil || n <= 0 {
			return CodeSpec{}, fmt.Errorf("%w: freq_minutes %q", ErrMalformed, freq)
		}
		freqPtr = &n
	}
	return finishSpec(canonical, qt, sec, channel, target, freqPtr, note)
}

func finishSpec(code string, qt codes.QueryType, sec *codes.Secondary, channel, target string, freq *int, note string) (CodeSpec, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		channel = "none"
	}
	if channel != "email" && channel != "none" {
		return CodeSpec{}, fmt.Errorf("%w: channel %q", ErrMalformed, channel)
	}
	if channel == "email" {
		addr, err := codes.ValidateEmail(target)
		if err != nil {
			return CodeSpec{}, fmt.Errorf("%w: target required for email channel", ErrMissingField)
		}
		target = addr
	}
	return CodeSpec{
		Code:        code,
		QueryType:   qt,
		Secondary:   sec,
		Channel:     channel,
		Target:      target,
		FreqMinutes: freq,
		Note:        note,
	}, nil
}

package hipaa

import (
	"crypto/rand"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// ErrInvalidMaskChar is returned when the configured mask character is not
// exactly one character.
var ErrInvalidMaskChar = errors.New("mask character must be a single character")

// MaskerConfig configures a Masker.
type MaskerConfig struct {
	// MaskChar replaces hidden characters. Defaults to "*".
	MaskChar string
	// Rules replaces the default rule set when non-nil.
	Rules []MaskingRule
}

// Masker applies field-level masking rules to values and documents.
//
// Masking is lossy. MaskHash output is a 32-bit rolling hash that is only
// stable within one process and is NOT cryptographically secure. MaskTokenize
// output is random on every call and cannot be reversed or correlated.
type Masker struct {
	mu       sync.RWMutex
	maskChar string
	rules    map[string]MaskingRule
	logger   zerolog.Logger
}

// MaskingStats summarizes the rule set.
type MaskingStats struct {
	TotalRules  int            `json:"totalRules"`
	RulesByType map[string]int `json:"rulesByType"`
	PHIFields   []string       `json:"phiFields"`
}

// NewMasker creates a masker. An invalid mask character is a configuration
// error.
func NewMasker(cfg MaskerConfig, logger zerolog.Logger) (*Masker, error) {
	if cfg.MaskChar == "" {
		cfg.MaskChar = "*"
	}
	if utf8.RuneCountInString(cfg.MaskChar) != 1 {
		return nil, fmt.Errorf("phi masker: %w: %q", ErrInvalidMaskChar, cfg.MaskChar)
	}

	rules := cfg.Rules
	if rules == nil {
		rules = DefaultMaskingRules()
	}

	m := &Masker{
		maskChar: cfg.MaskChar,
		rules:    make(map[string]MaskingRule, len(rules)),
		logger:   logger.With().Str("component", "phi-masker").Logger(),
	}
	for _, r := range rules {
		m.rules[r.Field] = r
	}
	m.logger.Debug().Int("rules", len(m.rules)).Msg("masking rules initialized")
	return m, nil
}

// AddMaskingRule adds or replaces the rule for rule.Field.
func (m *Masker) AddMaskingRule(rule MaskingRule) {
	m.mu.Lock()
	m.rules[rule.Field] = rule
	m.mu.Unlock()
	m.logger.Debug().Str("field", rule.Field).Str("type", string(rule.Type)).Msg("masking rule added")
}

// RemoveMaskingRule deletes the rule for field and reports whether one existed.
func (m *Masker) RemoveMaskingRule(field string) bool {
	m.mu.Lock()
	_, ok := m.rules[field]
	delete(m.rules, field)
	m.mu.Unlock()
	if ok {
		m.logger.Debug().Str("field", field).Msg("masking rule removed")
	}
	return ok
}

// IsPHIField reports whether a masking rule exists for field.
func (m *Masker) IsPHIField(field string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rules[field]
	return ok
}

// MaskValue masks a single value according to the rule for field. nil and
// empty strings are returned unchanged; any other value is stringified and
// masked. Fields without a rule are fully masked.
func (m *Masker) MaskValue(value any, field string) any {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprint(value)
	}
	if s == "" {
		return value
	}

	m.mu.RLock()
	rule, found := m.rules[field]
	m.mu.RUnlock()

	if !found {
		return m.full(s, true)
	}
	return m.apply(rule, s)
}

// MaskString is MaskValue for string inputs.
func (m *Masker) MaskString(value, field string) string {
	if value == "" {
		return ""
	}
	return m.MaskValue(value, field).(string)
}

// MaskObject returns a deep-masked copy of obj. Every leaf value is masked
// by the rule of its key; arrays of primitives use the parent key's rule.
// obj itself is never modified.
func (m *Masker) MaskObject(obj map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = m.maskNode(k, v, nil)
	}
	return out
}

// MaskFields returns a deep copy of obj in which only the named keys are
// masked. With no names, every key that has a masking rule is masked. Other
// values are copied through untouched.
func (m *Masker) MaskFields(obj map[string]any, fields ...string) map[string]any {
	if obj == nil {
		return nil
	}
	selected := func(key string) bool { return m.IsPHIField(key) }
	if len(fields) > 0 {
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			set[f] = struct{}{}
		}
		selected = func(key string) bool {
			_, ok := set[key]
			return ok
		}
	}
	return m.maskSelected(obj, selected)
}

func (m *Masker) maskSelected(obj map[string]any, selected func(string) bool) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if selected(k) {
			out[k] = m.maskNode(k, v, selected)
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = m.maskSelected(val, selected)
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if child, ok := item.(map[string]any); ok {
					items[i] = m.maskSelected(child, selected)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

// maskNode masks v found under key. When selected is non-nil, nested maps
// are processed with maskSelected instead of MaskObject.
func (m *Masker) maskNode(key string, v any, selected func(string) bool) any {
	nested := func(child map[string]any) map[string]any {
		if selected != nil {
			return m.maskSelected(child, selected)
		}
		return m.MaskObject(child)
	}

	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return nested(val)
	case []map[string]any:
		items := make([]map[string]any, len(val))
		for i, child := range val {
			items[i] = nested(child)
		}
		return items
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			if child, ok := item.(map[string]any); ok {
				items[i] = nested(child)
			} else {
				items[i] = m.MaskValue(item, key)
			}
		}
		return items
	case []string:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = m.MaskString(item, key)
		}
		return items
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = m.MaskValue(rv.Index(i).Interface(), key)
		}
		return items
	}
	return m.MaskValue(v, key)
}

// Stats reports the number of rules by type and the sorted list of PHI fields.
func (m *Masker) Stats() MaskingStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MaskingStats{
		TotalRules:  len(m.rules),
		RulesByType: make(map[string]int),
		PHIFields:   make([]string, 0, len(m.rules)),
	}
	for field, r := range m.rules {
		stats.RulesByType[string(r.Type)]++
		stats.PHIFields = append(stats.PHIFields, field)
	}
	sort.Strings(stats.PHIFields)
	return stats
}

// ValidateConfiguration reports configuration problems without failing.
func (m *Masker) ValidateConfiguration() (bool, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	if utf8.RuneCountInString(m.maskChar) != 1 {
		errs = append(errs, "Default mask character must be a single character")
	}
	if len(m.rules) == 0 {
		errs = append(errs, "No masking rules defined")
	}
	return len(errs) == 0, errs
}

func (m *Masker) apply(rule MaskingRule, s string) string {
	switch rule.Type {
	case MaskFull:
		return m.full(s, rule.PreserveLength == nil || *rule.PreserveLength)
	case MaskPartial:
		return m.partial(s, rule.VisibleChars)
	case MaskFormat:
		return m.format(s, rule.Field, rule.VisibleChars)
	case MaskHash:
		return rollingHash(s)
	case MaskTokenize:
		return randomToken()
	default:
		return m.full(s, true)
	}
}

func (m *Masker) repeat(n int) string {
	return strings.Repeat(m.maskChar, n)
}

func (m *Masker) full(s string, preserveLength bool) string {
	if !preserveLength {
		return "***"
	}
	return m.repeat(utf8.RuneCountInString(s))
}

func (m *Masker) partial(s string, visible int) string {
	r := []rune(s)
	if len(r) <= visible*2 {
		return m.repeat(max(3, len(r)))
	}
	if visible <= 0 {
		return m.repeat(len(r))
	}
	return string(r[:visible]) + m.repeat(len(r)-visible*2) + string(r[len(r)-visible:])
}

func (m *Masker) format(s, field string, visible int) string {
	switch field {
	case "ssn":
		return m.ssn(s, visible)
	case "nationalId":
		return m.nationalID(s, visible)
	case "phone":
		return m.phone(s, visible)
	case "email":
		return m.email(s)
	case "ipAddress":
		return m.ipAddress(s)
	case "dateOfBirth", "admissionDate", "dischargeDate":
		return m.date(s, visible)
	default:
		return m.partial(s, visible)
	}
}

func (m *Masker) ssn(s string, visible int) string {
	d := digitsOnly(s)
	if len(d) != 9 {
		return m.partial(s, visible)
	}
	if visible >= 4 {
		return "***-**-" + d[5:]
	}
	return "***-**-****"
}

func (m *Masker) nationalID(s string, visible int) string {
	d := digitsOnly(s)
	if len(d) != 10 {
		return m.partial(s, visible)
	}
	if visible >= 4 {
		return "******" + d[6:]
	}
	return "**********"
}

func (m *Masker) phone(s string, visible int) string {
	d := digitsOnly(s)
	switch {
	case len(d) == 10:
		if visible >= 4 {
			return "(***) ***-" + d[6:]
		}
		return "(***) ***-****"
	case len(d) == 11 && d[0] == '1':
		if visible >= 4 {
			return "1-***-***-" + d[7:]
		}
		return "1-***-***-****"
	default:
		return m.partial(s, visible)
	}
}

func (m *Masker) email(s string) string {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return m.partial(s, 2)
	}

	user := []rune(s[:at])
	domain := s[at+1:]

	masked := "***"
	if len(user) > 2 {
		masked = string(user[0]) + "***" + string(user[len(user)-1])
	}

	dot := strings.LastIndexByte(domain, '.')
	if dot < 0 {
		return masked + "@***"
	}
	return masked + "@***" + domain[dot:]
}

func (m *Masker) ipAddress(s string) string {
	if len(strings.Split(s, ".")) == 4 {
		return "***.***.***.***"
	}
	return m.full(s, true)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

func (m *Masker) date(s string, visible int) string {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if visible >= 4 {
			return fmt.Sprintf("****-**-** (%d)", t.Year())
		}
		return "****-**-**"
	}
	return m.partial(s, visible)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// rollingHash computes the 32-bit "h = h*31 + c" string hash over UTF-16
// code units. Not suitable for anything security sensitive.
func rollingHash(s string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return "HASH_" + strings.ToUpper(strconv.FormatInt(abs, 16))
}

const tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randomToken() string {
	buf := make([]byte, 13)
	if _, err := rand.Read(buf); err != nil {
		// Never hand back the raw value.
		return "TOKEN_" + strings.ToUpper(strconv.FormatInt(time.Now().UnixNano(), 36))
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return "TOKEN_" + string(buf)
}

// Package i18n looks up user-facing strings from an embedded table.
package i18n

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
)

//go:embed translations.json
var raw []byte

const fallbackLang = "en"

type Table struct {
	lang   string
	langs  map[string]map[string]any
	logger *slog.Logger
}

func Load(lang string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	langs := make(map[string]map[string]any)
	if err := json.Unmarshal(raw, &langs); err != nil {
		return nil, fmt.Errorf("parse translations: %w", err)
	}
	if _, ok := langs[lang]; !ok {
		logger.Warn("unknown bot language, falling back", "lang", lang, "fallback", fallbackLang)
		lang = fallbackLang
	}
	return &Table{lang: lang, langs: langs, logger: logger}, nil
}

// Text returns the string for key, falling back to English and, as a last
// resort, to the key itself so a missing entry is visible rather than blank.
func (t *Table) Text(key string) string {
	if s, ok := t.lookup(t.lang, key); ok {
		return s
	}
	if s, ok := t.lookup(fallbackLang, key); ok {
		return s
	}
	t.logger.Warn("missing translation", "key", key, "lang", t.lang)
	return key
}

// TextList returns a multi-part string for key.
func (t *Table) TextList(key string) []string {
	if l, ok := t.lookupList(t.lang, key); ok {
		return l
	}
	if l, ok := t.lookupList(fallbackLang, key); ok {
		return l
	}
	t.logger.Warn("missing translation list", "key", key, "lang", t.lang)
	return []string{key}
}

func (t *Table) lookup(lang, key string) (string, bool) {
	v, ok := t.langs[lang][key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (t *Table) lookupList(lang, key string) ([]string, bool) {
	v, ok := t.langs[lang][key]
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

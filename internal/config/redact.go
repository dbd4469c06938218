package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/titanous/json5"
)

// RedactedPlaceholder replaces secret values in config.get output. Writers
// may send it back unchanged; RestoreRedactions swaps the stored value in
// before persisting.
const RedactedPlaceholder = "__REDACTED__"

// secretKey reports whether a config key holds a secret.
func secretKey(key string) bool {
	k := strings.ToLower(key)
	return k == "password" || k == "token" || k == "secret" ||
		strings.HasSuffix(k, "_token") || strings.HasSuffix(k, "_key") ||
		strings.HasSuffix(k, "_secret")
}

// Redact returns raw with every secret value replaced by the placeholder.
// Unparseable input is returned unchanged; redaction must never block a read.
func Redact(raw string) string {
	if raw == "" {
		return raw
	}
	var doc any
	if err := json5.Unmarshal([]byte(raw), &doc); err != nil {
		return raw
	}
	redactValues(doc)
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return raw
	}
	return string(out)
}

func redactValues(doc any) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return
	}
	for k, v := range obj {
		if secretKey(k) {
			if s, ok := v.(string); ok && s != "" {
				obj[k] = RedactedPlaceholder
			}
			continue
		}
		redactValues(v)
	}
}

// RestoreRedactions replaces placeholder values in edited with the values at
// the same path in stored. Input without placeholders passes through
// byte-for-byte so comment-bearing JSON5 files survive untouched edits.
func RestoreRedactions(edited, stored string) (string, error) {
	if !strings.Contains(edited, RedactedPlaceholder) {
		return edited, nil
	}

	var editedDoc, storedDoc any
	if err := json5.Unmarshal([]byte(edited), &editedDoc); err != nil {
		return "", fmt.Errorf("config parse: %w", err)
	}
	if stored != "" {
		if err := json5.Unmarshal([]byte(stored), &storedDoc); err != nil {
			return "", fmt.Errorf("stored config parse: %w", err)
		}
	}
	if err := restoreValues(editedDoc, storedDoc); err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(editedDoc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func restoreValues(edited, stored any) error {
	obj, ok := edited.(map[string]any)
	if !ok {
		return nil
	}
	storedObj, _ := stored.(map[string]any)
	for k, v := range obj {
		if s, ok := v.(string); ok && s == RedactedPlaceholder {
			if storedObj == nil {
				return fmt.Errorf("redacted value %q has no stored counterpart", k)
			}
			prev, ok := storedObj[k]
			if !ok {
				return fmt.Errorf("redacted value %q has no stored counterpart", k)
			}
			obj[k] = prev
			continue
		}
		var next any
		if storedObj != nil {
			next = storedObj[k]
		}
		if err := restoreValues(v, next); err != nil {
			return err
		}
	}
	return nil
}

package approvals

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// forwardedFields is the allowlist used when rebuilding system.run params
// for the node host. Everything else the client sent is dropped, in
// particular any approved* overrides.
var forwardedFields = map[string]bool{
	"command":              true,
	"rawCommand":           true,
	"cwd":                  true,
	"env":                  true,
	"timeoutMs":            true,
	"needsScreenRecording": true,
	"agentId":              true,
	"sessionKey":           true,
	"runId":                true,
}

// RebuildParams copies only allowlisted fields from the client params and
// appends the ledger-backed decision. rawCommand, when present, must
// shell-split to the same tokens as command.
func RebuildParams(client map[string]any, decision Decision) (map[string]any, error) {
	out := make(map[string]any, len(forwardedFields)+2)
	for k, v := range client {
		if forwardedFields[k] {
			out[k] = v
		}
	}

	if raw, ok := out["rawCommand"].(string); ok && raw != "" {
		command := stringSlice(out["command"])
		tokens, err := SplitShellTokens(raw)
		if err != nil {
			return nil, &Error{Code: protocol.ApprovalRawCommandMismatch, Message: err.Error()}
		}
		if !equalTokens(tokens, command) {
			return nil, &Error{
				Code:    protocol.ApprovalRawCommandMismatch,
				Message: "rawCommand does not match command tokens",
			}
		}
	}

	out["approved"] = true
	out["approvalDecision"] = string(decision)
	return out, nil
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SplitShellTokens tokenizes a command line with POSIX-ish quoting: single
// quotes are literal, double quotes allow backslash escapes, a bare
// backslash escapes the next rune.
func SplitShellTokens(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				if i+1 < len(runes) {
					i++
					cur.WriteRune(runes[i])
				}
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == '\\':
			if i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
				inToken = true
			}
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

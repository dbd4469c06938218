package gateway

// configSchema describes the config document for operator UIs. Hand-written
// rather than reflected so descriptions and enums stay curated.
func configSchema() map[string]any {
	return map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"agents": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"default": prop("string", "Agent id used when no binding matches."),
					"command": map[string]any{"type": "array", "items": map[string]any{"type": "string"},
						"description": "Agent runner argv; prompt on stdin, reply on stdout."},
					"work_dir":   prop("string", "Working directory for the agent runner."),
					"timeout_ms": prop("integer", "Per-turn agent runner deadline."),
					"bindings": map[string]any{"type": "array", "description": "Ordered routing rules; first match wins.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"agentId": prop("string", "Agent receiving matched messages."),
								"match":   map[string]any{"type": "object", "description": "Channel, account, and peer filters."},
							},
						}},
				},
			},
			"channels": map[string]any{
				"type":        "object",
				"description": "Channel adapters keyed by channel name.",
				"additionalProperties": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"enabled":       prop("boolean", "Whether the channel is active."),
						"webhook_path":  prop("string", "HTTP path the channel posts inbound messages to."),
						"debounce_ms":   prop("integer", "Coalescing window for rapid message bursts."),
						"reply_to_mode": enumProp("Threaded-reply behavior.", "off", "first", "all"),
						"allow_from": map[string]any{"type": "array", "items": map[string]any{"type": "string"},
							"description": "Sender ids or @usernames allowed to talk to the bot; empty allows all."},
						"media_max_bytes": prop("integer",
							"Per-channel inbound media size cap; 0 falls back to media.max_size_bytes."),
						"media_roots": map[string]any{"type": "array", "items": map[string]any{"type": "string"},
							"description": "Directories local media paths may resolve into."},
					},
				},
			},
			"gateway": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"host": prop("string", "Listen address."),
					"port": prop("integer", "Listen port, 1-65535."),
					"auth": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"mode":             enumProp("Authentication mode.", "token", "password", "trusted-proxy"),
							"password":         prop("string", "Shared password for password mode."),
							"trusted_proxies":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Peer IPs whose forwarding headers are believed."},
							"user_header":      prop("string", "Header carrying the authenticated user in trusted-proxy mode."),
							"required_headers": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"allow_users":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						},
					},
					"rate_limit": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"per_minute": prop("integer", "Sustained request budget per peer; 0 disables."),
							"burst":      prop("integer", "Burst allowance above the sustained rate."),
						},
					},
					"max_body_bytes":       prop("integer", "Webhook body size cap."),
					"body_read_timeout_ms": prop("integer", "Webhook body read deadline."),
					"restart_timeout_ms":   prop("integer", "How long a scheduled restart waits for queues to drain."),
				},
			},
			"sessions": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"store_path": prop("string", "Session metadata file."),
					"base_dir":   prop("string", "Directory holding transcripts and archives."),
				},
			},
			"queue": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mode":        enumProp("Run scheduling while a session is busy.", "collect", "followup", "steer", "steer-backlog", "interrupt"),
					"cap":         prop("integer", "Per-session queued message cap."),
					"drop":        enumProp("What to shed when the queue is full.", "old", "new", "summarize"),
					"debounce_ms": prop("integer", "Default coalescing window."),
				},
			},
			"exec": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"approvals_path":      prop("string", "Exec approvals allowlist file."),
					"approval_timeout_ms": prop("integer", "How long an approval ask waits for a decision."),
					"output_cap_bytes":    prop("integer", "Command output truncation threshold."),
					"timeout_ms":          prop("integer", "Command wall-clock limit."),
					"deny_patterns":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
			"media": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"allow_roots":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"max_size_bytes": prop("integer", "Global inbound media size cap."),
				},
			},
			"audit": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": prop("string", "SQLite audit database path."),
				},
			},
			"telemetry": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"enabled":      prop("boolean", "Emit OTLP traces."),
					"endpoint":     prop("string", "Collector endpoint."),
					"protocol":     enumProp("OTLP transport.", "grpc", "http"),
					"service_name": prop("string", "Reported service.name resource attribute."),
					"sample_rate":  prop("number", "Trace sample ratio, 0-1."),
				},
			},
			"tailscale": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"hostname":   prop("string", "tsnet node hostname."),
					"state_dir":  prop("string", "tsnet state directory."),
					"ephemeral":  prop("boolean", "Register as an ephemeral node."),
					"enable_tls": prop("boolean", "Serve TLS via the tailnet cert."),
				},
			},
		},
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func enumProp(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

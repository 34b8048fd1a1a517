// Package config handles configuration loading for chorus-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Unset fields get defaults; the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHORUS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chorus/gateway.yaml
//  3. ~/.config/chorus/gateway.yaml
//
// Without a file the gateway runs on Default(): the echo provider on
// loopback addresses.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	model:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "127.0.0.1:50051"
//	  http_addr: "127.0.0.1:8080"
//	  sse_heartbeat: "15s"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "/var/lib/chorus/gateway.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	streaming:
//	  placeholder_text: "Thinking..."
//	  error_text: "My apologies, but I encountered an unexpected error."
//	  stall_timeout: "60s"
//	  max_history_messages: 20
//	  conversation_ttl: "1h"
//	  max_conversations: 10000
//	  idempotency_ttl: "10m"
//	  max_hops: 8
//
//	model:
//	  provider: "openai"   # openai, anthropic, echo
//	  model: "gpt-4o-mini"
//	  api_key: "${OPENAI_API_KEY}"
//	  base_url: ""         # OpenAI-compatible endpoint
//	  max_tokens: 1024
//	  temperature: 0.7
//	  requests_per_second: 5
//
//	fanout:
//	  redis:
//	    enabled: false
//	    addr: "localhost:6379"
//	    stream_max_len: 1000
//	    ttl: "24h"
//
//	agents:
//	  - name: "translator"
//	    instructions: "Translate the user's text to French."
//
//	workflows:
//	  - name: "triage"
//	    mode: "handoff"
//	    entry: "router"
//	    edges:
//	      - {from: "router", to: "answer", condition: "anything else"}
//
// Agents with the name of a built-in agent replace it. Workflows with the
// name of a built-in workflow replace it.
package config

// Package config loads the lxtui configuration file.
//
// The file is YAML with three sections, each optional:
//
//	engine:
//	  refresh_interval: 10s
//	  poll_interval: 500ms
//	  operation_retention: 30s
//	  prune_interval: 5s
//	  max_history: 50
//	  request_timeout: 60s
//	  retry:
//	    base_delay: 500ms
//	    multiplier: 2
//	    max_delay: 10s
//	    max_attempts: 3
//	lxd:
//	  endpoint: /var/snap/lxd/common/lxd/unix.socket
//	  project: default
//	  use_events: true
//	telemetry:
//	  logging:
//	    level: debug
//	    output: /tmp/lxtui.log
//	  metrics:
//	    listen_address: 127.0.0.1:9464
//
// Missing keys keep their defaults and unknown keys are rejected. A Watcher
// reloads the file when it changes so that engine settings can be applied to
// a running engine.
package config

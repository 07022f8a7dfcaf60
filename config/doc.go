// Package config handles application configuration loading and management.
//
// Configuration is stored in ~/.waggle/config.yaml (WAGGLE_HOME overrides the
// directory) and includes heartbeat/sync intervals, retry and retention
// policies, shard count, and resource floors for crash recovery.
package config

// Package agent is the core of a botwatch monitoring agent.
//
// # Overview
//
// An Agent wires the pieces together:
//
//	store -> registry -> coordinator -> session manager -> publisher
//
// The command layer only talks to Agent:
//
//   - RequestOwnership(ctx, target): ask the coordination room, claim on silence
//   - ReleaseOwnership(target): stop monitoring a target
//   - Publish(ctx, msg): best-effort message to the data-share room
//   - Reload(ctx, cfg): replace identity and rooms with a fresh session
//   - Shutdown(ctx): resolve, drain, disconnect, close
//
// Monitored, RecentDecisions, State, Subscribe and Err let the command layer
// show what the agent owns and notice when the session has given up.
//
// # Lifetimes
//
// The registry and coordinator outlive sessions. A reconnect or reload never
// touches the monitored set, and every session teardown resolves an
// outstanding query before its transport is released.
package agent

// Package sessions owns the session lifecycle core: the in-memory Store
// mapping session ids to transport handles and activity timestamps, and the
// idle Reaper that evicts stale entries.
//
// A session is created when a client completes the initialization handshake
// (streamable HTTP) or opens an event-stream connection (SSE fallback). Its
// transport kind is fixed at creation. The Store distinguishes dispatch-path
// lookups (Use, which bump last activity) from existence checks (Peek, which
// do not), so teardown validation and reaper scans never keep a session
// alive by accident.
package sessions

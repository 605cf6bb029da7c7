// Package session tracks gateway sessions: which participant a WebSocket
// connection speaks for, which gateway instance holds it, and which typing
// contexts it has open. State lives in Redis so it survives a gateway restart
// long enough for operators to inspect it, and expires on its own.
package session

// Package panel serves the operator web dashboard.
//
// The dashboard is a static page that lists devices with their status,
// shows the latest readings of the selected device, and sends LED and fan
// commands. It talks to the server only through the HTTP API and the
// WebSocket event stream, so it carries no server-side state.
//
// Assets are embedded with go:embed. A directory on disk can be served
// instead while working on the page.
package panel

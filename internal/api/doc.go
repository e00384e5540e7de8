// Package api exposes the daemon's REST surface: session handling, trust
// state reads, evidence submission and operation tracking.
package api

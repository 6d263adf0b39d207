// Package dashboard embeds the PageSync dashboard page.
//
// The page lists every fragment with its refresh state and interval, and
// shows the live event feed read from /api/events. It is served by the
// server package at "/"; library users do not import it directly.
package dashboard

import "embed"

// Assets holds assets/index.html. The page contains the {{.Title}}
// placeholder, replaced by the server when serving it.
//
//go:embed assets/*
var Assets embed.FS

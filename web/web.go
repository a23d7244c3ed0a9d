// Package web embeds the static bootstrap page served to browsers.
package web

import _ "embed"

// BootstrapPage opens the count socket for the current page, renders the
// latest count and reconnects whenever the socket closes.
//
//go:embed static/livecount.html
var BootstrapPage []byte

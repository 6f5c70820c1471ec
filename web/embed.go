package web

import "embed"

// FS contains the servo dashboard (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS

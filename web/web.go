// Package web embeds the HTML pages served by the pairing flow.
package web

import "embed"

//go:embed templates/*.html
var TemplateFiles embed.FS

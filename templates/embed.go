// Package templates embeds the built-in automation catalog. It is used when
// no catalog directory is configured.
package templates

import "embed"

//go:embed *.yaml
var Default embed.FS

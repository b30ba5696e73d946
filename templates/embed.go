// Package templates embeds the default configuration and policy rules files
// written by toolgate setup.
package templates

import "embed"

//go:embed config.yaml rules.yaml
var FS embed.FS

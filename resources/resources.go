package resources

import "embed"

//go:embed migrations texts
var FS embed.FS

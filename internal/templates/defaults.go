package templates

import (
	"embed"
	"io/fs"
)

//go:embed defaults
var defaults embed.FS

// Defaults returns the host's built-in templates, the last layer of every
// chain.
func Defaults() fs.FS {
	sub, err := fs.Sub(defaults, "defaults")
	if err != nil {
		panic(err)
	}
	return sub
}

// ABOUTME: Embedded data files shipped inside the coven-support binary
// ABOUTME: Default bot rule table, demo seed conversations and an example config

package assets

import (
	"embed"
	"io/fs"
)

//go:embed data
var dataFS embed.FS

// DefaultRules is the built-in bot rule table in YAML form.
//
//go:embed data/rules.yaml
var DefaultRules []byte

// DemoSeed holds a handful of conversations in every status for demos and the dashboard.
//
//go:embed data/seed.yaml
var DemoSeed []byte

// ExampleConfig is written out by `coven-support init`.
//
//go:embed data/coven-support.yaml
var ExampleConfig []byte

// Files returns the embedded data directory rooted at its contents.
func Files() fs.FS {
	sub, err := fs.Sub(dataFS, "data")
	if err != nil {
		panic("assets: failed to create sub filesystem: " + err.Error())
	}
	return sub
}

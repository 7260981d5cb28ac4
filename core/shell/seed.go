package shell

import (
	"embed"
	"path"

	"github.com/spf13/afero"
)

//go:embed scripts
var seedScripts embed.FS

const binDir = "/bin"

// seedBin populates /bin with the bundled programs so a fresh filesystem
// has something to run. An existing /bin is left alone.
func seedBin(fs afero.Fs) error {
	if exists, _ := afero.DirExists(fs, binDir); exists {
		return nil
	}
	if err := fs.MkdirAll(binDir, 0755); err != nil {
		return err
	}

	entries, err := seedScripts.ReadDir("scripts")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		content, err := seedScripts.ReadFile(path.Join("scripts", entry.Name()))
		if err != nil {
			return err
		}
		if err := afero.WriteFile(fs, path.Join(binDir, entry.Name()), content, 0755); err != nil {
			return err
		}
	}
	return nil
}

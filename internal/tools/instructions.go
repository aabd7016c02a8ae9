package tools

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ONSdigital/log.go/v2/log"
)

// Instruction files, relative to the instructions directory.
const (
	ServerInstructionFile           = "server.md"
	SearchIndicatorsInstructionFile = "tools/search_indicators.md"
	GetObservationsInstructionFile  = "tools/get_observations.md"
)

//go:embed instructions
var defaultInstructions embed.FS

// Instructions loads instruction markdown, preferring files in an
// override directory over the embedded defaults.
type Instructions struct {
	dir string
}

// NewInstructions returns a loader. An empty dir means defaults only.
func NewInstructions(dir string) *Instructions {
	return &Instructions{dir: dir}
}

// Load returns the instruction text for name, or "" when neither the
// override directory nor the defaults have it.
func (i *Instructions) Load(ctx context.Context, name string) string {
	if i.dir != "" {
		data, err := os.ReadFile(filepath.Join(i.dir, filepath.FromSlash(name)))
		switch {
		case err == nil:
			log.Info(ctx, "loaded custom instructions", log.Data{"file": name, "dir": i.dir})
			return string(data)
		case !errors.Is(err, fs.ErrNotExist):
			log.Warn(ctx, "reading custom instructions failed, using default", log.Data{"file": name, "error": err.Error()})
		}
	}

	data, err := defaultInstructions.ReadFile("instructions/" + name)
	if err != nil {
		log.Warn(ctx, "no instructions found", log.Data{"file": name})
		return ""
	}
	return string(data)
}

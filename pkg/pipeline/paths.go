package pipeline

import (
	"path/filepath"
	"strings"

	"volreg/pkg/imageio"
	"volreg/pkg/transform"
)

// baseName strips the directory and the extension from path.
func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// TransformPath returns where the registration transform is stored: next to
// the resampled grayscale output, with the suffix _REG and the .tfm
// extension.
func TransformPath(grayOutput string) string {
	return filepath.Join(filepath.Dir(grayOutput), baseName(grayOutput)+"_REG"+transform.Extension)
}

// ApplyOutputPath returns the output of the transform application flow:
// <outDir>/<moving>_TO_<fixed>.mha.
func ApplyOutputPath(outDir, fixedPath, movingPath string) string {
	return filepath.Join(outDir, baseName(movingPath)+"_TO_"+baseName(fixedPath)+imageio.ExtMHA)
}

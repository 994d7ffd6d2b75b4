package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and each of its parents, returning the first match or "" if there is none.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

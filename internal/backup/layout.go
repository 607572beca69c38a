package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/polarfoxDev/anchor/internal/model"
)

const mirrorDirName = "Mirror"

// Layout decides where dated backup directories live under the target dir
type Layout interface {
	// CountDirs are the directories whose entries count as existing backups
	CountDirs(targetDir string) []string
	// ParentDir is where a backup of the given kind is created
	ParentDir(targetDir string, kind model.Kind) string
}

// LayoutFor returns the policy for a configured layout name
func LayoutFor(l model.Layout) (Layout, error) {
	switch l {
	case model.LayoutShared, "":
		return sharedLayout{}, nil
	case model.LayoutSeparate:
		return separateLayout{}, nil
	default:
		return nil, fmt.Errorf("unknown layout %q", l)
	}
}

// sharedLayout keeps full and incremental backups in one Incremental tree
type sharedLayout struct{}

func (sharedLayout) CountDirs(targetDir string) []string {
	return []string{filepath.Join(targetDir, model.KindIncremental.Dir())}
}

func (sharedLayout) ParentDir(targetDir string, _ model.Kind) string {
	return filepath.Join(targetDir, model.KindIncremental.Dir())
}

// separateLayout puts full backups under Full and incrementals under Incremental
type separateLayout struct{}

func (separateLayout) CountDirs(targetDir string) []string {
	return []string{
		filepath.Join(targetDir, model.KindIncremental.Dir()),
		filepath.Join(targetDir, model.KindFull.Dir()),
	}
}

func (separateLayout) ParentDir(targetDir string, kind model.Kind) string {
	return filepath.Join(targetDir, kind.Dir())
}

// MirrorDir is the comparison baseline, shared by every layout
func MirrorDir(targetDir string) string {
	return filepath.Join(targetDir, mirrorDirName)
}

// CountBackups counts backup directories across the layout's trees; missing trees count as empty
func CountBackups(layout Layout, targetDir string) (int, error) {
	total := 0
	for _, dir := range layout.CountDirs(targetDir) {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("list backups in %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				total++
			}
		}
	}
	return total, nil
}

// Package library reports the completed downloads present on disk.
package library

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/otakuhub/streamcore/internal/model"
)

var mediaExtSet = map[string]struct{}{
	".mp4":  {},
	".mkv":  {},
	".ts":   {},
	".webm": {},
	".m3u8": {},
}

var subtitleExtSet = map[string]struct{}{
	".srt": {},
	".vtt": {},
	".ass": {},
}

type Result struct {
	Items []model.LibraryItem `json:"items"`
	Total int                 `json:"total"`
}

// Scan walks the download directory for media files. The episode id is
// recovered from the file name, which the download worker derives from
// it (see download.destName).
func Scan(root string) (Result, error) {
	items := make([]model.LibraryItem, 0, 64)

	if _, err := os.Stat(root); err != nil {
		// Nothing downloaded yet.
		return Result{Items: items}, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := mediaExtSet[ext]; !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		items = append(items, model.LibraryItem{
			EpisodeID:   strings.TrimSuffix(name, filepath.Ext(name)),
			FilePath:    path,
			SizeBytes:   info.Size(),
			HasSubtitle: hasLocalSubtitle(path),
			ModifiedAt:  info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].FilePath < items[j].FilePath
	})
	return Result{Items: items, Total: len(items)}, nil
}

func hasLocalSubtitle(mediaPath string) bool {
	dir := filepath.Dir(mediaPath)
	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	matches, err := filepath.Glob(filepath.Join(dir, base+".*"))
	if err != nil {
		return false
	}
	for _, match := range matches {
		ext := strings.ToLower(filepath.Ext(match))
		if _, ok := subtitleExtSet[ext]; ok {
			return true
		}
	}
	return false
}

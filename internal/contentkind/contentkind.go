// Package contentkind infers a content-type for file-storage step outputs
// and derives a sanitized folder path for image-generation steps, the two
// pieces of system context the orchestrator injects for those agent types.
package contentkind

import (
	"path"
	"regexp"
	"strings"
)

var extToContentType = map[string]string{
	".json": "application/json",
	".html": "text/html",
	".htm":  "text/html",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".md":   "text/markdown",
}

// InferFromFilename returns the content type inferred from a filename's
// extension, defaulting to "application/octet-stream" when unknown.
func InferFromFilename(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ct, ok := extToContentType[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// FolderSlug derives a sanitized folder path segment from a goal string,
// used as the image-generation system context's folder_path field.
func FolderSlug(goal string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(goal), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "untitled"
	}
	if len(slug) > 64 {
		slug = strings.Trim(slug[:64], "-")
	}
	return slug
}

// Package uploads handles Telegram document attachments: spec.md's core
// doesn't mention file attachments, but SPEC_FULL.md's supplemented
// features add them back, adapted from the teacher's
// internal/telegram/uploads.go and bot.go's saveAndBuildPrompt. A saved
// document becomes a prompt-prefixing note handed to the Router exactly
// like a typed chat message.
package uploads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Downloader resolves a Telegram file id to a fetchable URL. Satisfied by
// *telegramclient.Client.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID string) (string, error)
}

var safeNameRE = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeFilename strips path separators and anything but a conservative
// character set from name, matching the teacher's util.SafeFilename.
func SafeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" {
		return "file"
	}
	name = safeNameRE.ReplaceAllString(name, "_")
	if name == "" {
		return "file"
	}
	return name
}

func uniqueName(original string) string {
	return time.Now().Format("20060102_150405") + "_" + SafeFilename(original)
}

// Save downloads the document identified by fileID/fileName through dl,
// enforces maxBytes (0 disables the limit), and writes it under
// workDir/uploadDirName. It returns the path relative to workDir, suitable
// for embedding in a prompt.
func Save(ctx context.Context, dl Downloader, workDir, uploadDirName string, maxBytes int64, fileID, fileName string, sizeHint int) (string, error) {
	if maxBytes > 0 && int64(sizeHint) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", sizeHint, maxBytes)
	}

	uploadDir := filepath.Join(workDir, uploadDirName)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", err
	}

	url, err := dl.DownloadFile(ctx, fileID)
	if err != nil {
		return "", err
	}

	dstName := uniqueName(fileName)
	dstPath := filepath.Join(uploadDir, dstName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download failed: %s", resp.Status)
	}

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer out.Close()

	var r io.Reader = resp.Body
	if maxBytes > 0 {
		r = io.LimitReader(resp.Body, maxBytes+1)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		return "", err
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("file too large: exceeds %d bytes", maxBytes)
	}

	rel, err := filepath.Rel(workDir, dstPath)
	if err != nil {
		rel = dstPath
	}
	return filepath.ToSlash(rel), nil
}

// BuildPrompt renders the note the Router receives in place of the
// document: the saved path, plus any caption the user typed alongside it.
func BuildPrompt(relPath, caption string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[uploaded file: %s]", relPath)
	if strings.TrimSpace(caption) != "" {
		b.WriteString("\n\n")
		b.WriteString(caption)
	}
	return b.String()
}

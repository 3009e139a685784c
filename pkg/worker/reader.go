package worker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/burrow/pkg/types"
)

const summarizeTruncation = "\n... [truncated] ...\n"

// Read serves one read directive against a run's bundle directory and
// returns the reply to ship back to the manager.
func (m *RunManager) Read(msg *types.Message) *types.Reply {
	m.mu.Lock()
	r, ok := m.runs[msg.UUID]
	m.mu.Unlock()
	if !ok {
		return replyError(404, fmt.Sprintf("no run for bundle %s", msg.UUID))
	}

	target, err := insideBundle(r.BundlePath, msg.Path)
	if err != nil {
		return replyError(403, err.Error())
	}

	switch msg.ReadMode {
	case types.ReadGetTargetInfo:
		return targetInfo(target)
	case types.ReadStreamDirectory:
		return streamDirectory(target)
	case types.ReadStreamFile:
		return streamFile(target)
	case types.ReadFileSection:
		return fileSection(target, msg.Offset, msg.Length)
	case types.ReadSummarizeFile:
		return summarizeFile(target, msg.MaxLines)
	default:
		return replyError(400, fmt.Sprintf("unknown read mode %q", msg.ReadMode))
	}
}

func replyError(code int, text string) *types.Reply {
	return &types.Reply{Err: &types.ReplyError{Code: code, Text: text}}
}

// targetInfo describes a path without following a final symlink.
func targetInfo(target string) *types.Reply {
	info, err := os.Lstat(target)
	if err != nil {
		return replyError(404, fmt.Sprintf("path not found: %v", err))
	}

	kind := "file"
	switch {
	case info.IsDir():
		kind = "directory"
	case info.Mode()&os.ModeSymlink != 0:
		kind = "link"
	}
	msg := map[string]any{
		"name": info.Name(),
		"type": kind,
		"size": info.Size(),
		"perm": int(info.Mode().Perm()),
	}
	if kind == "link" {
		if dst, err := os.Readlink(target); err == nil {
			msg["link"] = dst
		}
	}
	if kind == "directory" {
		entries, err := os.ReadDir(target)
		if err == nil {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			msg["contents"] = names
		}
	}
	return &types.Reply{Message: msg}
}

// streamDirectory packs a directory as a gzipped tarball.
func streamDirectory(target string) *types.Reply {
	info, err := os.Stat(target)
	if err != nil {
		return replyError(404, fmt.Sprintf("path not found: %v", err))
	}
	if !info.IsDir() {
		return replyError(400, "not a directory")
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	err = filepath.Walk(target, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(target, path)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return replyError(500, fmt.Sprintf("failed to pack directory: %v", err))
	}
	tw.Close()
	gz.Close()
	return &types.Reply{Data: buf.Bytes()}
}

// streamFile returns the whole gzipped file.
func streamFile(target string) *types.Reply {
	f, err := os.Open(target)
	if err != nil {
		return replyError(404, fmt.Sprintf("path not found: %v", err))
	}
	defer f.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, f); err != nil {
		return replyError(500, fmt.Sprintf("failed to read file: %v", err))
	}
	gz.Close()
	return &types.Reply{Data: buf.Bytes()}
}

// fileSection returns length bytes starting at offset; a negative offset
// counts back from the end of the file.
func fileSection(target string, offset, length int64) *types.Reply {
	f, err := os.Open(target)
	if err != nil {
		return replyError(404, fmt.Sprintf("path not found: %v", err))
	}
	defer f.Close()

	if offset < 0 {
		info, err := f.Stat()
		if err != nil {
			return replyError(500, err.Error())
		}
		offset += info.Size()
		if offset < 0 {
			offset = 0
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return replyError(500, err.Error())
	}

	var rd io.Reader = f
	if length >= 0 {
		rd = io.LimitReader(f, length)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return replyError(500, err.Error())
	}
	return &types.Reply{Data: data}
}

// summarizeFile returns the head and tail of a file, joined by a truncation
// marker when the middle was elided. maxLines covers head and tail together.
func summarizeFile(target string, maxLines int) *types.Reply {
	f, err := os.Open(target)
	if err != nil {
		return replyError(404, fmt.Sprintf("path not found: %v", err))
	}
	defer f.Close()

	if maxLines <= 0 {
		maxLines = 20
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return replyError(500, err.Error())
	}

	if len(lines) <= maxLines {
		return &types.Reply{Data: []byte(strings.Join(lines, "\n"))}
	}
	head := (maxLines + 1) / 2
	tail := maxLines - head
	out := strings.Join(lines[:head], "\n") + summarizeTruncation + strings.Join(lines[len(lines)-tail:], "\n")
	return &types.Reply{Data: []byte(out)}
}

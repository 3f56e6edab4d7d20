package db

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	journalsDir  = "journals"
	rsvpsDir     = "rsvps"
	offersFile   = "offers.jsonl"
	outboxFile   = "outbox.db"
	jsonlSuffix  = ".jsonl"
	maxLineBytes = 10 * 1024 * 1024
)

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// fileName maps an account or offer id onto a single path element.
func fileName(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", errors.New("id cannot be empty")
	}
	return url.PathEscape(trimmed) + jsonlSuffix, nil
}

func idFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, jsonlSuffix) {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(name, jsonlSuffix))
	if err != nil {
		return "", false
	}
	return id, true
}

func appendJSONLine(filePath string, record any) error {
	if err := ensureDir(filepath.Dir(filePath)); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return atomicAppend(filePath, data)
}

func atomicAppend(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}

	return f.Sync()
}

func readJSONLLines(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineBytes)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// readJSONLFile decodes every line independently. Lines that fail to decode
// are skipped and counted rather than failing the whole read.
func readJSONLFile[T any](filePath string) ([]T, int, error) {
	lines, err := readJSONLLines(filePath)
	if err != nil {
		return nil, 0, err
	}

	records := make([]T, 0, len(lines))
	skipped := 0
	for _, line := range lines {
		var record T
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			skipped++
			continue
		}
		records = append(records, record)
	}

	return records, skipped, nil
}

// rewriteJSONLFile replaces filePath with the given raw lines via a temp file
// and rename so readers never observe a partial file.
func rewriteJSONLFile(filePath string, lines []string) error {
	if err := ensureDir(filepath.Dir(filePath)); err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(filePath), err)
	}
	return nil
}

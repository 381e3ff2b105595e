package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates new file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test1.log")
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		defer logger.Close()

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("log file was not created")
		}
	})

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test2.log")

		if err := os.WriteFile(path, []byte("existing content\n"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		fmt.Fprintln(logger, "new content")
		logger.Close()

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.Contains(string(content), "existing content") {
			t.Error("existing content was overwritten")
		}
		if !strings.Contains(string(content), "new content") {
			t.Error("new content was not appended")
		}
	})

	t.Run("creates parent directories", func(t *testing.T) {
		path := filepath.Join(tmpDir, "nested", "logs", "mqttlens.log")
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		defer logger.Close()
		if logger.Path() != path {
			t.Errorf("Path = %q, want %q", logger.Path(), path)
		}
	})

	t.Run("returns error when parent is a file", func(t *testing.T) {
		blocker := filepath.Join(tmpDir, "blocker")
		if err := os.WriteFile(blocker, nil, 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		if _, err := NewFileLogger(filepath.Join(blocker, "file.log")); err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestFileLogger_WriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	logger.Close()

	n, err := logger.Write([]byte("should not appear\n"))
	if err != nil || n != len("should not appear\n") {
		t.Errorf("Write after close = %d, %v", n, err)
	}

	content, _ := os.ReadFile(path)
	if strings.Contains(string(content), "should not appear") {
		t.Error("wrote after close")
	}
}

func TestFileLogger_Close(t *testing.T) {
	logger, err := NewFileLogger(filepath.Join(t.TempDir(), "test.log"))
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	// Second close should be safe (no error, no panic)
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestFileLogger_ConcurrentLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			fmt.Fprintf(logger, "{\"level\":\"info\",\"n\":%d}\n", n)
		}(i)
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 100 {
		t.Errorf("expected 100 lines, got %d", len(lines))
	}
}

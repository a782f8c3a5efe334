package transcript

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

// FileStore keeps one JSON file per conversation in Dir.
type FileStore struct {
	Dir    string
	logger *log.Logger
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory %s: %w", dir, err)
	}
	return &FileStore{Dir: dir, logger: logger}, nil
}

// Path returns the history file for a conversation id.
func (s *FileStore) Path(conversationID int64) string {
	return filepath.Join(s.Dir, fmt.Sprintf("chat_history_%d.json", conversationID))
}

func (s *FileStore) Load(ctx context.Context, conversationID int64) (Transcript, error) {
	data, err := os.ReadFile(s.Path(conversationID))
	if errors.Is(err, fs.ErrNotExist) {
		return Transcript{}, nil
	}
	if err != nil {
		s.logger.Printf("[transcript] read failed conversation_id=%d: %v; starting with empty history", conversationID, err)
		return Transcript{}, nil
	}
	t, err := Decode(data)
	if err != nil {
		s.logger.Printf("[transcript] corrupted history conversation_id=%d: %v; starting with empty history", conversationID, err)
		return Transcript{}, nil
	}
	return t, nil
}

// Save replaces the conversation file through a synced temp file and rename.
func (s *FileStore) Save(ctx context.Context, conversationID int64, t Transcript) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.Path(conversationID), data, 0o644); err != nil {
		return fmt.Errorf("save transcript conversation_id=%d: %w", conversationID, err)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context, conversationID int64) error {
	err := os.Remove(s.Path(conversationID))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("clear transcript conversation_id=%d: %w", conversationID, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}

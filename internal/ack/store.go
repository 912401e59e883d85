package ack

import (
	"context"
	"sort"
	"sync"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

type FileStatus struct {
	FileID   string
	FileName string
	Status   Status
	Reason   string
	Rows     int
}

// Store keeps the lines of every report. Upsert applies the phase rule
// atomically, refuses lines for a failed file and bumps the file's revision
// whenever a line changed. Clear drops every line of a file.
type Store interface {
	Upsert(ctx context.Context, fileID string, line Line) (bool, error)
	Lines(ctx context.Context, fileID string) ([]Line, error)
	Revision(ctx context.Context, fileID string) (int64, error)
	SetStatus(ctx context.Context, status FileStatus) error
	Status(ctx context.Context, fileID string) (FileStatus, error)
	Clear(ctx context.Context, fileID string) (int64, error)
	PendingProvisional(ctx context.Context) (int64, error)
}

type memoryFile struct {
	lines    map[string]Line
	revision int64
	status   FileStatus
}

type MemoryStore struct {
	mu    sync.Mutex
	files map[string]*memoryFile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]*memoryFile)}
}

func (s *MemoryStore) file(fileID string) *memoryFile {
	f, ok := s.files[fileID]
	if !ok {
		f = &memoryFile{lines: make(map[string]Line)}
		s.files[fileID] = f
	}
	return f
}

func (s *MemoryStore) Upsert(_ context.Context, fileID string, line Line) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file(fileID)
	if f.status.Status == StatusFailed {
		return false, nil
	}
	if current, ok := f.lines[line.MessageID]; ok && !supersedes(current, line) {
		return false, nil
	}
	f.lines[line.MessageID] = line
	f.revision++
	return true, nil
}

func (s *MemoryStore) Lines(_ context.Context, fileID string) ([]Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file(fileID)
	lines := make([]Line, 0, len(f.lines))
	for _, l := range f.lines {
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Row < lines[j].Row })
	return lines, nil
}

func (s *MemoryStore) Revision(_ context.Context, fileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file(fileID).revision, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, status FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file(status.FileID).status = status
	return nil
}

func (s *MemoryStore) Status(_ context.Context, fileID string) (FileStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok || f.status.Status == "" {
		return FileStatus{}, ErrUnknownFile
	}
	return f.status, nil
}

func (s *MemoryStore) Clear(_ context.Context, fileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file(fileID)
	n := len(f.lines)
	if n == 0 {
		return 0, nil
	}
	f.lines = make(map[string]Line)
	f.revision++
	return int64(n), nil
}

func (s *MemoryStore) PendingProvisional(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range s.files {
		for _, l := range f.lines {
			if l.Phase == PhaseProvisional {
				n++
			}
		}
	}
	return n, nil
}

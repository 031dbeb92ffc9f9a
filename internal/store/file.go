package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"carpark/internal/model"
	"carpark/internal/parse"
)

const maxLineBytes = 64 * 1024

// logFile is the append handle of a FileLog. *os.File satisfies it.
type logFile interface {
	WriteString(s string) (int, error)
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// FileLog is an EventLog kept as a text file, one entry per line.
type FileLog struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
	file logFile
}

// NewFileLog opens (or creates) the log file at path for appending.
// Timestamps read back are interpreted in loc.
func NewFileLog(path string, loc *time.Location) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("create log directory", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, storageErr("open log", err)
	}
	if err := terminateTornLine(f); err != nil {
		f.Close()
		return nil, storageErr("repair log tail", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &FileLog{path: path, loc: loc, file: f}, nil
}

// Path returns the location of the log file.
func (l *FileLog) Path() string { return l.path }

// Append writes e as one line and syncs it to disk.
func (l *FileLog) Append(ctx context.Context, e model.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line := parse.FormatEntry(e) + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return storageErr("append log entry", os.ErrClosed)
	}
	info, err := l.file.Stat()
	if err != nil {
		return storageErr("append log entry", err)
	}
	if _, err := l.file.WriteString(line); err != nil {
		return l.discardFrom(info.Size(), storageErr("append log entry", err))
	}
	if err := l.file.Sync(); err != nil {
		return l.discardFrom(info.Size(), storageErr("sync log", err))
	}
	return nil
}

// discardFrom cuts the file back to size after a failed append, so a
// rejected entry never reaches readers.
func (l *FileLog) discardFrom(size int64, cause error) error {
	if err := l.file.Truncate(size); err != nil {
		return errors.Join(cause, storageErr("discard failed append", err))
	}
	return cause
}

// terminateTornLine ends a final line that a crash left without its
// newline, so the next entry starts on a line of its own.
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}
	return f.Sync()
}

// Entries reads the log from the start through a separate handle, so readers
// never block writers and only see complete appended lines.
func (l *FileLog) Entries(ctx context.Context) iter.Seq2[model.LogEntry, error] {
	return func(yield func(model.LogEntry, error) bool) {
		f, err := os.Open(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(model.LogEntry{}, storageErr("open log", err))
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
		lineNo := 0
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				yield(model.LogEntry{}, err)
				return
			}
			lineNo++
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			entry, err := parse.ParseEntry(line, l.loc)
			if err != nil {
				err = fmt.Errorf("line %d: %w", lineNo, err)
			}
			if !yield(entry, err) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(model.LogEntry{}, storageErr("read log", err))
		}
	}
}

// Close releases the append handle.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// snapshotRecord is the JSON form of one parked vehicle.
type snapshotRecord struct {
	LicensePlate string `json:"license_plate"`
	CheckIn      string `json:"check_in"`
}

// FileSnapshots stores each machine's occupancy as <dir>/<machine>_state.json.
type FileSnapshots struct {
	dir string
	loc *time.Location
}

// NewFileSnapshots returns a snapshot store rooted at dir.
func NewFileSnapshots(dir string, loc *time.Location) (*FileSnapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("create snapshot directory", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &FileSnapshots{dir: dir, loc: loc}, nil
}

func (s *FileSnapshots) path(machineID string) (string, error) {
	if machineID == "" || strings.ContainsAny(machineID, `/\`) || machineID == "." || machineID == ".." {
		return "", fmt.Errorf("invalid machine id %q for snapshot file", machineID)
	}
	return filepath.Join(s.dir, machineID+"_state.json"), nil
}

// LoadSnapshot reads the machine's snapshot file. A missing file is not an error.
func (s *FileSnapshots) LoadSnapshot(ctx context.Context, machineID string) (model.Occupancy, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path, err := s.path(machineID)
	if err != nil {
		return nil, false, storageErr("load snapshot", err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("load snapshot", err)
	}

	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, storageErr("decode snapshot", err)
	}

	occ := make(model.Occupancy, len(records))
	for _, r := range records {
		if r.LicensePlate == "" {
			return nil, false, storageErr("decode snapshot", errors.New("record without license plate"))
		}
		checkIn, err := parse.ParseTimestamp(r.CheckIn, s.loc)
		if err != nil {
			return nil, false, storageErr("decode snapshot", err)
		}
		occ[r.LicensePlate] = model.ParkedVehicle{LicensePlate: r.LicensePlate, CheckIn: checkIn}
	}
	return occ, true, nil
}

// SaveSnapshot replaces the snapshot file atomically via a temp file and rename.
func (s *FileSnapshots) SaveSnapshot(ctx context.Context, machineID string, occ model.Occupancy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(machineID)
	if err != nil {
		return storageErr("save snapshot", err)
	}

	records := make([]snapshotRecord, 0, len(occ))
	for _, v := range occ.Sorted() {
		records = append(records, snapshotRecord{
			LicensePlate: v.LicensePlate,
			CheckIn:      parse.FormatTimestamp(v.CheckIn.In(s.loc)),
		})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return storageErr("encode snapshot", err)
	}

	tmp, err := os.CreateTemp(s.dir, machineID+"_state-*.tmp")
	if err != nil {
		return storageErr("save snapshot", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return storageErr("save snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return storageErr("save snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("save snapshot", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storageErr("save snapshot", err)
	}
	return nil
}

// FileStore combines a FileLog and FileSnapshots into a Store.
type FileStore struct {
	*FileLog
	*FileSnapshots
}

// NewFileStore opens the log file and snapshot directory under dir.
func NewFileStore(dir, logFile string, loc *time.Location) (*FileStore, error) {
	snapshots, err := NewFileSnapshots(dir, loc)
	if err != nil {
		return nil, err
	}
	log, err := NewFileLog(filepath.Join(dir, logFile), loc)
	if err != nil {
		return nil, err
	}
	return &FileStore{FileLog: log, FileSnapshots: snapshots}, nil
}

// Package file provides file-based persistence: one JSON document per
// automation, run and schedule state under a root directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/autoflow/pkg/persistence"
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	root           string
	automationRepo *AutomationRepository
	runRepo        *RunRepository
	scheduleRepo   *ScheduleRepository
}

// NewPersistence creates a file persistence rooted at root. A file:// prefix
// is accepted.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		automationRepo: NewAutomationRepository(cleanRoot),
		runRepo:        NewRunRepository(cleanRoot),
		scheduleRepo:   NewScheduleRepository(cleanRoot),
	}
}

func (fp *Persistence) AutomationRepository() persistence.AutomationRepository {
	return fp.automationRepo
}

func (fp *Persistence) RunRepository() persistence.RunRepository {
	return fp.runRepo
}

func (fp *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return fp.scheduleRepo
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// store reads and writes JSON documents in one directory.
type store struct {
	dir string
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", persistence.ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q contains invalid characters", persistence.ErrInvalidID, id)
	}

	return nil
}

func (s store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write replaces the document atomically so readers never see a partial file.
func (s store) write(id string, value any) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", id, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close %s: %w", id, err)
	}

	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to chmod %s: %w", id, err)
	}

	if err := os.Rename(tmp.Name(), s.path(id)); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to persist %s: %w", id, err)
	}

	return nil
}

// read decodes the document into value, returning notFound when missing.
func (s store) read(id string, value any, notFound error) error {
	if err := validateID(id); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path(id)) // #nosec G304 -- id is validated above
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound
		}

		return fmt.Errorf("failed to read %s: %w", id, err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return nil
}

func (s store) remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}

	return nil
}

func (s store) exists(id string) bool {
	if validateID(id) != nil {
		return false
	}

	_, err := os.Stat(s.path(id))

	return err == nil
}

// ids lists the document ids in the directory.
func (s store) ids() ([]string, error) {
	matches, err := fs.Glob(os.DirFS(s.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(m, ".json"))
	}

	return ids, nil
}

var errGone = errors.New("document removed while listing")

// all decodes every document in the directory.
func all[T any](s store) ([]*T, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	items := make([]*T, 0, len(ids))

	for _, id := range ids {
		var item T
		if err := s.read(id, &item, errGone); err != nil {
			if errors.Is(err, errGone) {
				continue
			}

			return nil, err
		}

		items = append(items, &item)
	}

	return items, nil
}

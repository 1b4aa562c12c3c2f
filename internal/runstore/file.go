package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"refinery/internal/state"
)

const (
	checkpointFile = "checkpoint.json"
	finalFile      = "final.json"
)

// checkpointSchema guards resume against hand-edited or truncated
// checkpoint files. Structural invariants beyond the schema's reach
// are enforced by Checkpoint.Validate.
const checkpointSchema = `{
  "type": "object",
  "required": ["run_id", "phase", "phase1"],
  "additionalProperties": false,
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "phase": {"type": "integer", "minimum": 1, "maximum": 3},
    "problem": {"type": "string"},
    "phase1": {"$ref": "#/$defs/phaseArtifact"},
    "phase2": {"type": "array", "items": {"$ref": "#/$defs/phaseArtifact"}},
    "phase3": {"$ref": "#/$defs/phaseArtifact"},
    "saved_at": {"type": "string"}
  },
  "$defs": {
    "phaseArtifact": {
      "type": "object",
      "required": ["artifact"],
      "additionalProperties": false,
      "properties": {
        "artifact": {"type": "string"},
        "score": {"type": "number"},
        "fingerprint": {"type": "string"}
      }
    }
  }
}`

var compiledCheckpointSchema = mustCompileSchema(checkpointSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("checkpoint.schema.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile("checkpoint.schema.json")
}

// FileStore keeps each run in its own directory under root. Documents
// are written atomically (temp file then rename) so a crashed writer
// never leaves a half-written checkpoint behind.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create run store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *FileStore) Root() string { return s.root }

// RunDir returns the directory holding a run's documents.
func (s *FileStore) RunDir(id string) string { return filepath.Join(s.root, id) }

func (s *FileStore) Create(id string) error {
	if err := validateRunID(id); err != nil {
		return err
	}
	dir := s.RunDir(id)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("run %s already exists", id)
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *FileStore) SaveCheckpoint(id string, cp *state.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := s.requireRun(id); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.RunDir(id), checkpointFile), cp)
}

func (s *FileStore) LoadCheckpoint(id string) (*state.Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(id), checkpointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load checkpoint %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	if err := compiledCheckpointSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	var cp state.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

func (s *FileStore) SaveFinal(id string, fin *Final) error {
	if err := s.requireRun(id); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.RunDir(id), finalFile), fin)
}

func (s *FileStore) LoadFinal(id string) (*Final, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(id), finalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("load final %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var fin Final
	if err := json.Unmarshal(data, &fin); err != nil {
		return nil, fmt.Errorf("final %s: %w", id, err)
	}
	return &fin, nil
}

func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Delete(id string) error {
	if err := s.requireRun(id); err != nil {
		return err
	}
	return os.RemoveAll(s.RunDir(id))
}

// Clean removes every run whose ID matches the doublestar pattern and
// returns the removed IDs.
func (s *FileStore) Clean(pattern string) ([]string, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range ids {
		ok, err := doublestar.Match(pattern, id)
		if err != nil {
			return removed, fmt.Errorf("clean pattern %q: %w", pattern, err)
		}
		if !ok {
			continue
		}
		if err := os.RemoveAll(s.RunDir(id)); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}

func (s *FileStore) requireRun(id string) error {
	if _, err := os.Stat(s.RunDir(id)); err != nil {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func validateRunID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// writeJSON writes v atomically: temp file in the target directory,
// fsync, rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidewayhq/tideway/internal/slotmodel"
)

// fileStore is the filesystem-of-record: one JSON document per scope
// plus a host-global ssot.json holding the port ledger and environment
// metadata. All writes are write-to-temp-then-rename, fsyncing the
// directory on POSIX hosts.
type fileStore struct {
	root string
	mu   sync.Mutex // guards ssot.json read-modify-write races
}

// defaultEnvironmentRanges is used to seed a freshly-created ssot.json when
// the caller supplies no override table.
func defaultEnvironmentRanges() map[string]rangeDoc {
	return map[string]rangeDoc{
		"production": {Start: 4100, End: 4500},
		"staging":    {Start: 4500, End: 5000},
		"preview":    {Start: 5000, End: 5500},
	}
}

// newFileStore opens (or creates) the filesystem-of-record at root. On
// first creation, ssot.json's environment port ranges are seeded from
// ranges if non-empty, falling back to defaultEnvironmentRanges otherwise.
// An existing ssot.json is left untouched: ranges only affects first-time
// seeding, not a running registry.
func newFileStore(root string, ranges map[string]slotmodel.PortRange) (*fileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "slots"), 0o755); err != nil {
		return nil, fmt.Errorf("create registry root: %w", err)
	}
	fs := &fileStore{root: root}
	if _, err := os.Stat(fs.ssotPath()); os.IsNotExist(err) {
		envs := defaultEnvironmentRanges()
		for env, rng := range ranges {
			envs[env] = rangeDoc{Start: rng.Start, End: rng.End}
		}
		if err := fs.writeSSOT(ssotDoc{
			SchemaVersion: currentSchemaVersion,
			Environments:  envs,
			PortLedger:    map[string]ledgerEntry{},
		}); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *fileStore) ssotPath() string { return filepath.Join(fs.root, "ssot.json") }

func (fs *fileStore) scopePath(project string, env slotmodel.Environment) string {
	return filepath.Join(fs.root, "slots", fmt.Sprintf("%s-%s.json", project, env))
}

func (fs *fileStore) readSSOT() (ssotDoc, error) {
	var doc ssotDoc
	data, err := os.ReadFile(fs.ssotPath())
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: corrupt ssot.json", err)
	}
	return doc, nil
}

func (fs *fileStore) writeSSOT(doc ssotDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(fs.ssotPath(), data)
}

func (fs *fileStore) readScope(project string, env slotmodel.Environment) (*scopeDoc, bool, error) {
	data, err := os.ReadFile(fs.scopePath(project, env))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var doc scopeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: corrupt scope file for %s/%s", err, project, env)
	}
	return &doc, true, nil
}

func (fs *fileStore) writeScope(doc *scopeDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(fs.scopePath(doc.Project, slotmodel.Environment(doc.Environment)), data)
}

// listScopeFiles enumerates every persisted scope file's (project, env).
func (fs *fileStore) listScopeFiles() ([]*scopeDoc, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, "slots"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var docs []*scopeDoc
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.root, "slots", e.Name()))
		if err != nil {
			continue
		}
		var doc scopeDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// atomicWriteFile writes data to a temp file alongside path and renames
// it into place, then fsyncs the containing directory.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}

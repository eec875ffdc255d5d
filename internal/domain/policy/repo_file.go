package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const backupTimeLayout = "20060102T150405.000000000Z"

// FileRepository stores each version as <dir>/<id>/v<version>.yaml and each
// backup as <backupDir>/<id>/<timestamp>/v<version>.yaml.
type FileRepository struct {
	dir       string
	backupDir string
}

func NewFileRepository(dir, backupDir string) (*FileRepository, error) {
	for _, d := range []string{dir, backupDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create policy directory %s: %w", d, err)
		}
	}
	return &FileRepository{dir: dir, backupDir: backupDir}, nil
}

func versionFile(version int) string {
	return "v" + strconv.Itoa(version) + ".yaml"
}

func (r *FileRepository) Save(ctx context.Context, p *Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeYAML(filepath.Join(r.dir, p.ID), versionFile(p.Version), p.Document())
}

func (r *FileRepository) Get(ctx context.Context, id string, version int) (*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !idPattern.MatchString(id) {
		return nil, ErrPolicyNotFound
	}
	return readYAML(filepath.Join(r.dir, id, versionFile(version)))
}

func (r *FileRepository) Versions(ctx context.Context, id string) ([]*Policy, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrPolicyNotFound
	}
	entries, err := os.ReadDir(filepath.Join(r.dir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}

	var versions []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".yaml"))
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	if len(versions) == 0 {
		return nil, ErrPolicyNotFound
	}
	sort.Ints(versions)

	out := make([]*Policy, 0, len(versions))
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := readYAML(filepath.Join(r.dir, id, versionFile(v)))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *FileRepository) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && idPattern.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *FileRepository) Backup(ctx context.Context, id string, versions []*Policy, at time.Time) (string, error) {
	dir := filepath.Join(r.backupDir, id, at.UTC().Format(backupTimeLayout))
	for _, p := range versions {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := writeYAML(dir, versionFile(p.Version), p.Document()); err != nil {
			return "", fmt.Errorf("backup %s v%d: %w", id, p.Version, err)
		}
	}
	return dir, nil
}

// writeYAML writes through a temp file and rename so readers never observe a
// partially written policy.
func writeYAML(dir, name string, doc Document) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write policy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync policy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close policy: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename policy: %w", err)
	}
	return nil
}

func readYAML(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes and compiles a YAML policy document.
func ParseYAML(data []byte) (*Policy, error) {
	doc, err := DecodeYAML(data)
	if err != nil {
		return nil, err
	}
	return Compile(doc)
}

// DecodeYAML decodes a YAML document without compiling it. Unknown keys are
// rejected so a misspelt rule set cannot be silently ignored.
func DecodeYAML(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, &InvalidPolicyError{Problems: []string{fmt.Sprintf("decode yaml: %v", err)}}
	}
	return doc, nil
}

package raster

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/landcover.report/internal/fsutil"
	"github.com/banshee-data/landcover.report/internal/security"
)

// Store reads and writes per-tile artifacts in one directory:
// "{chip}_{label}.tif" for a yearly classification and
// "{chip}_dynamics.tif" for the reduced dynamicity codes.
type Store struct {
	FS  fsutil.FileSystem
	Dir string
}

// NewStore returns a Store over the OS filesystem.
func NewStore(dir string) *Store {
	return &Store{FS: fsutil.OSFileSystem{}, Dir: dir}
}

// DynamicsSuffix names the reduced artifact of a tile.
const DynamicsSuffix = "dynamics"

// YearPath is the artifact path of chip for the year label.
func (s *Store) YearPath(chip, label string) string {
	return filepath.Join(s.Dir, chip+"_"+label+".tif")
}

// DynamicsPath is the dynamicity artifact path of chip.
func (s *Store) DynamicsPath(chip string) string {
	return filepath.Join(s.Dir, chip+"_"+DynamicsSuffix+".tif")
}

// artifactPath validates chip and suffix before joining them under Dir.
func (s *Store) artifactPath(chip, suffix string) (string, error) {
	for _, name := range []string{chip, suffix} {
		if err := security.ValidateName(name); err != nil {
			return "", err
		}
	}
	p := filepath.Join(s.Dir, chip+"_"+suffix+".tif")
	if err := security.ValidatePathWithinDirectory(p, s.Dir); err != nil {
		return "", err
	}
	return p, nil
}

// LoadYear decodes the classification of chip for label.
func (s *Store) LoadYear(chip, label string) (*Raster, error) {
	p, err := s.artifactPath(chip, label)
	if err != nil {
		return nil, err
	}
	data, err := s.FS.ReadFile(p)
	if err != nil {
		return nil, err
	}
	r, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return r, nil
}

// SaveYear encodes r as the classification of chip for label.
func (s *Store) SaveYear(chip, label string, r *Raster) error {
	p, err := s.artifactPath(chip, label)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return err
	}
	if err := s.FS.MkdirAll(s.Dir, os.ModePerm); err != nil {
		return err
	}
	return s.FS.ReplaceFile(p, buf.Bytes(), 0644)
}

// SaveDynamics writes the dynamicity raster of chip.
func (s *Store) SaveDynamics(chip string, c *CodeRaster) error {
	p, err := s.artifactPath(chip, DynamicsSuffix)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := EncodeCodes(&buf, c); err != nil {
		return err
	}
	if err := s.FS.MkdirAll(s.Dir, os.ModePerm); err != nil {
		return err
	}
	return s.FS.ReplaceFile(p, buf.Bytes(), 0644)
}

// LoadDynamics reads back the dynamicity raster of chip.
func (s *Store) LoadDynamics(chip string) (*CodeRaster, error) {
	p, err := s.artifactPath(chip, DynamicsSuffix)
	if err != nil {
		return nil, err
	}
	data, err := s.FS.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return DecodeCodes(data)
}

// RemoveYears deletes the yearly artifacts of chip. Missing files are ignored.
func (s *Store) RemoveYears(chip string, labels []string) error {
	for _, label := range labels {
		p, err := s.artifactPath(chip, label)
		if err != nil {
			return err
		}
		if !s.FS.Exists(p) {
			continue
		}
		if err := s.FS.Remove(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// YearArtifacts lists chip -> year labels for every yearly artifact present,
// restricted to the given labels.
func (s *Store) YearArtifacts(labels []string) (map[string][]string, error) {
	matches, err := s.FS.Glob(filepath.Join(s.Dir, "*.tif"))
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}
	out := make(map[string][]string)
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".tif")
		i := strings.LastIndexByte(name, '_')
		if i <= 0 {
			continue
		}
		chip, label := name[:i], name[i+1:]
		if !want[label] {
			continue
		}
		out[chip] = append(out[chip], label)
	}
	return out, nil
}

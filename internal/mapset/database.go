package mapset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/geodispatch/internal/core"
)

// ErrNotExist is returned for locations and mapsets missing on disk.
var ErrNotExist = errors.New("mapset: does not exist")

const (
	windFile        = "WIND"
	defaultWindFile = "DEFAULT_WIND"
)

// Database is a GRASS database directory: <root>/<location>/<mapset>/.
type Database struct {
	Root string
}

func (d Database) locationDir(location string) string {
	return filepath.Join(d.Root, location)
}

func (d Database) mapsetDir(p core.NamespacePath) string {
	return filepath.Join(d.Root, p.Location, p.Mapset)
}

// LocationExists reports whether location is a directory with a PERMANENT
// mapset.
func (d Database) LocationExists(location string) bool {
	info, err := os.Stat(filepath.Join(d.locationDir(location), Permanent))
	return err == nil && info.IsDir()
}

// MapsetExists reports whether p names a valid mapset.
func (d Database) MapsetExists(p core.NamespacePath) bool {
	info, err := os.Stat(filepath.Join(d.mapsetDir(p), windFile))
	return err == nil && info.Mode().IsRegular()
}

// Mapsets lists the mapsets of location in sorted order.
func (d Database) Mapsets(location string) ([]string, error) {
	if !d.LocationExists(location) {
		return nil, fmt.Errorf("location %s: %w", location, ErrNotExist)
	}
	entries, err := os.ReadDir(d.locationDir(location))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if d.MapsetExists(core.NamespacePath{Location: location, Mapset: e.Name()}) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Region parses the WIND file of p. Numeric values become float64.
func (d Database) Region(p core.NamespacePath) (map[string]any, error) {
	f, err := os.Open(filepath.Join(d.mapsetDir(p), windFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("mapset %s: %w", p, ErrNotExist)
		}
		return nil, err
	}
	defer f.Close()
	return parseWind(f)
}

func parseWind(r io.Reader) (map[string]any, error) {
	region := make(map[string]any)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("mapset: malformed region line %q", line)
		}
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		value = strings.TrimSpace(value)
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			region[key] = n
		} else {
			region[key] = value
		}
	}
	return region, sc.Err()
}

// Create makes mapset p with the location's default region.
func (d Database) Create(p core.NamespacePath) error {
	if !d.LocationExists(p.Location) {
		return fmt.Errorf("location %s: %w", p.Location, ErrNotExist)
	}
	dir := d.mapsetDir(p)
	if _, err := os.Stat(dir); err == nil {
		return core.Validation("mapset %s already exists", p)
	}
	src := filepath.Join(d.locationDir(p.Location), Permanent, defaultWindFile)
	wind, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read default region: %w", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, windFile), wind, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	return nil
}

// Delete removes mapset p and everything in it.
func (d Database) Delete(p core.NamespacePath) error {
	if p.Mapset == Permanent {
		return core.Validation("the %s mapset can not be deleted", Permanent)
	}
	if !d.MapsetExists(p) {
		return fmt.Errorf("mapset %s: %w", p, ErrNotExist)
	}
	return os.RemoveAll(d.mapsetDir(p))
}

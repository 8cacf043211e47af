// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instancedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bureau-foundation/passenger/lib/statefile"
)

// Layout version of the instance directory. Readers refuse directories
// with a different major version.
const (
	StructureMajor = 1
	StructureMinor = 0
)

const (
	structureVersionFile = "structure_version.txt"
	generationPrefix     = "generation-"
)

// ErrNoGeneration is returned when a requested generation does not exist.
var ErrNoGeneration = errors.New("instancedir: no such generation")

// ErrIncompatible is returned when opening a directory written with
// another major layout version.
var ErrIncompatible = errors.New("instancedir: incompatible structure version")

// Dir is an instance directory.
type Dir struct {
	path  string
	owner bool
}

// Name returns the directory name for the instance of web server pid.
func Name(pid int) string {
	return fmt.Sprintf("passenger.%d.%d.%d", StructureMajor, StructureMinor, pid)
}

// Create creates (or adopts) the instance directory for pid under
// parent and marks the handle as owner.
func Create(parent string, pid int) (*Dir, error) {
	path := filepath.Join(parent, Name(pid))
	// World readable so that unprivileged workers can find their
	// generation's sockets.
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating instance directory: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return nil, fmt.Errorf("chmod instance directory: %w", err)
	}
	version := fmt.Sprintf("%d.%d", StructureMajor, StructureMinor)
	if err := statefile.WriteFile(filepath.Join(path, structureVersionFile), []byte(version), 0o644); err != nil {
		return nil, err
	}
	return &Dir{path: path, owner: true}, nil
}

// Open returns a non-owning handle to an existing instance directory.
func Open(path string) (*Dir, error) {
	data, err := os.ReadFile(filepath.Join(path, structureVersionFile))
	if err != nil {
		return nil, fmt.Errorf("opening instance directory %s: %w", path, err)
	}
	major, _, found := strings.Cut(strings.TrimSpace(string(data)), ".")
	if !found || major != strconv.Itoa(StructureMajor) {
		return nil, fmt.Errorf("%w: %s has version %q", ErrIncompatible, path, strings.TrimSpace(string(data)))
	}
	return &Dir{path: path}, nil
}

// Path returns the instance directory path.
func (d *Dir) Path() string { return d.path }

// IsOwner reports whether Close removes the directory.
func (d *Dir) IsOwner() bool { return d.owner }

// Detach turns the handle into a non-owning one.
func (d *Dir) Detach() { d.owner = false }

// Generations returns the existing generation numbers in ascending order.
func (d *Dir) Generations() ([]int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("listing instance directory: %w", err)
	}
	var numbers []int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), generationPrefix) {
			continue
		}
		number, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), generationPrefix))
		if err != nil || number < 0 {
			continue
		}
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)
	return numbers, nil
}

// NewGeneration creates generation max(existing)+1, or 0 if there is
// none. The returned handle owns the generation.
func (d *Dir) NewGeneration(options GenerationOptions) (*Generation, error) {
	numbers, err := d.Generations()
	if err != nil {
		return nil, err
	}
	number := 0
	if len(numbers) > 0 {
		number = numbers[len(numbers)-1] + 1
	}

	generation := &Generation{
		number: number,
		path:   filepath.Join(d.path, generationPrefix+strconv.Itoa(number)),
		owner:  true,
	}
	// Mkdir rather than MkdirAll: a concurrent creator of the same
	// number must fail here.
	if err := os.Mkdir(generation.path, 0o755); err != nil {
		return nil, fmt.Errorf("creating generation %d: %w", number, err)
	}
	if err := generation.prepare(options); err != nil {
		os.RemoveAll(generation.path)
		return nil, err
	}
	return generation, nil
}

// Generation returns a non-owning handle to generation number.
func (d *Dir) Generation(number int) (*Generation, error) {
	path := filepath.Join(d.path, generationPrefix+strconv.Itoa(number))
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %d", ErrNoGeneration, number)
	}
	return &Generation{number: number, path: path}, nil
}

// NewestGeneration returns a non-owning handle to the highest numbered
// generation.
func (d *Dir) NewestGeneration() (*Generation, error) {
	numbers, err := d.Generations()
	if err != nil {
		return nil, err
	}
	if len(numbers) == 0 {
		return nil, ErrNoGeneration
	}
	return d.Generation(numbers[len(numbers)-1])
}

// Close removes the instance directory if this handle owns it and no
// generations remain.
func (d *Dir) Close() error {
	if !d.owner {
		return nil
	}
	numbers, err := d.Generations()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(numbers) > 0 {
		return nil
	}
	if err := statefile.Clear(filepath.Join(d.path, structureVersionFile)); err != nil {
		return err
	}
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing instance directory: %w", err)
	}
	return nil
}
